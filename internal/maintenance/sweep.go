// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package maintenance runs the two periodic sweeps every flowd instance
// needs: firing due Time.delay timers (store.ProcessTimers) and
// returning stale claimed_by rows to pending after a dead worker
// (store.RecoverStale). Both are safe to run from every instance at
// once — duplicate sweeps are harmless, since ProcessTimers deletes the
// row it fires and RecoverStale only touches rows whose claim has
// already expired.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/durableflow/flow/internal/log"
	"github.com/durableflow/flow/internal/metrics"
	"github.com/durableflow/flow/internal/store"
)

// Config controls sweep cadence.
type Config struct {
	TimerInterval    time.Duration
	RecoveryInterval time.Duration
	StaleAfter       time.Duration
}

// Sweeper runs the timer and recovery sweeps on independent tickers.
type Sweeper struct {
	store  store.Store
	logger *slog.Logger
	cfg    Config
}

// New builds a Sweeper. Zero-valued Config fields default to a 1s timer
// sweep, a 30s recovery sweep, and a 5 minute stale-claim threshold.
func New(st store.Store, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Sweeper{store: st, logger: logger, cfg: cfg}
}

// Run blocks, driving both sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	go s.runTimers(ctx)
	s.runRecovery(ctx)
}

func (s *Sweeper) runTimers(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.store.ProcessTimers(ctx, now)
			if err != nil {
				s.logger.Error("process_timers failed", log.Error(err))
				continue
			}
			if n > 0 {
				metrics.RecordTimerFired(n)
				s.logger.Info("timers fired", log.Int("count", n))
			}
		}
	}
}

func (s *Sweeper) runRecovery(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			olderThan := time.Now().Add(-s.cfg.StaleAfter)
			n, err := s.store.RecoverStale(ctx, olderThan)
			if err != nil {
				s.logger.Error("recover_stale failed", log.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("recovered stale claims", log.Int("count", n))
			}
		}
	}
}
