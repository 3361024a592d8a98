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

// Package metrics exposes flowd's Prometheus counters and histograms:
// claim throughput, settle outcomes, timer sweep activity, and retry
// scheduling.
// Handler() mounts the registry at GET /metrics via internal/api.Router.
package metrics

import (
	"time"

	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_claims_total",
			Help: "Total executions claimed, by queue and kind.",
		},
		[]string{"queue", "kind"},
	)

	claimEmptyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flow_claim_empty_total",
			Help: "Total claim attempts that found nothing pending.",
		},
	)

	settleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_settle_total",
			Help: "Total executions settled, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "flow_dispatch_duration_seconds",
			Help: "Time from claim to settle for one execution, by kind.",
		},
		[]string{"kind"},
	)

	timersFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flow_timers_fired_total",
			Help: "Total Time.delay timers fired by the sweep loop.",
		},
	)

	retriesScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flow_retries_scheduled_total",
			Help: "Total retryable failures held for a backoff interval.",
		},
	)
)

// RecordClaim counts one successful claim.
func RecordClaim(queue, kind string) {
	claimsTotal.WithLabelValues(queue, kind).Inc()
}

// RecordClaimEmpty counts one claim attempt that found no pending row.
func RecordClaimEmpty() {
	claimEmptyTotal.Inc()
}

// RecordSettle counts one execution settling, and its wall-clock
// dispatch-to-settle duration.
func RecordSettle(kind, outcome string, duration time.Duration) {
	settleTotal.WithLabelValues(kind, outcome).Inc()
	dispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTimerFired counts n Time.delay timers fired by one sweep.
func RecordTimerFired(n int) {
	timersFiredTotal.Add(float64(n))
}

// RecordRetryScheduled counts one backoff-delayed retry.
func RecordRetryScheduled() {
	retriesScheduledTotal.Inc()
}

// Handler returns the promhttp handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
