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

package coordinator

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes the delay before a retryable task failure is
// returned to pending. base * 2^attempt, capped, then full-jittered
// to [0, backoff] so a burst of simultaneously-failing tasks doesn't
// re-claim in lockstep.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy matches the teacher's own runner poll/retry pacing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 200 * time.Millisecond, Cap: 30 * time.Second}
}

// NextBackoff returns the delay to apply before re-enqueueing an
// execution that just failed its (attempt+1)'th attempt.
func (p RetryPolicy) NextBackoff(attempt int) time.Duration {
	if p.Base <= 0 {
		p = DefaultRetryPolicy()
	}
	backoff := float64(p.Base) * math.Pow(2, float64(attempt))
	if cap := float64(p.Cap); backoff > cap {
		backoff = cap
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}
