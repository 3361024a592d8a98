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

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordClaim(t *testing.T) {
	before := testutil.ToFloat64(claimsTotal.With(prometheus.Labels{"queue": "default", "kind": "task"}))
	RecordClaim("default", "task")
	after := testutil.ToFloat64(claimsTotal.With(prometheus.Labels{"queue": "default", "kind": "task"}))
	if after != before+1 {
		t.Errorf("claimsTotal = %f, want %f", after, before+1)
	}
}

func TestRecordClaimEmpty(t *testing.T) {
	before := testutil.ToFloat64(claimEmptyTotal)
	RecordClaimEmpty()
	after := testutil.ToFloat64(claimEmptyTotal)
	if after != before+1 {
		t.Errorf("claimEmptyTotal = %f, want %f", after, before+1)
	}
}

func TestRecordSettle(t *testing.T) {
	before := testutil.ToFloat64(settleTotal.With(prometheus.Labels{"kind": "workflow", "outcome": "completed"}))
	RecordSettle("workflow", "completed", 0)
	after := testutil.ToFloat64(settleTotal.With(prometheus.Labels{"kind": "workflow", "outcome": "completed"}))
	if after != before+1 {
		t.Errorf("settleTotal = %f, want %f", after, before+1)
	}
}

func TestRecordTimerFired(t *testing.T) {
	before := testutil.ToFloat64(timersFiredTotal)
	RecordTimerFired(3)
	after := testutil.ToFloat64(timersFiredTotal)
	if after != before+3 {
		t.Errorf("timersFiredTotal = %f, want %f", after, before+3)
	}
}

func TestRecordRetryScheduled(t *testing.T) {
	before := testutil.ToFloat64(retriesScheduledTotal)
	RecordRetryScheduled()
	after := testutil.ToFloat64(retriesScheduledTotal)
	if after != before+1 {
		t.Errorf("retriesScheduledTotal = %f, want %f", after, before+1)
	}
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	RecordClaim("default", "task")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "flow_claims_total") {
		t.Errorf("response body missing flow_claims_total metric")
	}
}
