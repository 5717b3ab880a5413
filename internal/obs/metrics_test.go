package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/users/u-1/capabilities":        "/v1/users/:id/capabilities",
		"/v1/users/u-1/other":               "/v1/users/u-1/other",
		"/v1/capabilities/cap_01":           "/v1/capabilities/:id",
		"/v1/templates":                     "/v1/templates",
		"/v1/templates/tpl_01":              "/v1/templates/:id",
		"/v1/templates/tpl_01/apply":        "/v1/templates/:id/apply",
		"/v1/masking-rules/msk_01":          "/v1/masking-rules/:id",
		"/v1/masking-rules?module=expenses": "/v1/masking-rules",
		"/v1/check":                         "/v1/check",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	handler := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/templates/:id", "202"))

	req := httptest.NewRequest(http.MethodGet, "/v1/templates/tpl_x", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/templates/:id", "202"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestObserveDecisionLabels(t *testing.T) {
	ObserveDecision("expenses", "approve", false, "scope_denied")
	got := testutil.ToFloat64(permissionDecisions.WithLabelValues("expenses", "approve", "deny", "scope_denied"))
	if got < 1 {
		t.Fatalf("expected decision counter to be recorded, got %v", got)
	}
}
