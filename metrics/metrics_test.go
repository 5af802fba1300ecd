package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDisabledIsNoop(t *testing.T) {
	m := New(false)
	m.RecordLogin("google", "new")
	m.RecordAuthFailure("login", "SIGNATURE_INVALID")
	m.RecordRevocation("access")
	m.RecordRefresh()
	m.ObserveVerify("apple", 0.1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from disabled metrics, got %d", rec.Code)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordLogin("google", "new")
}

func TestCounters(t *testing.T) {
	m := New(true)
	m.RecordLogin("kakao", "new")
	m.RecordLogin("kakao", "new")
	m.RecordLogin("kakao", "existing")
	m.RecordAuthFailure("refresh", "TOKEN_REVOKED")
	m.RecordRevocation("refresh")
	m.RecordRefresh()

	if got := testutil.ToFloat64(m.loginsTotal.WithLabelValues("kakao", "new")); got != 2 {
		t.Fatalf("expected 2 new kakao logins, got %v", got)
	}
	if got := testutil.ToFloat64(m.authFailuresTotal.WithLabelValues("refresh", "TOKEN_REVOKED")); got != 1 {
		t.Fatalf("expected 1 refresh failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.revocationsTotal.WithLabelValues("refresh")); got != 1 {
		t.Fatalf("expected 1 refresh revocation, got %v", got)
	}
	if got := testutil.ToFloat64(m.refreshesTotal); got != 1 {
		t.Fatalf("expected 1 refresh, got %v", got)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(true), New(true)
	a.RecordRevocation("access")
	if got := testutil.ToFloat64(b.revocationsTotal.WithLabelValues("access")); got != 0 {
		t.Fatalf("instances must not share collectors, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(true)
	m.ObserveVerify("google", 0.02)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `signind_provider_verify_duration_seconds_count{provider="google"} 1`) {
		t.Fatalf("histogram missing from exposition:\n%s", body)
	}
}
