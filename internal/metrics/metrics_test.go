package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestObserversAndHandler(t *testing.T) {
	m := New()
	m.ObserveRequest("anthropic", "p1", 200, 120*time.Millisecond)
	m.ObserveAttempt("p1", "ok")
	m.ObserveAttempt("p0", "ProviderTimeoutError")
	m.ObserveAttempts(2)
	m.ObserveStream("openai", 512, true, "")
	m.ObserveStream("openai", 10, false, "ProviderConnectionError")
	m.SetSnapshotVersion(7)

	out := scrape(t, m)
	for _, want := range []string{
		`portbroker_requests_total{facade="anthropic",provider="p1",status="200"} 1`,
		`portbroker_upstream_attempts_total{outcome="ProviderTimeoutError",provider="p0"} 1`,
		`portbroker_stream_bytes_total{facade="openai"} 522`,
		`portbroker_stream_truncations_total{facade="openai"} 1`,
		`portbroker_stream_errors_total{facade="openai",kind="ProviderConnectionError"} 1`,
		"portbroker_registry_snapshot_version 7",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q\n%s", want, out)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("a", "b", 200, time.Second)
	m.ObserveAttempt("p", "ok")
	m.ObserveAttempts(1)
	m.ObserveStream("a", 1, true, "x")
	m.SetSnapshotVersion(1)
}
