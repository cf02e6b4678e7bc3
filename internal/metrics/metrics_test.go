package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreExposed(t *testing.T) {
	m := New(nil)
	m.MessagesPosted.Inc()
	m.Finalisations.WithLabelValues("closed").Inc()
	m.RealtimeConnections.Set(3)

	if got := testutil.ToFloat64(m.MessagesPosted); got != 1 {
		t.Fatalf("expected 1 message, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"cyphire_messages_posted_total 1",
		`cyphire_finalisations_total{outcome="closed"} 1`,
		"cyphire_realtime_connections 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestNewUsesIndependentRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.MessagesPosted.Inc()
	if got := testutil.ToFloat64(b.MessagesPosted); got != 0 {
		t.Fatalf("registries leaked state: %v", got)
	}
}
