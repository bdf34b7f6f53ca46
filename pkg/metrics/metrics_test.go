package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorsRegistered(t *testing.T) {
	RunsTotal.WithLabelValues("PAPER", "completed").Inc()
	LockContention.Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	want := map[string]bool{"tradepipe_runs_total": false, "tradepipe_lock_contention_total": false}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s not found", name)
		}
	}
}

func TestHandlerExposesText(t *testing.T) {
	OrdersTotal.WithLabelValues("PAPER", "buy", "filled").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tradepipe_orders_total") {
		t.Fatalf("orders counter missing from exposition")
	}
}
