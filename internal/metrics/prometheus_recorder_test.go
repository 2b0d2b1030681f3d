package metrics

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.RecordDispatch("dispatched")
	pr.RecordDispatch("dispatched")
	pr.RecordDispatch("empty")
	pr.RecordRunStatus("PASSED")
	pr.RecordBuildComplete("FAILED")
	pr.SetQueueDepth("amd64", 4)
	pr.SetSurgeActive("amd64", true)
	pr.RecordIngress(512)

	if got := testutil.ToFloat64(pr.dispatches.WithLabelValues("dispatched")); got != 2 {
		t.Errorf("dispatched = %v", got)
	}
	if got := testutil.ToFloat64(pr.queueDepth.WithLabelValues("amd64")); got != 4 {
		t.Errorf("queue depth = %v", got)
	}
	if got := testutil.ToFloat64(pr.surgeActive.WithLabelValues("amd64")); got != 1 {
		t.Errorf("surge gauge = %v", got)
	}

	pr.SetSurgeActive("amd64", false)
	if got := testutil.ToFloat64(pr.surgeActive.WithLabelValues("amd64")); got != 0 {
		t.Errorf("surge gauge after clear = %v", got)
	}
}
