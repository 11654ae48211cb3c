package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.IncCounter(PaymentsTotal, map[string]string{"status": "completed"})
	rec.IncCounter(PaymentsTotal, map[string]string{"status": "completed"})
	rec.IncCounter(SwapAttemptsTotal, map[string]string{"status": "failed", "tier": "1%"})
	rec.IncCounter(QuoteAttempts, map[string]string{"status": "ok", "attempt": "2"})
	rec.ObserveLatency(StageLatency, 2*time.Second, map[string]string{"stage": "swapping"})
	rec.SetGauge(InFlightJobs, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.WithLabelValues(PaymentsTotal, "completed", "", "", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.counters.WithLabelValues(SwapAttemptsTotal, "failed", "", "1%", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.counters.WithLabelValues(QuoteAttempts, "ok", "", "", "2")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.gauges.WithLabelValues(InFlightJobs)))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.histogram))
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopRecorder{}, OrNoop(nil))
}
