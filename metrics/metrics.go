// Package metrics records payment pipeline counters, stage latencies and gauges.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	SetGauge(name string, value float64)
}

// Metric names used across the pipeline.
const (
	PaymentsTotal     = "payments_total"
	SwapAttemptsTotal = "swap_attempts_total"
	QuoteAttempts     = "quote_attempts_total"
	AlertsTotal       = "alerts_total"
	StageLatency      = "stage"
	InFlightJobs      = "in_flight_jobs"
	StaleJobs         = "stale_jobs"
)

type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
func (NoopRecorder) SetGauge(string, float64)                                {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
