// Package metrics defines the Recorder abstraction over the server's
// operational metrics, with a Prometheus implementation and a no-op for
// tests.
package metrics

// Recorder captures scheduling and ingress metrics.
type Recorder interface {
	// RecordDispatch counts one pop_queued outcome: "dispatched", "empty",
	// or "lost_race".
	RecordDispatch(outcome string)

	// RecordRunStatus counts a run status transition by final status name.
	RecordRunStatus(statusName string)

	// RecordBuildComplete counts a finished build by outcome.
	RecordBuildComplete(outcome string)

	// SetQueueDepth records the current QUEUED run count for a host tag.
	SetQueueDepth(tag string, depth int)

	// SetSurgeActive flips the per-tag surge gauge.
	SetSurgeActive(tag string, active bool)

	// RecordIngress counts bytes appended to consoles.
	RecordIngress(bytes int)
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) RecordDispatch(string)      {}
func (NopRecorder) RecordRunStatus(string)     {}
func (NopRecorder) RecordBuildComplete(string) {}
func (NopRecorder) SetQueueDepth(string, int)  {}
func (NopRecorder) SetSurgeActive(string, bool) {
}
func (NopRecorder) RecordIngress(int) {}
