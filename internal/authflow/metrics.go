package authflow

import "sync"

// Events counted by MetricsRecorder. Session events mark how a Run ended; callback events
// count requests that reached the listener.
const (
	EventSessionStarted     = "session.started"
	EventSessionCompleted   = "session.completed"
	EventSessionPreempted   = "session.preempted"
	EventSessionTimedOut    = "session.timed_out"
	EventSessionCancelled   = "session.cancelled"
	EventSessionFailed      = "session.failed"
	EventCallbackReceived   = "callback.received"
	EventCallbackIncomplete = "callback.incomplete"
)

// MetricsRecorder increments counters for sign-in events.
type MetricsRecorder interface {
	Increment(event string)
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

// CounterMetrics counts events in memory.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics returns a recorder with every counter at zero.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment adds one to the counter for event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the number of times event was recorded.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot copies all counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for event, count := range recorder.counts {
		clone[event] = count
	}
	return clone
}
