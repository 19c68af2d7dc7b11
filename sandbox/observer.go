package sandbox

import "time"

// Observer receives lifecycle events for metrics.
type Observer interface {
	ObserveExecution(language, outcome string, elapsed time.Duration)
	ObserveSandbox(kind, event string)
	ObserveSessions(delta int)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) ObserveExecution(string, string, time.Duration) {}

func (NoopObserver) ObserveSandbox(string, string) {}

func (NoopObserver) ObserveSessions(int) {}
