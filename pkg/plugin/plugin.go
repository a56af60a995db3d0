package plugin

import (
	"log/slog"
	"time"
)

// Observer is notified when plugin connections come and go. Callbacks run on
// the registering goroutine and must not block.
type Observer interface {
	PluginConnected(conn *Connection)
	PluginDisconnected(conn *Connection)
}

// Metrics receives request and registry measurements.
type Metrics interface {
	ObserveRequest(method, outcome string, elapsed time.Duration)
	SetConnected(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, string, time.Duration) {}
func (noopMetrics) SetConnected(int)                             {}

// Request outcomes reported to Metrics.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeRemoteError = "remote_error"
	OutcomeUnavailable = "unavailable"
	OutcomeCancelled   = "cancelled"
)

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLogger overrides the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver adds an observer. It may be supplied multiple times.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}
