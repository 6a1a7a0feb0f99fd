// Package health tracks per-subsystem success and failure and derives the
// overall health signal of the live-data core.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/domain"
	"github.com/aristath/pulse/internal/events"
)

// Status of a single subsystem
type Status string

const (
	StatusIdle     Status = "idle"
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Overall health classification
type Overall string

const (
	Healthy   Overall = "healthy"
	Degraded  Overall = "degraded"
	Unhealthy Overall = "unhealthy"
)

// Stream states the monitor reacts to
const (
	StreamFailed       = "failed"
	StreamReconnecting = "reconnecting"
	StreamDisconnected = "disconnected"
)

const (
	// ErrorThreshold is the number of consecutive errors that turns degraded into error
	ErrorThreshold = 3
	// DedupeWindow suppresses identical audit entries for the same service
	DedupeWindow = 60 * time.Second

	persistTimeout = 5 * time.Second
)

// PersistOptions controls how an error is written to the audit log
type PersistOptions struct {
	DedupeWindow time.Duration
}

// ErrorLog is the durable audit log collaborator
type ErrorLog interface {
	// PersistError records an error unless an identical one was recorded within
	// the dedupe window. Returns whether a new entry was written.
	PersistError(ctx context.Context, service domain.Service, message string, opts PersistOptions) (bool, error)
	// Resolve marks every unresolved entry of the service as resolved.
	Resolve(ctx context.Context, service domain.Service) error
}

// ServiceState is the health of one subsystem
type ServiceState struct {
	Service           domain.Service `json:"service"`
	Status            Status         `json:"status"`
	LastError         string         `json:"last_error,omitempty"`
	LastErrorAt       *time.Time     `json:"last_error_at,omitempty"`
	LastSuccess       *time.Time     `json:"last_success,omitempty"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
}

// Snapshot is a point-in-time view of every subsystem
type Snapshot struct {
	Overall  Overall        `json:"overall"`
	Stream   string         `json:"stream"`
	Services []ServiceState `json:"services"`
}

// Monitor records success and failure per subsystem. Each service is updated
// only by its own job, but reads may come from anywhere.
type Monitor struct {
	mu        sync.RWMutex
	services  map[domain.Service]*ServiceState
	stream    string
	errorLog  ErrorLog
	publisher events.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewMonitor creates a monitor with every known service idle.
// errorLog and publisher may be nil.
func NewMonitor(errorLog ErrorLog, publisher events.Publisher, log zerolog.Logger) *Monitor {
	m := &Monitor{
		services:  make(map[domain.Service]*ServiceState),
		stream:    StreamDisconnected,
		errorLog:  errorLog,
		publisher: publisher,
		log:       log.With().Str("component", "health_monitor").Logger(),
		now:       time.Now,
	}
	for _, s := range domain.AllServices {
		m.services[s] = &ServiceState{Service: s, Status: StatusIdle}
	}
	return m
}

func (m *Monitor) state(service domain.Service) *ServiceState {
	st, ok := m.services[service]
	if !ok {
		st = &ServiceState{Service: service, Status: StatusIdle}
		m.services[service] = st
	}
	return st
}

// ReportSuccess resets the error counter of service and marks it ok
func (m *Monitor) ReportSuccess(service domain.Service) {
	m.mu.Lock()
	st := m.state(service)
	hadErrors := st.ConsecutiveErrors > 0
	now := m.now()
	st.ConsecutiveErrors = 0
	st.Status = StatusOK
	st.LastSuccess = &now
	m.mu.Unlock()

	if hadErrors {
		m.log.Info().Str("service", string(service)).Msg("Service recovered")
		if m.errorLog != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := m.errorLog.Resolve(ctx, service); err != nil {
				m.log.Warn().Err(err).Str("service", string(service)).Msg("Failed to resolve error log entries")
			}
		}
	}
}

// ReportError records a failure of service. Status becomes degraded below
// ErrorThreshold consecutive errors and error at or above it. A notification
// is published on the first error and when the threshold is crossed.
func (m *Monitor) ReportError(service domain.Service, message string) {
	m.mu.Lock()
	st := m.state(service)
	now := m.now()
	st.ConsecutiveErrors++
	st.LastError = message
	st.LastErrorAt = &now
	if st.ConsecutiveErrors >= ErrorThreshold {
		st.Status = StatusError
	} else {
		st.Status = StatusDegraded
	}
	count := st.ConsecutiveErrors
	status := st.Status
	m.mu.Unlock()

	m.log.Warn().
		Str("service", string(service)).
		Int("consecutive_errors", count).
		Str("status", string(status)).
		Str("error", message).
		Msg("Service error reported")

	if m.errorLog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := m.errorLog.PersistError(ctx, service, message, PersistOptions{DedupeWindow: DedupeWindow}); err != nil {
			m.log.Error().Err(err).Str("service", string(service)).Msg("Failed to persist error")
		}
	}

	if m.publisher != nil && (count == 1 || count == ErrorThreshold) {
		m.publisher.Publish("health", &events.HealthAlertData{
			Service:           service,
			Status:            string(status),
			Message:           message,
			ConsecutiveErrors: count,
		})
	}
}

// SetStreamStatus records the current push-feed state
func (m *Monitor) SetStreamStatus(state string) {
	m.mu.Lock()
	m.stream = state
	m.mu.Unlock()
}

// StreamStatus returns the last recorded push-feed state
func (m *Monitor) StreamStatus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stream
}

// Service returns a copy of the state of one service
func (m *Monitor) Service(service domain.Service) ServiceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.services[service]; ok {
		return *st
	}
	return ServiceState{Service: service, Status: StatusIdle}
}

// OverallStatus is unhealthy if any service is in error or the stream failed,
// degraded if any service is degraded or the stream is reconnecting, and
// healthy otherwise.
func (m *Monitor) OverallStatus() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Overall {
	if m.stream == StreamFailed {
		return Unhealthy
	}
	degraded := m.stream == StreamReconnecting
	for _, st := range m.services {
		switch st.Status {
		case StatusError:
			return Unhealthy
		case StatusDegraded:
			degraded = true
		}
	}
	if degraded {
		return Degraded
	}
	return Healthy
}

// Snapshot returns the overall status and every service state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Overall:  m.overallLocked(),
		Stream:   m.stream,
		Services: make([]ServiceState, 0, len(m.services)),
	}
	for _, s := range domain.AllServices {
		if st, ok := m.services[s]; ok {
			snap.Services = append(snap.Services, *st)
		}
	}
	return snap
}
