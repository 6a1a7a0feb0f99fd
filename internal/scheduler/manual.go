package scheduler

import (
	"sort"
	"sync"
	"time"
)

type manualEntry struct {
	id       uint64
	interval time.Duration
	fn       func()
}

// Manual is a scheduler that never fires on its own. Tests fire jobs by name.
type Manual struct {
	mu      sync.Mutex
	entries map[string]manualEntry
	nextID  uint64
	started bool
}

// NewManual creates an empty manual scheduler
func NewManual() *Manual {
	return &Manual{entries: make(map[string]manualEntry)}
}

func (m *Manual) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *Manual) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

// Started reports whether Start was called more recently than Stop
func (m *Manual) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// ScheduleRecurring records the job. A later registration under the same name replaces it.
func (m *Manual) ScheduleRecurring(name string, interval time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.entries[name] = manualEntry{id: id, interval: interval, fn: fn}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.entries[name]; ok && e.id == id {
			delete(m.entries, name)
		}
	}
}

// Fire runs the named job synchronously. Returns false if no such job is scheduled.
func (m *Manual) Fire(name string) bool {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()

	if !ok {
		return false
	}
	e.fn()
	return true
}

// Interval returns the base interval of the named job
func (m *Manual) Interval(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	return e.interval, ok
}

// Names returns the scheduled job names, sorted
func (m *Manual) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
