// Package metrics implements the counters, bounded violation ring, and
// observer fan-out used to account for admitted and rejected requests,
// plus a Recorder hook for an external metrics system (see prometheus.go).
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultRingCapacity = 1000

// Violation is one recorded denial beyond a rule's tolerated threshold.
type Violation struct {
	Identifier     string
	RuleName       string
	Timestamp      time.Time
	ObservedCount  int64
	Limit          int64
	Scope          string
	RetryAfter     time.Duration
	Metadata       map[string]string
	Kind           string // "" for ordinary violations, "ddos" for analyzer-issued ones
}

// Observer is notified once per recorded Violation. Panics inside an
// Observer are isolated so one bad observer never breaks Check.
type Observer func(Violation)

// Recorder is the hook an external metrics system implements to receive
// counter and latency updates on the hot path. NoOpRecorder is the default
// so callers never need a nil check.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpRecorder discards everything. It keeps the hot path branch-free when
// no external metrics system is wired in.
type NoOpRecorder struct{}

func (NoOpRecorder) Add(string, float64, map[string]string)     {}
func (NoOpRecorder) Observe(string, float64, map[string]string) {}

// Counters holds the aggregate request and violation figures.
type Counters struct {
	TotalRequests   uint64
	AllowedRequests uint64
	BlockedRequests uint64
	TotalViolations uint64
	BackendErrors   uint64
}

// Snapshot is a point-in-time, immutable view of Metrics.
type Snapshot struct {
	Counters         Counters
	BlockRate        float64
	RecentViolations []Violation
}

// Metrics owns the counters, the bounded recent-violations ring, and the
// copy-on-write observer list.
type Metrics struct {
	mu       sync.RWMutex
	counters Counters
	ring     []Violation
	ringCap  int
	ringPos  int
	ringLen  int

	observers atomic.Pointer[[]Observer]
	recorder  Recorder
}

// New constructs Metrics with the given recent-violations ring capacity
// (spec default 1000; 0 means "use the default") and an optional external
// Recorder (nil means NoOpRecorder).
func New(ringCapacity int, recorder Recorder) *Metrics {
	if ringCapacity <= 0 {
		ringCapacity = defaultRingCapacity
	}
	if recorder == nil {
		recorder = NoOpRecorder{}
	}
	m := &Metrics{
		ring:     make([]Violation, ringCapacity),
		ringCap:  ringCapacity,
		recorder: recorder,
	}
	empty := []Observer{}
	m.observers.Store(&empty)
	return m
}

// IncTotal increments total_requests.
func (m *Metrics) IncTotal() {
	m.mu.Lock()
	m.counters.TotalRequests++
	m.mu.Unlock()
	m.recorder.Add("ratethrottle.total_requests", 1, nil)
}

// IncAllowed increments allowed_requests.
func (m *Metrics) IncAllowed() {
	m.mu.Lock()
	m.counters.AllowedRequests++
	m.mu.Unlock()
	m.recorder.Add("ratethrottle.allowed_requests", 1, nil)
}

// IncBlocked increments blocked_requests.
func (m *Metrics) IncBlocked() {
	m.mu.Lock()
	m.counters.BlockedRequests++
	m.mu.Unlock()
	m.recorder.Add("ratethrottle.blocked_requests", 1, nil)
}

// IncBackendErrors increments backend_errors.
func (m *Metrics) IncBackendErrors() {
	m.mu.Lock()
	m.counters.BackendErrors++
	m.mu.Unlock()
	m.recorder.Add("ratethrottle.backend_errors", 1, nil)
}

// ObserveCheckDuration reports the latency of one Check call.
func (m *Metrics) ObserveCheckDuration(d time.Duration) {
	m.recorder.Observe("ratethrottle.check_duration_seconds", d.Seconds(), nil)
}

// RegisterObserver appends fn to the observer list via copy-on-write, so
// the hot path (RecordViolation) can iterate a snapshot lock-free.
func (m *Metrics) RegisterObserver(fn Observer) {
	for {
		old := m.observers.Load()
		next := make([]Observer, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = fn
		if m.observers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RecordViolation appends v to the bounded FIFO ring, increments
// total_violations, and notifies every registered observer exactly once,
// isolating panics from any one observer.
func (m *Metrics) RecordViolation(v Violation) {
	m.mu.Lock()
	m.counters.TotalViolations++
	m.ring[m.ringPos] = v
	m.ringPos = (m.ringPos + 1) % m.ringCap
	if m.ringLen < m.ringCap {
		m.ringLen++
	}
	m.mu.Unlock()

	observers := *m.observers.Load()
	for _, obs := range observers {
		m.invokeObserver(obs, v)
	}
}

func (m *Metrics) invokeObserver(obs Observer, v Violation) {
	defer func() {
		_ = recover()
	}()
	obs(v)
}

// Snapshot returns a point-in-time copy of the counters and recent
// violations (oldest first).
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var blockRate float64
	if m.counters.TotalRequests > 0 {
		blockRate = float64(m.counters.BlockedRequests) / float64(m.counters.TotalRequests)
	}

	recent := make([]Violation, m.ringLen)
	start := m.ringPos - m.ringLen
	for i := 0; i < m.ringLen; i++ {
		idx := (start + i + m.ringCap) % m.ringCap
		recent[i] = m.ring[idx]
	}

	return Snapshot{
		Counters:         m.counters,
		BlockRate:        blockRate,
		RecentViolations: recent,
	}
}

// ObserverCount returns the number of currently registered observers.
func (m *Metrics) ObserverCount() int {
	return len(*m.observers.Load())
}

// Reset zeros the counters and clears the violation ring. Registered
// observers are left intact.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = Counters{}
	m.ring = make([]Violation, m.ringCap)
	m.ringPos = 0
	m.ringLen = 0
}
