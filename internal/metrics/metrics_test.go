package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestMetrics_CountersQuiescence(t *testing.T) {
	m := New(10, nil)
	m.IncTotal()
	m.IncAllowed()
	m.IncTotal()
	m.IncBlocked()

	snap := m.Snapshot()
	if snap.Counters.TotalRequests != 2 {
		t.Fatalf("expected 2 total requests, got %d", snap.Counters.TotalRequests)
	}
	if snap.Counters.TotalRequests != snap.Counters.AllowedRequests+snap.Counters.BlockedRequests {
		t.Fatalf("total != allowed+blocked: %+v", snap.Counters)
	}
}

func TestMetrics_ViolationRingFIFO(t *testing.T) {
	m := New(3, nil)
	for i := 0; i < 5; i++ {
		m.RecordViolation(Violation{RuleName: "r", Timestamp: time.Now()})
	}
	snap := m.Snapshot()
	if len(snap.RecentViolations) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(snap.RecentViolations))
	}
	if snap.Counters.TotalViolations != 5 {
		t.Fatalf("expected total_violations=5, got %d", snap.Counters.TotalViolations)
	}
}

func TestMetrics_ObserverInvokedOncePerViolation(t *testing.T) {
	m := New(10, nil)
	var mu sync.Mutex
	var seen []string
	m.RegisterObserver(func(v Violation) {
		mu.Lock()
		seen = append(seen, v.Identifier)
		mu.Unlock()
	})

	m.RecordViolation(Violation{Identifier: "a"})
	m.RecordViolation(Violation{Identifier: "b"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected each violation observed exactly once in order, got %v", seen)
	}
}

func TestMetrics_PanickingObserverIsolated(t *testing.T) {
	m := New(10, nil)
	var called bool
	m.RegisterObserver(func(Violation) { panic("boom") })
	m.RegisterObserver(func(Violation) { called = true })

	m.RecordViolation(Violation{Identifier: "x"})

	if !called {
		t.Fatal("expected second observer to still run after first panicked")
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := New(10, nil)
	m.IncTotal()
	m.RecordViolation(Violation{Identifier: "a"})
	m.Reset()

	snap := m.Snapshot()
	if snap.Counters.TotalRequests != 0 || len(snap.RecentViolations) != 0 {
		t.Fatalf("expected reset metrics, got %+v", snap)
	}
}

func TestMetrics_ConcurrentObserverRegistration(t *testing.T) {
	m := New(100, nil)
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		go func() {
			defer wg.Done()
			m.RegisterObserver(func(Violation) {})
		}()
	}
	wg.Wait()

	m.RecordViolation(Violation{Identifier: "z"})
}
