package ratethrottle

import (
	"context"
	"testing"
	"time"

	"github.com/MykeChidi/ratethrottle/internal/backend"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustAddRule(t *testing.T, e *Engine, r Rule) {
	t.Helper()
	if err := e.AddRule(r); err != nil {
		t.Fatalf("AddRule(%+v): %v", r, err)
	}
}

func TestEngine_RuleNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Check(context.Background(), "x", "missing", Metadata{})
	if err == nil {
		t.Fatal("expected ErrRuleNotFound")
	}
}

func TestEngine_AllowDenyPrecedence(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeIP})

	e.AddAllow("x")
	e.AddDeny("x", 0)

	v, err := e.Check(context.Background(), "x", "r", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !v.Allowed {
		t.Fatal("expected allow-set to win over deny-set")
	}
	if e.Metrics().Counters.TotalViolations != 0 {
		t.Fatal("expected no violation recorded for an allow-bypassed check")
	}
}

func TestEngine_ConditionBypassesAccounting(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{
		Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeIP,
		Condition: func(identifier string, meta Metadata) bool { return meta.Method != "HEAD" },
	})

	v, err := e.Check(context.Background(), "x", "r", Metadata{Method: "HEAD"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !v.Allowed {
		t.Fatal("expected condition=false to force an allow")
	}
	if e.Metrics().Counters.TotalRequests != 0 {
		t.Fatal("expected no accounting for a condition-bypassed check")
	}
}

func TestEngine_BlockDurationHonoredAcrossChecks(t *testing.T) {
	b := backend.NewMemoryBackend()
	e := newTestEngine(t, WithBackend(b))
	mustAddRule(t, e, Rule{
		Name: "r", Limit: 3, Window: 10 * time.Second, Strategy: FixedWindow, Scope: ScopeIP, BlockDuration: 60 * time.Second,
	})

	ctx := context.Background()
	var last Verdict
	for i := 0; i < 4; i++ {
		v, err := e.Check(ctx, "x", "r", Metadata{})
		if err != nil {
			t.Fatalf("Check #%d: %v", i, err)
		}
		last = v
	}
	if last.Allowed || !last.Blocked {
		t.Fatalf("expected the 4th check to be a block, got %+v", last)
	}

	v, err := e.Check(ctx, "x", "r", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed || !v.Blocked {
		t.Fatalf("expected a subsequent check within the block window to stay blocked, got %+v", v)
	}

	snap := e.Metrics()
	if snap.Counters.TotalViolations != 1 {
		t.Fatalf("expected exactly one violation recorded for one contiguous block interval, got %d", snap.Counters.TotalViolations)
	}
}

func TestEngine_DeniedIdentifierBlockedWithRetryAfter(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeIP})

	e.AddDeny("y", 50*time.Millisecond)

	v, err := e.Check(context.Background(), "y", "r", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed || !v.Blocked || v.RetryAfter <= 0 {
		t.Fatalf("expected a blocked verdict with positive retry_after, got %+v", v)
	}
}

func TestEngine_MissingScopeDataForEndpointScope(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeEndpoint})

	_, err := e.Check(context.Background(), "x", "r", Metadata{})
	if err == nil {
		t.Fatal("expected ErrMissingScopeData when scope=endpoint and no endpoint metadata is supplied")
	}
}

func TestEngine_MetricsQuiescenceInvariant(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{Name: "r", Limit: 2, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeGlobal})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = e.Check(ctx, "x", "r", Metadata{})
	}

	snap := e.Metrics()
	if snap.Counters.TotalRequests != snap.Counters.AllowedRequests+snap.Counters.BlockedRequests {
		t.Fatalf("total != allowed+blocked: %+v", snap.Counters)
	}
}

func TestEngine_FixedWindowBoundary(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{Name: "r", Limit: 2, Window: 10 * time.Second, Strategy: FixedWindow, Scope: ScopeGlobal})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		v, err := e.Check(ctx, "x", "r", Metadata{})
		if err != nil || !v.Allowed {
			t.Fatalf("expected request %d within limit to be allowed, got %+v err=%v", i, v, err)
		}
	}
	v, err := e.Check(ctx, "x", "r", Metadata{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected the 3rd request in the same window to be denied")
	}
}

func TestEngine_RuleAdministration(t *testing.T) {
	e := newTestEngine(t)
	r := Rule{Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeIP}
	mustAddRule(t, e, r)

	got, err := e.GetRule("r")
	if err != nil || got.Name != "r" {
		t.Fatalf("GetRule: got=%+v err=%v", got, err)
	}
	if len(e.ListRules()) != 1 {
		t.Fatalf("expected one registered rule, got %d", len(e.ListRules()))
	}

	e.RemoveRule("r")
	if _, err := e.GetRule("r"); err == nil {
		t.Fatal("expected GetRule to fail after RemoveRule")
	}
}

func TestEngine_InvalidRuleRejected(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddRule(Rule{Name: "bad", Limit: 0, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeIP}); err == nil {
		t.Fatal("expected non-positive limit to be rejected")
	}
}

func TestEngine_SnapshotReflectsState(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeIP})
	e.AddAllow("a")
	e.AddDeny("d", 0)

	snap := e.Snapshot()
	if snap.RuleCount != 1 || snap.AllowCount != 1 || snap.DenyCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestEngine_RateLimitExceededConversion(t *testing.T) {
	e := newTestEngine(t)
	mustAddRule(t, e, Rule{Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeGlobal})

	ctx := context.Background()
	_, _ = e.Check(ctx, "x", "r", Metadata{})
	v, _ := e.Check(ctx, "x", "r", Metadata{})

	rle := AsRateLimitExceeded(v)
	if rle == nil {
		t.Fatal("expected a non-nil RateLimitExceeded for a denied verdict")
	}
	if rle.RetryAfter <= 0 {
		t.Fatalf("expected positive retry_after, got %v", rle.RetryAfter)
	}
}

func TestEngine_FailClosedOnBackendUnavailable(t *testing.T) {
	e := newTestEngine(t, WithBackend(alwaysFailBackend{}), WithFailOpen(false))
	mustAddRule(t, e, Rule{Name: "r", Limit: 1, Window: time.Minute, Strategy: FixedWindow, Scope: ScopeIP})

	v, err := e.Check(context.Background(), "x", "r", Metadata{})
	if err != nil {
		t.Fatalf("Check should degrade to a verdict, not an error: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected fail-closed policy to deny on backend error")
	}
	if e.Metrics().Counters.BackendErrors == 0 {
		t.Fatal("expected backend_errors to be incremented")
	}
}

// alwaysFailBackend implements backend.Backend, failing every call so
// Engine's fail-open/fail-closed policy can be exercised without a real
// backend outage.
type alwaysFailBackend struct{}

func (alwaysFailBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, backend.ErrUnavailable
}
func (alwaysFailBackend) Set(context.Context, string, []byte, time.Duration) error {
	return backend.ErrUnavailable
}
func (alwaysFailBackend) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, backend.ErrUnavailable
}
func (alwaysFailBackend) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, backend.ErrUnavailable
}
func (alwaysFailBackend) AppendTimestamp(context.Context, string, float64, time.Duration) error {
	return backend.ErrUnavailable
}
func (alwaysFailBackend) TrimBefore(context.Context, string, float64) error {
	return backend.ErrUnavailable
}
func (alwaysFailBackend) CountAfter(context.Context, string, float64) (int64, error) {
	return 0, backend.ErrUnavailable
}
func (alwaysFailBackend) OldestAfter(context.Context, string, float64) (float64, bool, error) {
	return 0, false, backend.ErrUnavailable
}
func (alwaysFailBackend) Exists(context.Context, string) (bool, error) {
	return false, backend.ErrUnavailable
}
func (alwaysFailBackend) Delete(context.Context, string) (bool, error) {
	return false, backend.ErrUnavailable
}
func (alwaysFailBackend) HealthCheck(context.Context) error { return backend.ErrUnavailable }
func (alwaysFailBackend) Close() error                      { return nil }
