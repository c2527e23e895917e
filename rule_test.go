package ratethrottle

import (
	"errors"
	"testing"
	"time"
)

func TestRule_Validate(t *testing.T) {
	valid := Rule{Name: "r", Limit: 10, Window: time.Minute, Strategy: TokenBucket, Scope: ScopeIP, Burst: 20}
	if err := valid.validate(); err != nil {
		t.Fatalf("expected valid rule to pass validation: %v", err)
	}

	cases := []Rule{
		{Name: "", Limit: 10, Window: time.Minute, Strategy: TokenBucket, Scope: ScopeIP},
		{Name: "r", Limit: 0, Window: time.Minute, Strategy: TokenBucket, Scope: ScopeIP},
		{Name: "r", Limit: 10, Window: 0, Strategy: TokenBucket, Scope: ScopeIP},
		{Name: "r", Limit: 10, Window: time.Minute, Strategy: Strategy(99), Scope: ScopeIP},
		{Name: "r", Limit: 10, Window: time.Minute, Strategy: TokenBucket, Scope: Scope(99)},
		{Name: "r", Limit: 10, Window: time.Minute, Strategy: TokenBucket, Scope: ScopeIP, Burst: 5},
	}
	for i, r := range cases {
		if err := r.validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, r)
		} else if !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("case %d: expected ErrInvalidRule, got %v", i, err)
		}
	}
}

func TestResolveScope(t *testing.T) {
	r := Rule{Name: "r", Scope: ScopeEndpoint}
	if _, err := resolveScope(r, "x", Metadata{}); !errors.Is(err, ErrMissingScopeData) {
		t.Fatalf("expected ErrMissingScopeData, got %v", err)
	}
	v, err := resolveScope(r, "x", Metadata{Endpoint: "/api"})
	if err != nil || v != "/api" {
		t.Fatalf("got (%q, %v)", v, err)
	}

	global := Rule{Name: "r", Scope: ScopeGlobal}
	v, err = resolveScope(global, "x", Metadata{})
	if err != nil || v != "*" {
		t.Fatalf("expected global scope to resolve to \"*\", got (%q, %v)", v, err)
	}

	ip := Rule{Name: "r", Scope: ScopeIP}
	v, err = resolveScope(ip, "1.2.3.4", Metadata{})
	if err != nil || v != "1.2.3.4" {
		t.Fatalf("expected ip scope to resolve to the identifier verbatim, got (%q, %v)", v, err)
	}
}

func TestKeyFormats(t *testing.T) {
	if got := bucketKey("api", ScopeUser, "u1"); got != "rt:api:user:u1" {
		t.Fatalf("bucketKey = %q", got)
	}
	if got := blockRecordKey("api", "u1"); got != "rt:block:api:u1" {
		t.Fatalf("blockRecordKey = %q", got)
	}
	if got := violationMarkerKey("api", "u1"); got != "rt:violated:api:u1" {
		t.Fatalf("violationMarkerKey = %q", got)
	}
}

func TestRule_EffectiveBurst(t *testing.T) {
	r := Rule{Limit: 5}
	if got := r.effectiveBurst(); got != 5 {
		t.Fatalf("expected default burst to equal limit, got %d", got)
	}
	r.Burst = 20
	if got := r.effectiveBurst(); got != 20 {
		t.Fatalf("expected explicit burst to be used, got %d", got)
	}
}
