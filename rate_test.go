package ratethrottle

import (
	"testing"
	"time"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		in     string
		limit  int64
		window time.Duration
	}{
		{"100/minute", 100, time.Minute},
		{"5/second", 5, time.Second},
		{" 10 / hour ", 10, time.Hour},
		{"1/DAY", 1, 24 * time.Hour},
	}
	for _, c := range cases {
		limit, window, err := ParseRate(c.in)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", c.in, err)
		}
		if limit != c.limit || window != c.window {
			t.Fatalf("ParseRate(%q) = (%d, %s), want (%d, %s)", c.in, limit, window, c.limit, c.window)
		}
	}
}

func TestParseRate_Invalid(t *testing.T) {
	for _, in := range []string{"", "100", "abc/minute", "100/fortnight", "-5/second", "0/second"} {
		if _, _, err := ParseRate(in); err == nil {
			t.Fatalf("ParseRate(%q): expected ErrInvalidRate", in)
		}
	}
}

func TestRate_RoundTrip(t *testing.T) {
	for _, in := range []string{"100/minute", "5/second", "10/hour", "1/day"} {
		limit, window, err := ParseRate(in)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", in, err)
		}
		if got := FormatRate(limit, window); got != in {
			t.Fatalf("round trip mismatch: ParseRate(%q) -> FormatRate = %q", in, got)
		}
	}
}
