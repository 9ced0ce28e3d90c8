package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfterSeconds(t *testing.T) {
	now := time.Now()

	d, ok := ParseRetryAfter("120", now)
	if !ok || d != 2*time.Minute {
		t.Fatalf("got (%v, %v), want (2m, true)", d, ok)
	}

	d, ok = ParseRetryAfter(" 2 ", now)
	if !ok || d != 2*time.Second {
		t.Fatalf("got (%v, %v), want (2s, true)", d, ok)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	value := now.Add(90 * time.Second).Format(http.TimeFormat)

	d, ok := ParseRetryAfter(value, now)
	if !ok || d != 90*time.Second {
		t.Fatalf("got (%v, %v), want (90s, true)", d, ok)
	}

	// A date in the past clamps to zero rather than going negative.
	past := now.Add(-time.Hour).Format(http.TimeFormat)
	d, ok = ParseRetryAfter(past, now)
	if !ok || d != 0 {
		t.Fatalf("got (%v, %v), want (0, true)", d, ok)
	}
}

func TestParseRetryAfterMalformed(t *testing.T) {
	now := time.Now()
	for _, value := range []string{"", "soon", "-5", "12.5"} {
		if d, ok := ParseRetryAfter(value, now); ok {
			t.Errorf("ParseRetryAfter(%q) = (%v, true), want ok=false", value, d)
		}
	}
}
