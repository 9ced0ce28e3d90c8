package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter interprets a Retry-After header value as a cooldown
// duration relative to now. Both forms from RFC 9110 are accepted:
// delta-seconds ("120") and HTTP-date ("Fri, 31 Dec 1999 23:59:59 GMT").
// Returns (0, false) when the value is empty or unparseable — callers fall
// back to the configured default cooldown.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}
