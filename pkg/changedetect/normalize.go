// Package changedetect implements the field-level comparison rules (C2)
// used to decide whether a duplicate opportunity has materially changed.
// Money values null-coalesce to zero, dates compare at day granularity,
// and strings compare trimmed and case-folded — see spec §9 for why these
// particular rules were chosen over the original's looser specification.
package changedetect

import (
	"strconv"
	"strings"
	"time"
)

// normalizeMoney null-coalesces a missing amount to zero, so nil and 0
// compare equal. The value is already numeric; stripping separators and
// currency symbols from string amounts is normalizeMoneyString's job.
func normalizeMoney(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// normalizeMoneyString parses a free-form money string the same way, for
// callers that only have the raw API string form available.
func normalizeMoneyString(s *string) float64 {
	if s == nil {
		return 0
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ',', '$', ' ':
			return -1
		}
		return r
	}, *s)
	if cleaned == "" {
		return 0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return f
}

// normalizeDate truncates to day granularity in UTC. A nil input
// normalizes to the zero time, which only compares equal to another nil.
func normalizeDate(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// normalizeString trims surrounding whitespace and case-folds, so that
// trailing whitespace or case drift alone never trips a change.
func normalizeString(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func moneyEqual(a, b *float64) bool {
	return normalizeMoney(a) == normalizeMoney(b)
}

func dateEqual(a, b *time.Time) bool {
	return normalizeDate(a).Equal(normalizeDate(b))
}

func stringEqual(a, b string) bool {
	return normalizeString(a) == normalizeString(b)
}
