// Package timeparsing provides layered time parsing for forensic window
// filters and handle TTL flags.
//
// Layers, tried in order:
//  1. Compact duration offsets (-7d, +6h, 2w)
//  2. Absolute timestamps (RFC3339, date-only)
//  3. Natural language ("yesterday", "last monday")
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactDurationRe matches compact duration patterns: [+-]?(\d+)([hdwmy])
var compactDurationRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

var nlParser *when.Parser

func init() {
	nlParser = when.New(nil)
	nlParser.Add(en.All...)
	nlParser.Add(common.All...)
}

// Parse resolves a user-supplied time expression against now.
//
// Units for the compact layer: h hours, d days, w weeks, m months, y years.
// "-7d" is seven days ago; an unsigned value is an offset into the future.
func Parse(s string, now time.Time) (time.Time, error) {
	if t, err := parseCompact(s, now); err == nil {
		return t, nil
	}
	if t, err := parseAbsolute(s); err == nil {
		return t, nil
	}
	if r, err := nlParser.Parse(s, now); err == nil && r != nil {
		return r.Time, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time expression %q", s)
}

func parseCompact(s string, now time.Time) (time.Time, error) {
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}

	amount, err := strconv.Atoi(matches[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", matches[2])
	}
	if matches[1] == "-" {
		amount = -amount
	}

	switch matches[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, amount), nil
	case "w":
		return now.AddDate(0, 0, amount*7), nil
	case "m":
		return now.AddDate(0, amount, 0), nil
	case "y":
		return now.AddDate(amount, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown duration unit %q", matches[3])
}

func parseAbsolute(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an absolute timestamp: %q", s)
}

// ParseDuration resolves a TTL-style duration expression: either a Go
// duration string ("90m") or a compact day/week form ("2d", "1w").
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil || matches[1] == "-" {
		return 0, fmt.Errorf("unrecognized duration %q", s)
	}
	base := time.Unix(0, 0).UTC()
	t, err := parseCompact(s, base)
	if err != nil {
		return 0, err
	}
	return t.Sub(base), nil
}
