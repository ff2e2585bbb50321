package eviction

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Calendar units are fixed-length for retention arithmetic; retention
// windows are coarse enough that calendar drift does not matter.
const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// ParseISODuration parses an ISO-8601 duration (P90D, P1Y6M, PT12H,
// P1DT12H30M). The parser is strict: empty designators, unknown units,
// misplaced time units, and trailing garbage all fail.
func ParseISODuration(s string) (time.Duration, error) {
	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	rest := s[1:]
	var total time.Duration
	inTime := false
	sawUnit := false
	// Date units must precede T; each unit may appear at most once.
	dateUnits := map[byte]time.Duration{'Y': year, 'M': month, 'W': week, 'D': day}
	timeUnits := map[byte]time.Duration{'H': time.Hour, 'M': time.Minute, 'S': time.Second}
	seen := map[string]bool{}
	for len(rest) > 0 {
		if rest[0] == 'T' {
			if inTime {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q: repeated T", s)
			}
			inTime = true
			rest = rest[1:]
			continue
		}
		digits := 0
		for digits < len(rest) && (rest[digits] >= '0' && rest[digits] <= '9') {
			digits++
		}
		if digits == 0 || digits == len(rest) {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
		}
		value, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		unit := rest[digits]
		units := dateUnits
		scope := "date"
		if inTime {
			units = timeUnits
			scope = "time"
		}
		mult, ok := units[unit]
		if !ok {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: unit %q not valid in %s position", s, string(unit), scope)
		}
		key := scope + string(unit)
		if seen[key] {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: repeated unit %q", s, string(unit))
		}
		seen[key] = true
		total += time.Duration(value) * mult
		sawUnit = true
		rest = rest[digits+1:]
	}
	if !sawUnit {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: no units", s)
	}
	if strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: dangling T", s)
	}
	return total, nil
}
