// internal/monitoring/status.go - explorer status strings
package monitoring

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"edgewatch/internal/database"
)

var (
	ErrUnknownUnit     = errors.New("unknown time unit")
	ErrMalformedStatus = errors.New("malformed status")
)

// minutesPerUnit converts the unit of a relative "N units ago" status. The
// explorer abbreviates minutes as "min".
var minutesPerUnit = map[string]int{
	"min":    1,
	"minute": 1,
	"hour":   60,
	"day":    60 * 24,
	"week":   60 * 24 * 7,
	"month":  60 * 24 * 30,
}

// IsOnline reports whether a status counts as online for the state machine:
// everything except the literal Offline and Status unknown terminals.
func IsOnline(status string) bool {
	return !database.IsOfflineStatus(status)
}

// recentlySeen reports the statuses the explorer uses for a host seen within
// the last minute.
func recentlySeen(status string) bool {
	switch status {
	case database.StatusOnline, "Just now", "Less than a minute ago":
		return true
	}
	return false
}

// MinutesSinceSeen converts a relative status like "3 hours ago" to minutes.
// A host seen within the last minute yields 0. Offline terminals and strings
// that are not relative times return ErrMalformedStatus; an unrecognized unit
// returns ErrUnknownUnit.
func MinutesSinceSeen(status string) (int, error) {
	status = strings.TrimSpace(status)
	if recentlySeen(status) {
		return 0, nil
	}

	fields := strings.Fields(status)
	if len(fields) != 3 || fields[2] != "ago" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedStatus, status)
	}

	var count int
	switch fields[0] {
	case "a", "an":
		count = 1
	default:
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrMalformedStatus, status)
		}
		count = n
	}

	unit := strings.ToLower(fields[1])
	unit = strings.TrimSuffix(unit, "s")
	factor, ok := minutesPerUnit[unit]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, fields[1])
	}
	return count * factor, nil
}

// QueryStatus renders the status of a stored host as reported by the status
// query endpoint: "offline", "online" or "minutes_offline=N".
func QueryStatus(status string) (string, error) {
	if database.IsOfflineStatus(status) {
		return "offline", nil
	}
	if recentlySeen(strings.TrimSpace(status)) {
		return "online", nil
	}
	minutes, err := MinutesSinceSeen(status)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("minutes_offline=%d", minutes), nil
}
