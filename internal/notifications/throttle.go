// internal/notifications/throttle.go
package notifications

import (
	"sync"
	"time"

	"edgewatch/internal/config"
)

// Throttler implements rate limiting for notifications per device and in total
type Throttler struct {
	config       config.ThrottleConfig
	deviceCounts map[string][]time.Time
	totalCounts  []time.Time
	mu           sync.Mutex
	now          func() time.Time
}

func NewThrottler(cfg config.ThrottleConfig) *Throttler {
	return &Throttler{
		config:       cfg,
		deviceCounts: make(map[string][]time.Time),
		now:          time.Now,
	}
}

// Allow reports whether a notification for deviceID may be sent now and, if
// so, records it.
func (t *Throttler) Allow(deviceID string) bool {
	if !t.config.Enabled {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.cleanup(now)

	if len(t.deviceCounts[deviceID]) >= t.config.MaxPerHost {
		return false
	}
	if len(t.totalCounts) >= t.config.MaxTotal {
		return false
	}

	t.deviceCounts[deviceID] = append(t.deviceCounts[deviceID], now)
	t.totalCounts = append(t.totalCounts, now)
	return true
}

// cleanup removes entries older than the window
func (t *Throttler) cleanup(now time.Time) {
	windowStart := now.Add(-t.config.Window)

	for deviceID, times := range t.deviceCounts {
		valid := recent(times, windowStart)
		if len(valid) == 0 {
			delete(t.deviceCounts, deviceID)
		} else {
			t.deviceCounts[deviceID] = valid
		}
	}
	t.totalCounts = recent(t.totalCounts, windowStart)
}

func recent(times []time.Time, windowStart time.Time) []time.Time {
	valid := times[:0]
	for _, ts := range times {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	return valid
}

func (t *Throttler) stats() (devices, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deviceCounts), len(t.totalCounts)
}
