// internal/database/store.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Terminal explorer status strings. Every other status value (a relative
// "... ago" phrase, "Just now", "Online") counts as online.
const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
	StatusUnknown = "Status unknown"
)

// IsOfflineStatus reports whether status is one of the two offline terminals.
func IsOfflineStatus(status string) bool {
	return status == StatusOffline || status == StatusUnknown
}

const (
	BackendBolt   = "boltdb"
	BackendSQLite = "sqlite"

	// CurrentSchemaVersion is the layout EnsureSchema upgrades to.
	CurrentSchemaVersion = 2
)

var (
	ErrHostNotFound         = errors.New("host not found")
	ErrDuplicateKey         = errors.New("duplicate device_id")
	ErrLocationNotFound     = errors.New("location not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// PersistenceError reports a registry mutation that could not be committed.
// The transaction it belongs to has been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("registry %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Store defines the interface for registry operations
type Store interface {
	// Host registry
	All(ctx context.Context) ([]Host, error)
	GetHosts(ctx context.Context, filters HostFilters) ([]Host, error)
	GetHost(ctx context.Context, deviceID string) (*Host, error)
	Insert(ctx context.Context, hosts []Host, state NotificationState, firstOnline *int64) error
	RefreshMutableFields(ctx context.Context, hosts []Host) error
	MarkConfirmedOnline(ctx context.Context, deviceIDs []string, now int64) error
	RebuildFrom(ctx context.Context, hosts []Host) error
	Apply(ctx context.Context, plan *MutationPlan) error
	EnsureSchema(ctx context.Context) error

	// Location cache
	GetLocation(ctx context.Context, explorerLocation string) (*Location, error)
	Locations(ctx context.Context) ([]Location, error)
	PutLocations(ctx context.Context, locations []Location) error

	// Subscriptions
	Subscribe(ctx context.Context, sub *Subscription) error
	Unsubscribe(ctx context.Context, deviceToken string) error
	Subscriber(ctx context.Context, deviceToken string) (*Subscription, error)

	Stats(ctx context.Context) (*DatabaseStats, error)

	// Close the database connection
	Close() error
}

// Open opens the registry backend named by kind at path and brings its schema
// up to date.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", BackendBolt:
		return NewBoltStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported database type %q", kind)
	}
}

func checkBatchUnique(hosts []Host) error {
	seen := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if _, ok := seen[h.DeviceID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, h.DeviceID)
		}
		seen[h.DeviceID] = struct{}{}
	}
	return nil
}

func stamp(h Host, state NotificationState, firstOnline *int64) Host {
	h.OnlineNotification = state
	if firstOnline != nil {
		ts := *firstOnline
		h.FirstOnlineTimestamp = &ts
	} else {
		h.FirstOnlineTimestamp = nil
	}
	return h
}

func countStates(hosts []Host, stats *DatabaseStats) {
	stats.TotalHosts = len(hosts)
	for _, h := range hosts {
		switch h.OnlineNotification {
		case NotificationPending:
			stats.PendingHosts++
		case NotificationDone:
			stats.DoneHosts++
		}
		if IsOfflineStatus(h.Status) {
			stats.OfflineHosts++
		}
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
