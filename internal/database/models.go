// internal/database/models.go
package database

import (
	"time"
)

// NotificationState tracks whether the "host is online" notification has been
// emitted for a host. It only ever moves from pending to done.
type NotificationState string

const (
	NotificationPending NotificationState = "pending"
	NotificationDone    NotificationState = "done"
)

// Host is one registry row, keyed by DeviceID.
type Host struct {
	DeviceID             string            `json:"device_id"`
	HostName             string            `json:"host_name"`
	Stargate             string            `json:"stargate"`
	Location             string            `json:"location"`
	Arch                 string            `json:"arch"`
	Status               string            `json:"status"`
	OnlineNotification   NotificationState `json:"online_notification"`
	FirstOnlineTimestamp *int64            `json:"first_online_timestamp"`
}

// Pending reports whether the host still waits for its online confirmation.
func (h *Host) Pending() bool {
	return h.OnlineNotification == NotificationPending && h.FirstOnlineTimestamp == nil
}

// SameDescription reports whether the descriptive (mutable) fields match.
func (h *Host) SameDescription(other Host) bool {
	return h.HostName == other.HostName &&
		h.Stargate == other.Stargate &&
		h.Location == other.Location &&
		h.Arch == other.Arch &&
		h.Status == other.Status
}

// MutationPlan is the complete set of registry changes produced by one poll
// cycle. Store.Apply commits it as a single transaction.
type MutationPlan struct {
	// Rebuild discards every row and replaces the registry with Replacement,
	// each stamped done with a null timestamp. All other fields are ignored.
	Rebuild     bool
	Replacement []Host

	Refresh       []Host
	ConfirmOnline []string
	InsertPending []Host
	InsertOnline  []Host

	// Timestamp is the epoch second used for ConfirmOnline and InsertOnline.
	Timestamp int64
}

// Empty reports whether applying the plan would change nothing.
func (p *MutationPlan) Empty() bool {
	if p == nil {
		return true
	}
	if p.Rebuild {
		return false
	}
	return len(p.Refresh) == 0 && len(p.ConfirmOnline) == 0 &&
		len(p.InsertPending) == 0 && len(p.InsertOnline) == 0
}

// Location is a geocoded explorer location string.
type Location struct {
	ExplorerLocation string    `json:"explorer_location"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	RetrievedAddress string    `json:"retrieved_address"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// Subscription maps a device token to the chat that wants its updates.
type Subscription struct {
	DeviceToken string    `json:"device_token"`
	ChatID      int64     `json:"chat_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type HostFilters struct {
	Stargate string
	State    NotificationState
}

// Match reports whether host passes the filters.
func (f HostFilters) Match(host Host) bool {
	if f.Stargate != "" && host.Stargate != f.Stargate {
		return false
	}
	if f.State != "" && host.OnlineNotification != f.State {
		return false
	}
	return true
}

// DatabaseStats provides information about registry size and health
type DatabaseStats struct {
	Backend       string `json:"backend"`
	SchemaVersion int    `json:"schema_version"`
	TotalHosts    int    `json:"total_hosts"`
	PendingHosts  int    `json:"pending_hosts"`
	DoneHosts     int    `json:"done_hosts"`
	OfflineHosts  int    `json:"offline_hosts"`
	Locations     int    `json:"locations"`
	Subscriptions int    `json:"subscriptions"`
	DatabaseSize  int64  `json:"database_size_bytes"`
}
