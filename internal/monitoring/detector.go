// internal/monitoring/detector.go - host state machine
package monitoring

import (
	"fmt"
	"time"

	"edgewatch/internal/database"
	"edgewatch/internal/explorer"
)

// DefaultAnomalyThreshold is the largest number of unseen hosts a single cycle
// may introduce before the snapshot is treated as unrecognizable.
const DefaultAnomalyThreshold = 5

type EventKind string

const (
	EventNewHost    EventKind = "new_host"
	EventCameOnline EventKind = "came_online"
)

// Event is emitted once per host when it is first confirmed online.
type Event struct {
	Kind      EventKind `json:"kind"`
	DeviceID  string    `json:"device_id"`
	HostName  string    `json:"host_name"`
	Stargate  string    `json:"stargate"`
	Location  string    `json:"location"`
	Arch      string    `json:"arch"`
	Timestamp int64     `json:"timestamp"`
}

func newEvent(kind EventKind, h database.Host, now int64) Event {
	return Event{
		Kind:      kind,
		DeviceID:  h.DeviceID,
		HostName:  h.HostName,
		Stargate:  h.Stargate,
		Location:  h.Location,
		Arch:      h.Arch,
		Timestamp: now,
	}
}

// AnomalyCondition describes a cycle whose snapshot introduced more unseen
// hosts than the threshold allows. It is reported, not returned as an error.
type AnomalyCondition struct {
	Unseen    int
	Threshold int
}

func (a *AnomalyCondition) String() string {
	return fmt.Sprintf("%d unseen hosts exceed threshold %d", a.Unseen, a.Threshold)
}

type ClassifyOptions struct {
	AnomalyThreshold int
	// SilentBootstrap loads an empty registry from the snapshot without
	// emitting events.
	SilentBootstrap bool
}

// Decision is the outcome of classifying one snapshot against the registry.
type Decision struct {
	Events []Event
	Plan   *database.MutationPlan

	Anomaly   *AnomalyCondition
	Bootstrap bool

	// NewlyOnline holds the hosts confirmed online by this cycle, inserted or
	// flipped from pending, in snapshot order.
	NewlyOnline []database.Host

	// Duplicates lists device ids that appeared more than once in the
	// snapshot. Only the first occurrence was classified.
	Duplicates []string
}

// Classify computes the events and registry mutations for one cycle. It does
// not touch the store: current is the registry as read before the cycle.
func Classify(snapshot []explorer.Observation, current []database.Host, now time.Time, opts ClassifyOptions) *Decision {
	threshold := opts.AnomalyThreshold
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	ts := now.Unix()

	decision := &Decision{Plan: &database.MutationPlan{Timestamp: ts}}

	observed := make([]database.Host, 0, len(snapshot))
	seen := make(map[string]struct{}, len(snapshot))
	for _, o := range snapshot {
		if _, dup := seen[o.DeviceID]; dup {
			decision.Duplicates = append(decision.Duplicates, o.DeviceID)
			continue
		}
		seen[o.DeviceID] = struct{}{}
		observed = append(observed, o.Host())
	}

	if len(current) == 0 && opts.SilentBootstrap {
		if len(observed) > 0 {
			decision.Bootstrap = true
			decision.Plan.Rebuild = true
			decision.Plan.Replacement = observed
		}
		return decision
	}

	registry := make(map[string]database.Host, len(current))
	for _, h := range current {
		registry[h.DeviceID] = h
	}

	var unseen, known []database.Host
	for _, h := range observed {
		if _, ok := registry[h.DeviceID]; ok {
			known = append(known, h)
		} else {
			unseen = append(unseen, h)
		}
	}

	if len(unseen) > threshold {
		decision.Anomaly = &AnomalyCondition{Unseen: len(unseen), Threshold: threshold}
		decision.Plan.Rebuild = true
		decision.Plan.Replacement = observed
		return decision
	}

	plan := decision.Plan
	for _, h := range known {
		stored := registry[h.DeviceID]
		if !stored.SameDescription(h) {
			plan.Refresh = append(plan.Refresh, h)
		}
		if stored.Pending() && IsOnline(h.Status) {
			plan.ConfirmOnline = append(plan.ConfirmOnline, h.DeviceID)
			decision.Events = append(decision.Events, newEvent(EventCameOnline, h, ts))
			decision.NewlyOnline = append(decision.NewlyOnline, h)
		}
	}

	for _, h := range unseen {
		if IsOnline(h.Status) {
			plan.InsertOnline = append(plan.InsertOnline, h)
			decision.Events = append(decision.Events, newEvent(EventNewHost, h, ts))
			decision.NewlyOnline = append(decision.NewlyOnline, h)
		} else {
			plan.InsertPending = append(plan.InsertPending, h)
		}
	}

	return decision
}
