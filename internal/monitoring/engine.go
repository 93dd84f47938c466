// internal/monitoring/engine.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"edgewatch/internal/config"
	"edgewatch/internal/database"
	"edgewatch/internal/explorer"
	"edgewatch/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrCycleInProgress is returned when a cycle is requested while another one
// still runs. The request is dropped, not queued.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// Notifier receives each event emitted by a committed cycle.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LocationCache receives the hosts confirmed online by a committed cycle.
type LocationCache interface {
	CacheLocations(ctx context.Context, hosts []database.Host) error
}

// CollaboratorError is a per-item failure of a post-commit consumer. It is
// logged and counted; the registry commit stands.
type CollaboratorError struct {
	Collaborator string
	DeviceID     string
	Err          error
}

func (e *CollaboratorError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
	}
	return fmt.Sprintf("%s (device %s): %v", e.Collaborator, e.DeviceID, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

type CycleOutcome string

const (
	OutcomeCommitted   CycleOutcome = "committed"
	OutcomeUnchanged   CycleOutcome = "unchanged"
	OutcomeAnomaly     CycleOutcome = "anomaly"
	OutcomeBootstrap   CycleOutcome = "bootstrap"
	OutcomeFetchFailed CycleOutcome = "fetch_error"
	OutcomeStoreFailed CycleOutcome = "persistence_error"
)

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	ID         string             `json:"id"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
	Outcome    CycleOutcome       `json:"outcome"`
	Observed   int                `json:"observed"`
	Inserted   int                `json:"inserted"`
	Refreshed  int                `json:"refreshed"`
	Events     []Event            `json:"events"`
	Anomaly    *AnomalyCondition  `json:"anomaly,omitempty"`
	Duplicates []string           `json:"duplicates,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
	failures   []*CollaboratorError
}

// CollaboratorFailures returns the post-commit failures of the cycle.
func (r *CycleResult) CollaboratorFailures() []*CollaboratorError {
	return r.failures
}

type Engine struct {
	config    *config.Config
	store     database.Store
	fetcher   explorer.Fetcher
	metrics   *metrics.Collector
	scheduler *Scheduler

	notifiers []Notifier
	locations LocationCache
	last      *CycleResult
	mu        sync.RWMutex

	// cycleMu is held for the whole of a cycle.
	cycleMu sync.Mutex
	running atomic.Bool
	now     func() time.Time
}

func NewEngine(cfg *config.Config, store database.Store, fetcher explorer.Fetcher, metricsCollector *metrics.Collector) *Engine {
	engine := &Engine{
		config:  cfg,
		store:   store,
		fetcher: fetcher,
		metrics: metricsCollector,
		now:     time.Now,
	}
	engine.scheduler = NewScheduler(engine, cfg.Monitoring.Interval)
	return engine
}

func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

func (e *Engine) SetLocationCache(c LocationCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locations = c
}

func (e *Engine) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"interval":          e.config.Monitoring.Interval,
		"anomaly_threshold": e.config.Monitoring.AnomalyThreshold,
	}).Info("Starting monitoring engine")
	return e.scheduler.Start(ctx)
}

func (e *Engine) Stop() {
	logrus.Info("Stopping monitoring engine")
	e.scheduler.Stop()
}

// LastCycle returns the result of the most recent cycle, or nil.
func (e *Engine) LastCycle() *CycleResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Running reports whether a cycle is executing right now.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// RunCycle performs one fetch, classify, commit and dispatch pass. If another
// cycle is running it returns ErrCycleInProgress immediately.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !e.cycleMu.TryLock() {
		e.metrics.RecordSkippedCycle()
		return nil, ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	e.running.Store(true)
	defer e.running.Store(false)

	result, err := e.runCycle(ctx)

	e.mu.Lock()
	e.last = result
	e.mu.Unlock()

	e.metrics.RecordCycle(string(result.Outcome), result.Duration)
	return result, err
}

func (e *Engine) runCycle(ctx context.Context) (*CycleResult, error) {
	started := e.now()
	result := &CycleResult{ID: uuid.NewString(), StartedAt: started}
	logger := logrus.WithField("cycle_id", result.ID)
	defer func() {
		result.Duration = e.now().Sub(started)
	}()

	snapshot, err := e.fetcher.Fetch(ctx)
	if err != nil {
		result.Outcome = OutcomeFetchFailed
		result.Errors = append(result.Errors, err.Error())
		logger.WithError(err).Warn("Snapshot fetch failed, registry left untouched")
		return result, err
	}
	result.Observed = len(snapshot)

	current, err := e.store.All(ctx)
	e.metrics.RecordDatabaseOperation("all", err)
	if err != nil {
		result.Outcome = OutcomeStoreFailed
		result.Errors = append(result.Errors, err.Error())
		logger.WithError(err).Error("Failed to read registry")
		return result, &database.PersistenceError{Op: "read", Err: err}
	}

	decision := Classify(snapshot, current, started, ClassifyOptions{
		AnomalyThreshold: e.config.Monitoring.AnomalyThreshold,
		SilentBootstrap:  !e.config.Monitoring.NotifyOnBootstrap,
	})
	for _, id := range decision.Duplicates {
		logger.WithField("device_id", id).Warn("Duplicate device_id in snapshot, keeping first occurrence")
	}
	result.Duplicates = decision.Duplicates

	err = e.store.Apply(ctx, decision.Plan)
	e.metrics.RecordDatabaseOperation("apply", err)
	if err != nil {
		result.Outcome = OutcomeStoreFailed
		result.Errors = append(result.Errors, err.Error())
		logger.WithError(err).Error("Failed to commit cycle, transaction rolled back")
		return result, err
	}

	plan := decision.Plan
	switch {
	case decision.Bootstrap:
		result.Outcome = OutcomeBootstrap
		result.Inserted = len(plan.Replacement)
		logger.WithField("hosts", len(plan.Replacement)).Info("Registry was empty, loaded snapshot without notifications")
	case decision.Anomaly != nil:
		result.Outcome = OutcomeAnomaly
		result.Anomaly = decision.Anomaly
		result.Inserted = len(plan.Replacement)
		logger.WithFields(logrus.Fields{
			"unseen":    decision.Anomaly.Unseen,
			"threshold": decision.Anomaly.Threshold,
		}).Warn("Too many unseen hosts, rebuilt registry from snapshot without notifications")
	case plan.Empty():
		result.Outcome = OutcomeUnchanged
	default:
		result.Outcome = OutcomeCommitted
		result.Inserted = len(plan.InsertPending) + len(plan.InsertOnline)
		result.Refreshed = len(plan.Refresh)
	}
	result.Events = decision.Events

	logger.WithFields(logrus.Fields{
		"outcome":   result.Outcome,
		"observed":  result.Observed,
		"inserted":  result.Inserted,
		"refreshed": result.Refreshed,
		"events":    len(result.Events),
	}).Debug("Cycle committed")

	result.failures = e.dispatch(ctx, logger, decision)
	for _, f := range result.failures {
		result.Errors = append(result.Errors, f.Error())
	}

	if err := e.metrics.UpdateRegistryMetrics(ctx); err != nil {
		logger.WithError(err).Debug("Failed to update registry metrics")
	}

	return result, nil
}

// dispatch hands committed results to the collaborators. Every call gets its
// own deadline so one slow collaborator cannot starve the others. Failures are
// collected per item; nothing here can undo the commit.
func (e *Engine) dispatch(ctx context.Context, logger *logrus.Entry, decision *Decision) []*CollaboratorError {
	e.mu.RLock()
	notifiers := append([]Notifier(nil), e.notifiers...)
	locations := e.locations
	e.mu.RUnlock()

	timeout := e.config.Monitoring.CollaboratorTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := context.WithoutCancel(ctx)

	var failures []*CollaboratorError
	fail := func(collaborator, deviceID string, err error) {
		cerr := &CollaboratorError{Collaborator: collaborator, DeviceID: deviceID, Err: err}
		failures = append(failures, cerr)
		e.metrics.RecordCollaboratorError(collaborator)
		logger.WithFields(logrus.Fields{
			"collaborator": collaborator,
			"device_id":    deviceID,
		}).WithError(err).Error("Collaborator failed")
	}
	call := func(fn func(context.Context) error) error {
		itemCtx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		return fn(itemCtx)
	}

	for _, event := range decision.Events {
		e.metrics.RecordEvent(string(event.Kind))
		logger.WithFields(logrus.Fields{
			"kind":      event.Kind,
			"device_id": event.DeviceID,
			"host_name": event.HostName,
			"stargate":  event.Stargate,
		}).Info("Host event")

		for _, n := range notifiers {
			err := call(func(itemCtx context.Context) error {
				return n.Notify(itemCtx, event)
			})
			if err != nil {
				fail(collaboratorName(n), event.DeviceID, err)
			}
		}
	}

	// Geocoding runs last: events are one-shot, locations can be warmed again.
	if locations != nil && len(decision.NewlyOnline) > 0 {
		err := call(func(itemCtx context.Context) error {
			return locations.CacheLocations(itemCtx, decision.NewlyOnline)
		})
		if err != nil {
			fail("location_cache", "", err)
		}
	}
	return failures
}

func collaboratorName(n Notifier) string {
	if named, ok := n.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", n)
}
