package monitoring

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"edgewatch/internal/config"
	"edgewatch/internal/database"
	"edgewatch/internal/explorer"
	"edgewatch/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	snapshot []explorer.Observation
	err      error
	calls    int

	entered chan struct{}
	release chan struct{}
}

func (f *fakeFetcher) set(snapshot ...explorer.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = snapshot
	f.err = nil
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]explorer.Observation, error) {
	f.mu.Lock()
	f.calls++
	entered, release := f.entered, f.release
	snapshot, err := append([]explorer.Observation(nil), f.snapshot...), f.err
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if err != nil {
		return nil, &explorer.FetchError{URL: "test://explorer", Err: err}
	}
	return snapshot, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	failOn string
}

func (n *recordingNotifier) Name() string { return "recorder" }

func (n *recordingNotifier) Notify(ctx context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if event.DeviceID == n.failOn {
		return errors.New("delivery refused")
	}
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type recordingLocations struct {
	mu    sync.Mutex
	hosts []database.Host
	err   error
}

func (l *recordingLocations) CacheLocations(ctx context.Context, hosts []database.Host) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hosts = append(l.hosts, hosts...)
	return l.err
}

// blockingLocations holds every call until its context expires.
type blockingLocations struct{}

func (blockingLocations) CacheLocations(ctx context.Context, hosts []database.Host) error {
	<-ctx.Done()
	return ctx.Err()
}

// stallingNotifier blocks on the first event it sees until the context
// expires and records the rest.
type stallingNotifier struct {
	recordingNotifier
	stallOn string
}

func (n *stallingNotifier) Notify(ctx context.Context, event Event) error {
	if event.DeviceID == n.stallOn {
		<-ctx.Done()
		return ctx.Err()
	}
	return n.recordingNotifier.Notify(ctx, event)
}

// failingStore rejects every commit.
type failingStore struct {
	database.Store
}

func (s *failingStore) Apply(ctx context.Context, plan *database.MutationPlan) error {
	return &database.PersistenceError{Op: "apply", Err: errors.New("disk full")}
}

func newTestStore(t *testing.T) database.Store {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "hosts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, store database.Store, fetcher explorer.Fetcher) *Engine {
	t.Helper()
	cfg := config.Default()
	engine := NewEngine(cfg, store, fetcher, metrics.NewCollector(store))
	engine.now = func() time.Time { return cycleTime }
	return engine
}

func seed(t *testing.T, store database.Store, hosts ...explorer.Observation) {
	t.Helper()
	batch := make([]database.Host, 0, len(hosts))
	for _, o := range hosts {
		batch = append(batch, o.Host())
	}
	ts := int64(1000)
	require.NoError(t, store.Insert(context.Background(), batch, database.NotificationDone, &ts))
}

func TestEngine_PendingHostComesOnlineOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, store, fetcher)
	engine.AddNotifier(notifier)

	fetcher.set(obs("A", "Online"), obs("B", "Offline"))
	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Empty(t, result.Events)

	b, err := store.GetHost(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, database.NotificationPending, b.OnlineNotification)
	assert.Nil(t, b.FirstOnlineTimestamp)

	fetcher.set(obs("A", "Online"), obs("B", "Online"))
	result, err = engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, EventCameOnline, result.Events[0].Kind)
	assert.Equal(t, "B", result.Events[0].DeviceID)

	b, err = store.GetHost(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, database.NotificationDone, b.OnlineNotification)
	require.NotNil(t, b.FirstOnlineTimestamp)
	assert.Equal(t, cycleTime.Unix(), *b.FirstOnlineTimestamp)

	// Same snapshot again: nothing to do.
	result, err = engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, result.Outcome)
	assert.Empty(t, result.Events)

	require.Len(t, notifier.Events(), 1)
	assert.Equal(t, "B", notifier.Events()[0].DeviceID)
	assert.Equal(t, result.ID, engine.LastCycle().ID)
}

func TestEngine_TimestampNeverChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	engine := newTestEngine(t, store, fetcher)

	fetcher.set(obs("A", "Online"), obs("B", "Online"))
	_, err := engine.RunCycle(ctx)
	require.NoError(t, err)

	engine.now = func() time.Time { return cycleTime.Add(time.Hour) }
	for _, status := range []string{"Offline", "Just now", "Status unknown", "Online"} {
		fetcher.set(obs("A", "Online"), obs("B", status))
		result, err := engine.RunCycle(ctx)
		require.NoError(t, err)
		assert.Empty(t, result.Events)
	}

	b, err := store.GetHost(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "Online", b.Status)
	assert.Equal(t, cycleTime.Unix(), *b.FirstOnlineTimestamp)
}

func TestEngine_AnomalyRebuildsWithoutEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))
	require.NoError(t, store.Insert(ctx, []database.Host{obs("P", "Offline").Host()}, database.NotificationPending, nil))

	fetcher := &fakeFetcher{}
	notifier := &recordingNotifier{}
	locations := &recordingLocations{}
	engine := newTestEngine(t, store, fetcher)
	engine.AddNotifier(notifier)
	engine.SetLocationCache(locations)

	snapshot := []explorer.Observation{obs("A", "Online"), obs("P", "Online")}
	for i := 0; i < 6; i++ {
		snapshot = append(snapshot, obs(fmt.Sprintf("N%d", i), "Offline"))
	}
	fetcher.set(snapshot...)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnomaly, result.Outcome)
	require.NotNil(t, result.Anomaly)
	assert.Equal(t, 6, result.Anomaly.Unseen)
	assert.Empty(t, result.Events)
	assert.Empty(t, notifier.Events())
	assert.Empty(t, locations.hosts)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 8)
	for _, h := range all {
		assert.Equal(t, database.NotificationDone, h.OnlineNotification, h.DeviceID)
		assert.Nil(t, h.FirstOnlineTimestamp, h.DeviceID)
	}
}

func TestEngine_BootstrapIsSilent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fetcher := &fakeFetcher{}
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, store, fetcher)
	engine.AddNotifier(notifier)

	fetcher.set(obs("A", "Online"), obs("B", "Offline"))
	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBootstrap, result.Outcome)
	assert.Empty(t, notifier.Events())

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEngine_FetchFailureLeavesRegistryUntouched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	fetcher.fail(errors.New("connection reset"))
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, store, fetcher)
	engine.AddNotifier(notifier)

	result, err := engine.RunCycle(ctx)
	require.Error(t, err)
	var fe *explorer.FetchError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, OutcomeFetchFailed, result.Outcome)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "A", all[0].DeviceID)
	assert.Empty(t, notifier.Events())
}

func TestEngine_PersistenceFailureEmitsNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	fetcher.set(obs("A", "Online"), obs("B", "Online"))
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, &failingStore{Store: store}, fetcher)
	engine.AddNotifier(notifier)

	result, err := engine.RunCycle(ctx)
	var pe *database.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, OutcomeStoreFailed, result.Outcome)
	assert.Empty(t, notifier.Events())

	_, err = store.GetHost(ctx, "B")
	assert.ErrorIs(t, err, database.ErrHostNotFound)
}

func TestEngine_CollaboratorFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	fetcher.set(obs("A", "Online"), obs("B", "Online"), obs("C", "Online"))
	flaky := &recordingNotifier{failOn: "B"}
	steady := &recordingNotifier{}
	locations := &recordingLocations{err: errors.New("geocoder down")}

	engine := newTestEngine(t, store, fetcher)
	engine.AddNotifier(flaky)
	engine.AddNotifier(steady)
	engine.SetLocationCache(locations)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)

	failures := result.CollaboratorFailures()
	require.Len(t, failures, 2)
	assert.Equal(t, "recorder", failures[0].Collaborator)
	assert.Equal(t, "B", failures[0].DeviceID)
	assert.Equal(t, "location_cache", failures[1].Collaborator)

	assert.Len(t, flaky.Events(), 1)
	assert.Len(t, steady.Events(), 2)
	assert.Equal(t, []string{"B", "C"}, hostIDs(locations.hosts))

	for _, id := range []string{"B", "C"} {
		h, err := store.GetHost(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, database.NotificationDone, h.OnlineNotification)
	}
}

func TestEngine_HangingLocationCacheDoesNotStarveNotifiers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	fetcher.set(obs("A", "Online"), obs("B", "Online"))
	notifier := &recordingNotifier{}

	engine := newTestEngine(t, store, fetcher)
	engine.config.Monitoring.CollaboratorTimeout = 50 * time.Millisecond
	engine.AddNotifier(notifier)
	engine.SetLocationCache(blockingLocations{})

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, notifier.Events(), 1)
	assert.Equal(t, "B", notifier.Events()[0].DeviceID)

	failures := result.CollaboratorFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "location_cache", failures[0].Collaborator)
	assert.ErrorIs(t, failures[0], context.DeadlineExceeded)
}

func TestEngine_EachEventGetsItsOwnDeadline(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	fetcher.set(obs("A", "Online"), obs("B", "Online"), obs("C", "Online"))
	notifier := &stallingNotifier{stallOn: "B"}

	engine := newTestEngine(t, store, fetcher)
	engine.config.Monitoring.CollaboratorTimeout = 50 * time.Millisecond
	engine.AddNotifier(notifier)

	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, notifier.Events(), 1)
	assert.Equal(t, "C", notifier.Events()[0].DeviceID)

	failures := result.CollaboratorFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "B", failures[0].DeviceID)
}

func TestEngine_RunningDoesNotBlockCycles(t *testing.T) {
	store := newTestStore(t)
	fetcher := &fakeFetcher{}
	fetcher.set(obs("A", "Online"))
	engine := newTestEngine(t, store, fetcher)

	assert.False(t, engine.Running())
	for i := 0; i < 100; i++ {
		engine.Running()
	}
	_, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, engine.Running())

	fetcher.mu.Lock()
	fetcher.entered = make(chan struct{})
	fetcher.release = make(chan struct{})
	fetcher.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.RunCycle(context.Background())
	}()
	<-fetcher.entered
	assert.True(t, engine.Running())
	close(fetcher.release)
	<-done
	assert.False(t, engine.Running())
}

func TestEngine_OverlappingCycleIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	fetcher.set(obs("A", "Online"))
	engine := newTestEngine(t, store, fetcher)

	done := make(chan error, 1)
	go func() {
		_, err := engine.RunCycle(ctx)
		done <- err
	}()
	<-fetcher.entered

	assert.True(t, engine.Running())
	_, err := engine.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(fetcher.release)
	require.NoError(t, <-done)
	assert.False(t, engine.Running())
	assert.Equal(t, 1, fetcher.Calls())
}

func TestScheduler_RunsImmediatelyAndOnTicks(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, obs("A", "Online"))

	fetcher := &fakeFetcher{}
	fetcher.set(obs("A", "Online"))
	engine := newTestEngine(t, store, fetcher)
	engine.scheduler = NewScheduler(engine, 20*time.Millisecond)

	require.NoError(t, engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return fetcher.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	engine.Stop()

	calls := fetcher.Calls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, fetcher.Calls())
}
