package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/proxmox-agent/internal/intent"
	"github.com/p-blackswan/proxmox-agent/internal/metrics"
	"github.com/p-blackswan/proxmox-agent/internal/retry"
)

func newTestReconciler(store *fakeStore, res *fakeResources, not *fakeNotifier) (*Reconciler, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(testNow)
	r := New(Config{
		CheckInterval:  5 * time.Minute,
		ErrorBackoff:   time.Minute,
		ReminderWindow: 24 * time.Hour,
		CallTimeout:    time.Second,
	}, store, res, not, mock, metrics.New(), zerolog.Nop())
	r.executor.SetRetryConfig(retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return r, mock
}

func TestRunOnce_RemindsAndExecutes(t *testing.T) {
	store := &fakeStore{snaps: []intent.Intent{
		snap("ev1", "101", testNow.Add(-time.Hour), false),    // overdue: execute
		snap("ev2", "102", testNow.Add(20*time.Hour), false),  // in window: remind
		snap("ev3", "103", testNow.Add(20*time.Hour), true),   // reminded: nothing
		snap("ev4", "104", testNow.Add(100*time.Hour), false), // far out: nothing
	}}
	res := &fakeResources{exists: map[string]bool{"101": true}}
	not := &fakeNotifier{}
	r, _ := newTestReconciler(store, res, not)

	require.NoError(t, r.RunOnce(context.Background()))

	assert.Equal(t, 1, res.deleteCalls)
	assert.Equal(t, []string{"ev1"}, store.deleted)
	assert.Equal(t, []string{"ev2"}, store.marked)
}

func TestRunOnce_ListFailureIsIterationLevel(t *testing.T) {
	store := &fakeStore{listErr: errors.New("calendar unreachable")}
	r, _ := newTestReconciler(store, &fakeResources{}, &fakeNotifier{})

	err := r.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnce_PerIntentFailureIsolated(t *testing.T) {
	// The first intent's container check blows up; the second must still
	// get its reminder.
	store := &fakeStore{snaps: []intent.Intent{
		snap("ev1", "101", testNow.Add(-time.Hour), false),
		snap("ev2", "102", testNow.Add(20*time.Hour), false),
	}}
	res := &fakeResources{existsErr: errors.New("pve down")}
	not := &fakeNotifier{}
	r, _ := newTestReconciler(store, res, not)

	require.NoError(t, r.RunOnce(context.Background()))

	assert.Equal(t, []string{"ev2"}, store.marked)
}

func TestRunOnce_VanishedIntentPurgedLocally(t *testing.T) {
	s := snap("ev1", "101", testNow.Add(40*time.Hour), false)
	store := &fakeStore{snaps: []intent.Intent{s}}
	res := &fakeResources{}
	r, _ := newTestReconciler(store, res, &fakeNotifier{})

	require.NoError(t, r.RunOnce(context.Background()))

	// The intent disappears from the store: externally cancelled.
	store.mu.Lock()
	store.snaps = nil
	store.mu.Unlock()

	require.NoError(t, r.RunOnce(context.Background()))

	// Purge is local-only: no remote deletes, no resource calls.
	assert.Empty(t, store.deleted)
	assert.Equal(t, 0, res.existsCalls)
}

func TestRunOnce_DuplicateIntents_EarliestWins(t *testing.T) {
	store := &fakeStore{snaps: []intent.Intent{
		snap("ev-late", "101", testNow.Add(-time.Hour), false),
		snap("ev-early", "101", testNow.Add(-2*time.Hour), false),
	}}
	res := &fakeResources{exists: map[string]bool{"101": true}}
	r, _ := newTestReconciler(store, res, &fakeNotifier{})

	require.NoError(t, r.RunOnce(context.Background()))

	// One resource, one executor invocation: the earliest execute_at.
	assert.Equal(t, 1, res.deleteCalls)
	assert.Equal(t, []string{"ev-early"}, store.deleted)
}

func TestRunOnce_ExecutedIntentNeverRunsTwice(t *testing.T) {
	s := snap("ev1", "101", testNow.Add(-time.Hour), false)
	store := &fakeStore{snaps: []intent.Intent{s}}
	res := &fakeResources{exists: map[string]bool{"101": true}}
	r, _ := newTestReconciler(store, res, &fakeNotifier{})

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 1, res.deleteCalls)

	// A stale read returns the already-executed intent again.
	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 1, res.deleteCalls)
	assert.Equal(t, 1, res.existsCalls)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	r, _ := newTestReconciler(store, &fakeResources{}, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// The first cycle runs immediately, before any tick.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listCalls >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop at the sleep boundary")
	}
}

func TestRun_TicksOnInterval(t *testing.T) {
	store := &fakeStore{}
	r, mock := newTestReconciler(store, &fakeResources{}, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listCalls == 1
	}, time.Second, 5*time.Millisecond)

	// Let the loop reach its timer before advancing the clock.
	time.Sleep(10 * time.Millisecond)
	mock.Add(5 * time.Minute)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listCalls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRun_BacksOffAfterIterationFailure(t *testing.T) {
	store := &fakeStore{listErr: errors.New("calendar unreachable")}
	r, mock := newTestReconciler(store, &fakeResources{}, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listCalls == 1
	}, time.Second, 5*time.Millisecond)

	// After a failed pass the next attempt comes after the short backoff,
	// not the full check interval.
	time.Sleep(10 * time.Millisecond)
	mock.Add(time.Minute)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listCalls == 2
	}, time.Second, 5*time.Millisecond)
}
