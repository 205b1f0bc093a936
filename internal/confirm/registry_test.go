package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
)

func newTestRegistry() (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	return NewRegistry(mock, zerolog.Nop()), mock
}

func TestCreate_ReturnsShortID(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Create("delete_container", map[string]string{"vmid": "101"}, "U123")

	assert.Len(t, id, 8)
	assert.Equal(t, 1, r.Count())
}

func TestCreate_UniqueIDs(t *testing.T) {
	r, _ := newTestRegistry()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Create("stop_container", nil, "U123")
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestResolve_PopsExactlyOnce(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create("delete_container", map[string]string{"vmid": "101"}, "U123")

	p, err := r.Resolve(id, DecisionConfirm)
	require.NoError(t, err)
	assert.Equal(t, "delete_container", p.ActionKind)
	assert.Equal(t, "101", p.Params["vmid"])
	assert.Equal(t, "U123", p.UserID)

	// A second resolve on the same id returns NotFound, not a stale result.
	_, err = r.Resolve(id, DecisionConfirm)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	assert.Equal(t, 0, r.Count())
}

func TestResolve_CancelAlsoPops(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Create("stop_container", nil, "U123")

	_, err := r.Resolve(id, DecisionCancel)
	require.NoError(t, err)

	_, err = r.Resolve(id, DecisionCancel)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestResolve_UnknownID(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Resolve("deadbeef", DecisionConfirm)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestCleanup_EvictsOnlyExpired(t *testing.T) {
	r, mock := newTestRegistry()
	maxAge := time.Hour

	id := r.Create("delete_container", nil, "U123")

	// One second before the deadline: kept.
	mock.Add(maxAge - time.Second)
	assert.Equal(t, 0, r.Cleanup(maxAge))
	assert.Equal(t, 1, r.Count())

	// One second past the deadline: evicted.
	mock.Add(2 * time.Second)
	assert.Equal(t, 1, r.Cleanup(maxAge))
	assert.Equal(t, 0, r.Count())

	_, err := r.Resolve(id, DecisionConfirm)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestCleanup_MixedAges(t *testing.T) {
	r, mock := newTestRegistry()

	r.Create("delete_container", nil, "U1")
	mock.Add(45 * time.Minute)
	fresh := r.Create("stop_container", nil, "U2")
	mock.Add(30 * time.Minute)

	assert.Equal(t, 1, r.Cleanup(time.Hour))

	_, err := r.Resolve(fresh, DecisionConfirm)
	assert.NoError(t, err)
}

func TestConcurrentCreateResolveCleanup(t *testing.T) {
	r := NewRegistry(clock.New(), zerolog.Nop())

	var wg sync.WaitGroup
	ids := make(chan string, 200)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ids <- r.Create("stop_container", nil, "U123")
			}
		}()
	}

	resolved := make(chan struct{}, 200)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := <-ids
				if _, err := r.Resolve(id, DecisionConfirm); err == nil {
					resolved <- struct{}{}
				}
				r.Cleanup(time.Hour)
			}
		}()
	}

	wg.Wait()
	close(resolved)

	// Every created token was resolved exactly once; none lost, none doubled.
	count := 0
	for range resolved {
		count++
	}
	assert.Equal(t, 200, count)
	assert.Equal(t, 0, r.Count())
}

func TestRunCleanup_StopsOnCancel(t *testing.T) {
	r, mock := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.RunCleanup(ctx, 10*time.Minute, time.Hour)
		close(done)
	}()

	// Let the goroutine install its ticker before advancing the mock clock.
	time.Sleep(10 * time.Millisecond)

	r.Create("delete_container", nil, "U123")
	mock.Add(2 * time.Hour)

	require.Eventually(t, func() bool { return r.Count() == 0 },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestList_ReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry()
	r.Create("delete_container", map[string]string{"vmid": "101"}, "U123")

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "delete_container", list[0].ActionKind)

	// Mutating the returned slice must not affect the registry.
	list[0].ActionKind = "mutated"
	assert.Equal(t, "delete_container", r.List()[0].ActionKind)
}
