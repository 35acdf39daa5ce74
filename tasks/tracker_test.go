package tasks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/store/sqlite"
	"github.com/scrutin/election-engine/tasks"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestTracker(t *testing.T) *tasks.Tracker {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return tasks.NewTracker(store)
}

// countingStore wraps a real store and counts LatestRun hits, to observe
// whether Status was served from the cache.
type countingStore struct {
	tasks.Store
	latestCalls atomic.Int64
}

func (c *countingStore) LatestRun(ctx context.Context, taskID string) (*tasks.Run, error) {
	c.latestCalls.Add(1)
	return c.Store.LatestRun(ctx, taskID)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestTracker_StartCompleteStatus(t *testing.T) {
	// GIVEN: A started run
	tracker := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.Start(ctx, "rebuild", "full summary rebuild")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusRunning, run.Status)
	assert.NotEmpty(t, run.ID)

	// WHEN: The operation completes with a result payload
	err = tracker.Complete(ctx, "rebuild", map[string]int{"summaries": 42})
	require.NoError(t, err)

	// THEN: Status reflects completion immediately
	got, err := tracker.Status(ctx, "rebuild")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"summaries":42}`, string(got.Result))
}

func TestTracker_FailRecordsMessage(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Start(ctx, "enrichment", "registry enrichment")
	require.NoError(t, err)

	err = tracker.Fail(ctx, "enrichment", errors.New("registry unreachable"))
	require.NoError(t, err)

	got, err := tracker.Status(ctx, "enrichment")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, "registry unreachable", got.Error)
	assert.Empty(t, got.Result)
}

func TestTracker_Status_UnknownTaskNotFound(t *testing.T) {
	tracker := newTestTracker(t)

	_, err := tracker.Status(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, election.ErrTaskNotFound)
}

// =============================================================================
// SINGLE-RUNNER INVARIANT TESTS
// =============================================================================

func TestTracker_SecondStartWhileRunningRejected(t *testing.T) {
	// GIVEN: A task already running
	tracker := newTestTracker(t)
	ctx := context.Background()
	_, err := tracker.Start(ctx, "rebuild", "first")
	require.NoError(t, err)

	// WHEN: Starting the same task id again
	_, err = tracker.Start(ctx, "rebuild", "second")

	// THEN: The start is rejected; completing unblocks a restart
	require.Error(t, err)
	assert.ErrorIs(t, err, election.ErrTaskAlreadyRunning)

	require.NoError(t, tracker.Complete(ctx, "rebuild", nil))
	_, err = tracker.Start(ctx, "rebuild", "third")
	require.NoError(t, err)
}

func TestTracker_ConcurrentStarts_ExactlyOneWins(t *testing.T) {
	// GIVEN: Many goroutines racing to start the same task
	tracker := newTestTracker(t)
	ctx := context.Background()

	const racers = 20
	var wins, rejections atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Start(ctx, "rebuild", "race")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, election.ErrTaskAlreadyRunning):
				rejections.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one winner, everyone else cleanly rejected
	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(racers-1), rejections.Load())
}

// =============================================================================
// CACHE TESTS
// =============================================================================

func TestTracker_Status_ServedFromCacheAfterTransition(t *testing.T) {
	// GIVEN: A tracker over a store that counts reads
	inner, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	store := &countingStore{Store: inner}
	tracker := tasks.NewTracker(store)
	ctx := context.Background()

	_, err = tracker.Start(ctx, "rebuild", "cached")
	require.NoError(t, err)
	require.NoError(t, tracker.Complete(ctx, "rebuild", nil))

	// WHEN: Polling status repeatedly within the cache TTL
	for i := 0; i < 5; i++ {
		got, err := tracker.Status(ctx, "rebuild")
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusCompleted, got.Status)
	}

	// THEN: The store was never consulted; transitions wrote through
	assert.Equal(t, int64(0), store.latestCalls.Load())
}

// =============================================================================
// CLEANUP TESTS
// =============================================================================

func TestTracker_Cleanup_RemovesOnlyOldTerminalRuns(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Start(ctx, "old-task", "finished long ago")
	require.NoError(t, err)
	require.NoError(t, tracker.Complete(ctx, "old-task", nil))

	_, err = tracker.Start(ctx, "live-task", "still going")
	require.NoError(t, err)

	// A zero retention makes every terminal run older than the cutoff
	time.Sleep(10 * time.Millisecond)
	removed, err := tracker.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := tracker.Status(ctx, "live-task")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusRunning, got.Status)
}
