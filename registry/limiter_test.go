package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/scrutin/election-engine/registry"
)

func TestLimiter_UnderBudgetNeverBlocks(t *testing.T) {
	// GIVEN: 5 requests allowed per window
	limiter := registry.NewLimiter(5, 10*time.Second)
	ctx := context.Background()

	// WHEN: 5 back-to-back calls
	start := time.Now()
	for i := 0; i < 5; i++ {
		waited, err := limiter.Wait(ctx)
		require.NoError(t, err)
		assert.Zero(t, waited)
	}

	// THEN: No measurable blocking
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_SixthCallBlocksThenSucceeds(t *testing.T) {
	// Short window so the test observes real blocking without a 10s run.
	window := 400 * time.Millisecond
	limiter := registry.NewLimiter(5, window)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Wait(ctx)
		require.NoError(t, err)
	}

	start := time.Now()
	waited, err := limiter.Wait(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Positive(t, waited, "6th call must block")
	assert.Greater(t, elapsed, 100*time.Millisecond)
	assert.LessOrEqual(t, elapsed, window+300*time.Millisecond, "blocked at most one window")
}

func TestLimiter_ContextCancellationAbortsWait(t *testing.T) {
	limiter := registry.NewLimiter(1, time.Minute)
	_, err := limiter.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_SafeUnderConcurrentCallers(t *testing.T) {
	// GIVEN: A small budget shared by many goroutines
	limiter := registry.NewLimiter(10, 200*time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := limiter.Wait(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: The window never reports more than its capacity used
	status := limiter.Status()
	assert.LessOrEqual(t, status.Used, 10)
}

func TestLimiter_Status(t *testing.T) {
	limiter := registry.NewLimiter(3, 10*time.Second)
	ctx := context.Background()

	status := limiter.Status()
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, 3, status.Remaining)
	assert.Zero(t, status.ResetInSeconds)

	for i := 0; i < 3; i++ {
		_, err := limiter.Wait(ctx)
		require.NoError(t, err)
	}

	status = limiter.Status()
	assert.Equal(t, 3, status.Used)
	assert.Equal(t, 0, status.Remaining)
	assert.Positive(t, status.ResetInSeconds)
	assert.LessOrEqual(t, status.ResetInSeconds, 10.0)
}
