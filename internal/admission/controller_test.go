package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-orchestrator/backend/internal/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryController(limits Limits) (*Controller, *MemoryStore, *clock) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clk.Now)
	return NewController("sms", limits, store, logging.NewNop(), nil), store, clk
}

func rejection(t *testing.T, err error) *RejectionError {
	t.Helper()
	var rej *RejectionError
	require.True(t, errors.As(err, &rej), "expected *RejectionError, got %v", err)
	assert.ErrorIs(t, err, ErrRejected)
	return rej
}

func TestValidatePayloadSize(t *testing.T) {
	c, _, _ := newMemoryController(DefaultLimits)

	assert.NoError(t, c.ValidatePayloadSize(5000))

	rej := rejection(t, c.ValidatePayloadSize(6000))
	assert.Equal(t, ReasonTooLarge, rej.Reason)
	assert.Equal(t, 5000, rej.Limit)
	assert.Equal(t, 6000, rej.Current)
}

func TestRateWindowResetsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newMemoryController(Limits{RateLimit: 10, RateWindow: time.Minute})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.CheckRate(ctx, "cred-1"))
	}
	rej := rejection(t, c.CheckRate(ctx, "cred-1"))
	assert.Equal(t, ReasonRateLimited, rej.Reason)
	assert.Equal(t, 10, rej.Limit)
	assert.Equal(t, time.Minute, rej.RetryAfter)

	// other keys are independent
	assert.NoError(t, c.CheckRate(ctx, "cred-2"))

	clk.Advance(61 * time.Second)
	assert.NoError(t, c.CheckRate(ctx, "cred-1"))
	for i := 0; i < 9; i++ {
		require.NoError(t, c.CheckRate(ctx, "cred-1"))
	}
	assert.Error(t, c.CheckRate(ctx, "cred-1"))
}

func TestBeginReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newMemoryController(Limits{MaxConcurrent: 2})

	r1, err := c.Begin(ctx)
	require.NoError(t, err)
	r2, err := c.Begin(ctx)
	require.NoError(t, err)

	_, err = c.Begin(ctx)
	rej := rejection(t, err)
	assert.Equal(t, ReasonBusy, rej.Reason)
	assert.Equal(t, 2, rej.Current)
	assert.Error(t, c.CheckConcurrency(ctx))

	r1()
	r1()
	n, err := c.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r2()
	n, err = c.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, c.CheckConcurrency(ctx))
}

func TestAdmitOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("size rejection costs no rate budget", func(t *testing.T) {
		c, _, _ := newMemoryController(Limits{MaxItems: 5, MaxConcurrent: 1, RateLimit: 1, RateWindow: time.Minute})
		_, err := c.Admit(ctx, "k", 6)
		assert.Equal(t, ReasonTooLarge, rejection(t, err).Reason)

		release, err := c.Admit(ctx, "k", 5)
		require.NoError(t, err)
		release()
	})

	t.Run("concurrency rejection costs no rate budget", func(t *testing.T) {
		c, _, _ := newMemoryController(Limits{MaxItems: 5, MaxConcurrent: 1, RateLimit: 2, RateWindow: time.Minute})
		release, err := c.Admit(ctx, "k", 1)
		require.NoError(t, err)

		_, err = c.Admit(ctx, "k", 1)
		assert.Equal(t, ReasonBusy, rejection(t, err).Reason)

		release()
		release, err = c.Admit(ctx, "k", 1)
		require.NoError(t, err)
		release()
	})

	t.Run("rate rejection returns the slot", func(t *testing.T) {
		c, _, _ := newMemoryController(Limits{MaxItems: 5, MaxConcurrent: 1, RateLimit: 1, RateWindow: time.Minute})
		release, err := c.Admit(ctx, "k", 1)
		require.NoError(t, err)
		release()

		_, err = c.Admit(ctx, "k", 1)
		assert.Equal(t, ReasonRateLimited, rejection(t, err).Reason)

		n, err := c.InFlight(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestSweepReclaimsIdleWindows(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newMemoryController(Limits{RateLimit: 3, RateWindow: time.Minute})

	require.NoError(t, c.CheckRate(ctx, "a"))
	require.NoError(t, c.CheckRate(ctx, "b"))
	clk.Advance(30 * time.Second)
	require.NoError(t, c.CheckRate(ctx, "c"))

	clk.Advance(40 * time.Second)
	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	store.mu.Lock()
	_, stillThere := store.windows["sms:c"]
	store.mu.Unlock()
	assert.True(t, stillThere)
}

func TestRunStopsWithContext(t *testing.T) {
	c, _, _ := newMemoryController(DefaultLimits)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentAdmitNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newMemoryController(Limits{MaxConcurrent: 5})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []Release
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Begin(ctx)
			if err == nil {
				mu.Lock()
				admitted = append(admitted, release)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, admitted, 5)
	for _, r := range admitted {
		r()
	}
}
