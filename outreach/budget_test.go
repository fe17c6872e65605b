package outreach

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetNeverExceedsLimitUnderContention(t *testing.T) {
	budget := NewRateBudget(newMemCounter(), 50)
	day := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	const attempts = 100
	var granted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := budget.TryConsume(context.Background(), day)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, granted, "grants must equal the limit exactly")

	remaining, err := budget.Remaining(context.Background(), day)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestBudgetOvershootIsHandedBack(t *testing.T) {
	counter := newMemCounter()
	budget := NewRateBudget(counter, 1)
	day := time.Now()

	_, ok, err := budget.TryConsume(context.Background(), day)
	require.NoError(t, err)
	require.True(t, ok)

	n, ok, err := budget.TryConsume(context.Background(), day)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 1, n, "reported count excludes the rolled-back slot")

	// The decrement must leave the counter at the limit, so Remaining
	// stays at zero instead of going negative.
	remaining, err := budget.Remaining(context.Background(), day)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestBudgetDaysAreIndependent(t *testing.T) {
	budget := NewRateBudget(newMemCounter(), 1)
	day := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)

	_, ok, err := budget.TryConsume(context.Background(), day)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = budget.TryConsume(context.Background(), day.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "the next UTC day has its own counter")
}

func TestBudgetRefund(t *testing.T) {
	budget := NewRateBudget(newMemCounter(), 2)
	day := time.Now()

	_, ok, err := budget.TryConsume(context.Background(), day)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, budget.Refund(context.Background(), day))

	remaining, err := budget.Remaining(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestBudgetFailsClosedOnCounterError(t *testing.T) {
	counter := newMemCounter()
	counter.err = errProviderDown
	budget := NewRateBudget(counter, 10)

	_, ok, err := budget.TryConsume(context.Background(), time.Now())
	assert.Error(t, err)
	assert.False(t, ok)
}
