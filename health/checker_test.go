package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckReturnsHealthyWhenCheckPasses(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.RegisterCheck("store", func(ctx context.Context) error { return nil })

	result, err := h.Check(context.Background(), "store")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestCheckReturnsUnhealthyWhenCheckFails(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.RegisterCheck("store", func(ctx context.Context) error { return errors.New("pgx: connection refused") })

	result, err := h.Check(context.Background(), "store")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "connection refused")
}

func TestCheckUnknownNameErrors(t *testing.T) {
	h := NewHealthChecker(time.Second)
	_, err := h.Check(context.Background(), "nope")
	assert.Error(t, err)
}

func TestCheckCachesResultWithinTTL(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.SetCacheTTL(time.Minute)

	calls := 0
	h.RegisterCheck("reaper", func(ctx context.Context) error {
		calls++
		return nil
	})

	_, err := h.Check(context.Background(), "reaper")
	require.NoError(t, err)
	_, err = h.Check(context.Background(), "reaper")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	h.ClearCache()
	_, err = h.Check(context.Background(), "reaper")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOverallStatusReflectsWorstCheck(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.RegisterCheck("store", func(ctx context.Context) error { return nil })
	h.RegisterCheck("cache", func(ctx context.Context) error { return errors.New("near budget") })

	assert.Equal(t, StatusUnhealthy, h.GetOverallStatus(context.Background()))
}

func TestStoreHealthCheckRequiresPingFunc(t *testing.T) {
	check := StoreHealthCheck(nil)
	assert.Error(t, check(context.Background()))
}

func TestCacheBudgetHealthCheckUnhealthyAtBudget(t *testing.T) {
	check := CacheBudgetHealthCheck(func(ctx context.Context) (int64, int64, error) {
		return 1000, 1000, nil
	})
	assert.Error(t, check(context.Background()))

	check = CacheBudgetHealthCheck(func(ctx context.Context) (int64, int64, error) {
		return 100, 1000, nil
	})
	assert.NoError(t, check(context.Background()))
}
