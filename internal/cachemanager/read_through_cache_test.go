package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newCountingLoader() (*int, func(ctx context.Context, input string) (string, error)) {
	calls := 0
	return &calls, func(ctx context.Context, input string) (string, error) {
		calls++
		return "loaded:" + input, nil
	}
}

func TestReadThroughCache_Get_CachesLoadedValue(t *testing.T) {
	calls, loader := newCountingLoader()
	rtc := NewReadThroughCache[string, string, string](
		NewInMemoryCacheManager[string]("test", DefaultExpiration, DefaultCleanupInterval),
		loader,
		false,
	)
	ctx := context.Background()

	got, err := rtc.Get(ctx, "ws-1", "ws-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "loaded:ws-1", got)
	require.Equal(t, 1, *calls)

	// Second read is a hit; the loader is not called again.
	got, err = rtc.Get(ctx, "ws-1", "ws-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "loaded:ws-1", got)
	require.Equal(t, 1, *calls)
}

func TestReadThroughCache_Get_WithCacheDisabled(t *testing.T) {
	calls, loader := newCountingLoader()
	rtc := NewReadThroughCache[string, string, string](
		NewInMemoryCacheManager[string]("test", DefaultExpiration, DefaultCleanupInterval),
		loader,
		true,
	)
	ctx := context.Background()

	for range 3 {
		got, err := rtc.Get(ctx, "k", "k", time.Minute)
		require.NoError(t, err)
		require.Equal(t, "loaded:k", got)
	}
	require.Equal(t, 3, *calls)
}

func TestReadThroughCache_Get_LoaderErrorNotCached(t *testing.T) {
	calls := 0
	boom := errors.New("server unavailable")
	rtc := NewReadThroughCache[string, string, string](
		NewInMemoryCacheManager[string]("test", DefaultExpiration, DefaultCleanupInterval),
		func(ctx context.Context, input string) (string, error) {
			calls++
			if calls == 1 {
				return "", boom
			}
			return "recovered", nil
		},
		false,
	)
	ctx := context.Background()

	_, err := rtc.Get(ctx, "k", "k", time.Minute)
	require.ErrorIs(t, err, boom)

	// The failure was not cached; the next read loads successfully.
	got, err := rtc.Get(ctx, "k", "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "recovered", got)
	require.Equal(t, 2, calls)
}

func TestReadThroughCache_GetWithRefresh(t *testing.T) {
	calls, loader := newCountingLoader()
	rtc := NewReadThroughCache[string, string, string](
		NewInMemoryCacheManager[string]("test", DefaultExpiration, DefaultCleanupInterval),
		loader,
		false,
	)
	ctx := context.Background()

	_, err := rtc.GetWithRefresh(ctx, "k", "k", 50*time.Millisecond)
	require.NoError(t, err)

	// Refresh with a longer TTL keeps the entry alive past the original.
	_, err = rtc.GetWithRefresh(ctx, "k", "k", time.Minute)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	got, err := rtc.GetWithRefresh(ctx, "k", "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "loaded:k", got)
	require.Equal(t, 1, *calls)
}
