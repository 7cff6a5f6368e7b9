package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyCacheFetchesOnce(t *testing.T) {
	var calls atomic.Int64
	cache := newKeyCache(func(ctx context.Context, uri string) ([]byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("0123456789abcdef"), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := cache.Get(context.Background(), "https://keys.example.com/k1")
			assert.NoError(t, err)
			assert.Len(t, key, 16)
		}()
	}
	wg.Wait()

	_, err := cache.Get(context.Background(), "https://keys.example.com/k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestKeyCacheDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int64
	cache := newKeyCache(func(ctx context.Context, uri string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return []byte("0123456789abcdef"), nil
	})

	_, err := cache.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())

	key, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), key)
}

func TestKeyCacheRejectsWrongLength(t *testing.T) {
	var calls atomic.Int64
	cache := newKeyCache(func(ctx context.Context, uri string) ([]byte, error) {
		calls.Add(1)
		return []byte("short"), nil
	})

	for i := 0; i < 3; i++ {
		_, err := cache.Get(context.Background(), "k")
		assert.ErrorIs(t, err, ErrInvalidKeyLength)
	}
	assert.Equal(t, int64(1), calls.Load(), "the bad key is not refetched")
	assert.Equal(t, 1, cache.Len())
}
