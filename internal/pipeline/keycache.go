package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

type keyFetchFunc func(ctx context.Context, uri string) ([]byte, error)

// keyCache fetches each key URI once. Concurrent lookups of the same URI share
// one request. Failed fetches are not cached, but fetched bytes are, so a key
// of the wrong length fails every segment without being fetched again.
type keyCache struct {
	fetch keyFetchFunc
	group singleflight.Group

	mu   sync.RWMutex
	keys map[string][]byte
}

func newKeyCache(fetch keyFetchFunc) *keyCache {
	return &keyCache{fetch: fetch, keys: make(map[string][]byte)}
}

func (k *keyCache) Get(ctx context.Context, uri string) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[uri]
	k.mu.RUnlock()
	metrics.RecordCacheAccess("key", ok)

	if !ok {
		v, err, _ := k.group.Do(uri, func() (interface{}, error) {
			k.mu.RLock()
			cached, ok := k.keys[uri]
			k.mu.RUnlock()
			if ok {
				return cached, nil
			}

			data, err := k.fetch(ctx, uri)
			if err != nil {
				return nil, fmt.Errorf("fetch key: %w", err)
			}

			k.mu.Lock()
			k.keys[uri] = data
			k.mu.Unlock()
			return data, nil
		})
		if err != nil {
			return nil, err
		}
		key = v.([]byte)
	}

	if len(key) != models.KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(key))
	}
	return key, nil
}

func (k *keyCache) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}
