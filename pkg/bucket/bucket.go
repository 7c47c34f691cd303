package bucket

import (
	"context"
	"sort"
	"sync"
)

// Bucket is the pluggable persistence abstraction task queues and
// transform logs write through. Values are opaque JSON bytes. A
// missing key yields (nil, nil); writes for different keys carry no
// cross key atomicity guarantee.
type Bucket interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

type inMemoryBucket struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewInMemory creates a bucket that holds its items in process memory.
func NewInMemory() Bucket {
	return &inMemoryBucket{
		items: map[string][]byte{},
	}
}

func (b *inMemoryBucket) GetItem(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.items[key]
	if !ok {
		return nil, nil
	}

	return append([]byte{}, value...), nil
}

func (b *inMemoryBucket) SetItem(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = append([]byte{}, value...)
	return nil
}

func (b *inMemoryBucket) RemoveItem(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.items, key)
	return nil
}

func (b *inMemoryBucket) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = map[string][]byte{}
	return nil
}

func (b *inMemoryBucket) Keys(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.items))
	for key := range b.items {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys, nil
}
