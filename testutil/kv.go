package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/loopcore/errors"
)

// MemoryKV is an in-memory key-value bucket with per-key revisions.
type MemoryKV struct {
	mu       sync.RWMutex
	data     map[string][]byte
	revision uint64
	failNext error
}

// NewMemoryKV creates an empty bucket.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// FailNext makes the next Put return err.
func (kv *MemoryKV) FailNext(err error) {
	kv.mu.Lock()
	kv.failNext = err
	kv.mu.Unlock()
}

// Put stores a copy of value and returns the new bucket revision.
func (kv *MemoryKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	if err := kv.failNext; err != nil {
		kv.failNext = nil
		return 0, err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	kv.data[key] = stored
	kv.revision++
	return kv.revision, nil
}

// Get retrieves a copy of the value stored under key. A missing key wraps
// errors.ErrNotFound.
func (kv *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kv.mu.RLock()
	defer kv.mu.RUnlock()

	if val, ok := kv.data[key]; ok {
		result := make([]byte, len(val))
		copy(result, val)
		return result, nil
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, key)
}

// Keys returns all keys in sorted order.
func (kv *MemoryKV) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Revision returns the number of successful puts.
func (kv *MemoryKV) Revision() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.revision
}
