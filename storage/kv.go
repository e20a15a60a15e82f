package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/loopcore/errors"
)

// Bucket is the slice of a key-value bucket the KVStore uses.
type Bucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// KVStore saves the snapshot under one key of a bucket.
type KVStore struct {
	bucket  Bucket
	key     string
	timeout time.Duration
	logger  *slog.Logger
	closer  func()
}

// NewKVStore wraps an existing bucket.
func NewKVStore(bucket Bucket, key string, timeout time.Duration, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{
		bucket:  bucket,
		key:     key,
		timeout: timeout,
		logger:  logger.With("component", "kv_store"),
	}
}

// DialKV connects to NATS and opens (or creates) the configured bucket.
func DialKV(ctx context.Context, cfg Config, logger *slog.Logger) (*KVStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("loopcore"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "DialKV", fmt.Sprintf("connect %s", cfg.NATSURL))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "KVStore", "DialKV", "open jetstream")
	}

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kv, err := js.KeyValue(openCtx, cfg.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(openCtx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "loopcore state snapshots",
			History:     5,
		})
	}
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "KVStore", "DialKV", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}

	store := NewKVStore(&jsBucket{kv: kv}, cfg.Key, timeout, logger)
	store.closer = conn.Close
	return store, nil
}

// Save puts snapshot under the configured key.
func (s *KVStore) Save(ctx context.Context, snapshot []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.bucket.Put(ctx, s.key, snapshot)
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", fmt.Sprintf("put %s", s.key))
	}
	s.logger.Debug("snapshot saved", "key", s.key, "revision", rev, "bytes", len(snapshot))
	return nil
}

// Load returns the latest snapshot, or nil if the key was never written.
func (s *KVStore) Load(ctx context.Context) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.bucket.Get(ctx, s.key)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Load", fmt.Sprintf("get %s", s.key))
	}
	return data, nil
}

// Close releases the NATS connection opened by DialKV.
func (s *KVStore) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

func (s *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// jsBucket adapts jetstream.KeyValue to Bucket.
type jsBucket struct {
	kv jetstream.KeyValue
}

func (b *jsBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return b.kv.Put(ctx, key, value)
}

func (b *jsBucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}
