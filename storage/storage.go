// Package storage persists state snapshots for the SaveState command.
//
// Three backends are available:
//
//   - FileStore writes the snapshot to a local file with an atomic rename.
//   - SQLiteStore appends snapshots to a local SQLite database and keeps the
//     last few.
//   - KVStore puts the snapshot under one key of a NATS JetStream KV bucket,
//     so several clients of the same user can share it.
//
// Both are safe for concurrent use. Load returns a nil snapshot, not an
// error, when nothing was saved yet.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/loopcore/errors"
)

// Modes accepted by Config.Mode.
const (
	ModeNone   = "none"
	ModeFile   = "file"
	ModeSQLite = "sqlite"
	ModeNATS   = "nats"
)

// Saver persists one snapshot. engine.Saver is satisfied by every Store.
type Saver interface {
	Save(ctx context.Context, snapshot []byte) error
}

// Loader reads the last saved snapshot.
type Loader interface {
	Load(ctx context.Context) ([]byte, error)
}

// Store is a Saver that can also read back what it saved.
type Store interface {
	Saver
	Loader
	Close() error
}

// Config selects and parameterises a backend.
type Config struct {
	Mode    string        `json:"mode" yaml:"mode"`
	Path    string        `json:"path,omitempty" yaml:"path,omitempty"`
	NATSURL string        `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	Bucket  string        `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key     string        `json:"key,omitempty" yaml:"key,omitempty"`
	Timeout time.Duration `json:"-" yaml:"-"`
}

// DefaultConfig persists to ./loopcore-state.json.
func DefaultConfig() Config {
	return Config{
		Mode:    ModeFile,
		Path:    "loopcore-state.json",
		Bucket:  "loopcore_state",
		Key:     "snapshot",
		Timeout: 5 * time.Second,
	}
}

// Validate checks the fields the selected mode needs.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeNone, "":
		return nil
	case ModeFile, ModeSQLite:
		if c.Path == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "storage", "Validate", c.Mode+" mode requires path")
		}
		if c.Mode == ModeSQLite && c.Key == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "storage", "Validate", "sqlite mode requires key")
		}
	case ModeNATS:
		if c.NATSURL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "storage", "Validate", "nats mode requires nats_url")
		}
		if c.Bucket == "" || c.Key == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "storage", "Validate", "nats mode requires bucket and key")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown storage mode %q", errors.ErrInvalidConfig, c.Mode),
			"storage", "Validate", "check mode")
	}
	return nil
}

// Open creates the backend for cfg. ModeNone returns a nil Store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Mode {
	case ModeFile:
		return NewFileStore(cfg.Path, logger), nil
	case ModeSQLite:
		db, err := OpenSQLite(ctx, cfg.Path, cfg.Key, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case ModeNATS:
		kv, err := DialKV(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		return nil, nil
	}
}
