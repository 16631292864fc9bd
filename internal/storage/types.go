package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("storage: not found")
	ErrConflict         = errors.New("storage: write conflict")
	ErrRetriesExhausted = errors.New("storage: commit retries exhausted")
	ErrClosed           = errors.New("storage: closed")
	ErrTxnDone          = errors.New("storage: transaction already committed or aborted")
)

// DefaultCommitRetries is the WithRetry ceiling when none is configured.
const DefaultCommitRetries = 10

// Record is a stored value with the commit sequence that last wrote it.
type Record struct {
	Value   []byte
	Version uint64
}

type KV struct {
	Key     string
	Value   []byte
	Version uint64
}

// Write is a single put (Delete=false) or delete.
type Write struct {
	Key    string `json:"k"`
	Value  []byte `json:"v,omitempty"`
	Delete bool   `json:"d,omitempty"`
}

// Batch is what a transaction hands to the backend at commit time.
//
// Reads maps every key the transaction observed to the version it saw;
// 0 means the key was absent.
type Batch struct {
	Reads  map[string]uint64
	Writes []Write
}

// Store is a backend.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	// Scan returns every key with the given prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]KV, error)
	// Apply validates b.Reads and applies b.Writes atomically.
	// It returns ErrConflict when validation fails.
	Apply(ctx context.Context, b Batch) error
	Close() error
}

// Config configures storage.
//
// Driver values: "memory" (default when empty), "file", "sqlite", "redis".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Shared reports whether stores opened with this config by different
// processes observe the same data.
func (c Config) Shared() bool {
	switch normalizeDriver(c.Driver) {
	case "sqlite", "redis":
		return true
	default:
		return false
	}
}
