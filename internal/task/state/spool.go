package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/task"
)

// Op is a spool command.
type Op string

const (
	OpAdd      Op = "add"
	OpDel      Op = "del"
	OpChange   Op = "change"
	OpShutdown Op = "shutdown"
)

// SpoolEntry is one pending command. Tasks not yet indexed are addressed by
// UID.
type SpoolEntry struct {
	Key string `json:"-"`
	Op  Op     `json:"op"`

	Task *task.Task `json:"task,omitempty"`
	UID  string     `json:"uid,omitempty"`

	StartOn    *time.Time `json:"start_on,omitempty"`
	FromFailed bool       `json:"from_failed,omitempty"`

	Message   string    `json:"message,omitempty"`
	SpooledOn time.Time `json:"spooled_on"`
}

// Spool appends e. Keys are time-ordered and unique, so concurrent
// appenders never conflict with each other.
//
// The order is the appender's clock, then a UUIDv7 that is monotonic within
// one process. Entries from one process drain in the order they were
// spooled; entries from different processes are only ordered as well as
// their clocks agree, so clients on skewed hosts can see their commands
// applied out of commit order.
func (m *Module) Spool(e SpoolEntry) (string, error) {
	switch e.Op {
	case OpAdd:
		if e.Task == nil {
			return "", fmt.Errorf("spool %s: task required", e.Op)
		}
	case OpDel, OpChange:
		if e.UID == "" {
			return "", fmt.Errorf("spool %s: uid required", e.Op)
		}
	case OpShutdown:
	default:
		return "", fmt.Errorf("unknown spool op %q", e.Op)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := m.now()
	if e.SpooledOn.IsZero() {
		e.SpooledOn = now
	}
	key := fmt.Sprintf("%s%020d-%s", prefixSpool, now.UnixNano(), id)
	if err := m.tx.PutJSON(key, e); err != nil {
		return "", err
	}
	return key, nil
}

// GetSpool lists pending entries in FIFO order.
func (m *Module) GetSpool(ctx context.Context) ([]SpoolEntry, error) {
	kvs, err := m.tx.Scan(ctx, prefixSpool)
	if err != nil {
		return nil, err
	}
	out := make([]SpoolEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e SpoolEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		e.Key = kv.Key
		out = append(out, e)
	}
	return out, nil
}

// PeekSpool returns the oldest entry without removing it. An entry that
// cannot be decoded is returned with an error so the caller can drop it.
func (m *Module) PeekSpool(ctx context.Context) (*SpoolEntry, bool, error) {
	kvs, err := m.tx.Scan(ctx, prefixSpool)
	if err != nil || len(kvs) == 0 {
		return nil, false, err
	}
	e := SpoolEntry{Key: kvs[0].Key}
	if err := json.Unmarshal(kvs[0].Value, &e); err != nil {
		return &e, true, fmt.Errorf("%s: %w", kvs[0].Key, err)
	}
	e.Key = kvs[0].Key
	return &e, true, nil
}

// PopSpool removes and returns the oldest entry.
func (m *Module) PopSpool(ctx context.Context) (*SpoolEntry, bool, error) {
	e, ok, err := m.PeekSpool(ctx)
	if ok {
		m.tx.Delete(e.Key)
	}
	return e, ok, err
}

func (m *Module) DeleteSpoolEntry(key string) { m.tx.Delete(key) }

// ClearSpool drops every pending entry and reports how many there were.
func (m *Module) ClearSpool(ctx context.Context) (int, error) {
	kvs, err := m.tx.Scan(ctx, prefixSpool)
	if err != nil {
		return 0, err
	}
	for _, kv := range kvs {
		m.tx.Delete(kv.Key)
	}
	return len(kvs), nil
}
