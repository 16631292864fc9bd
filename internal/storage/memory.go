package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memCore is the versioned map shared by the memory and file drivers.
type memCore struct {
	mu   sync.RWMutex
	data map[string]Record
	seq  uint64
}

func newMemCore() memCore { return memCore{data: map[string]Record{}} }

func (m *memCore) get(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[key]
	if !ok {
		return Record{}, false
	}
	return Record{Value: append([]byte(nil), r.Value...), Version: r.Version}, true
}

func (m *memCore) scan(prefix string) []KV {
	m.mu.RLock()
	out := make([]KV, 0, 16)
	for k, r := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KV{Key: k, Value: append([]byte(nil), r.Value...), Version: r.Version})
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *memCore) validateLocked(reads map[string]uint64) error {
	for k, want := range reads {
		if m.data[k].Version != want {
			return ErrConflict
		}
	}
	return nil
}

// applyLocked stamps every write with the next sequence number and returns it.
func (m *memCore) applyLocked(writes []Write) uint64 {
	if len(writes) == 0 {
		return m.seq
	}
	m.seq++
	for _, w := range writes {
		if w.Delete {
			delete(m.data, w.Key)
			continue
		}
		m.data[w.Key] = Record{Value: append([]byte(nil), w.Value...), Version: m.seq}
	}
	return m.seq
}

type memStore struct {
	core   memCore
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{core: newMemCore()}
}

func (s *memStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	r, ok := s.core.get(key)
	return r, ok, nil
}

func (s *memStore) Scan(ctx context.Context, prefix string) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.core.scan(prefix), nil
}

func (s *memStore) Apply(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.core.validateLocked(b.Reads); err != nil {
		return err
	}
	s.core.applyLocked(b.Writes)
	return nil
}

func (s *memStore) Close() error {
	s.core.mu.Lock()
	s.closed = true
	s.core.mu.Unlock()
	return nil
}
