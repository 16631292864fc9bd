package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// Txn is an optimistic transaction: reads go to the store (and are cached so
// the transaction sees a stable value per key), writes are buffered until
// Commit. A Txn is not safe for concurrent use.
type Txn struct {
	st     Store
	cache  map[string]cached
	writes map[string]Write
	order  []string
	done   bool
}

type cached struct {
	rec Record
	ok  bool
}

func Begin(st Store) *Txn {
	return &Txn{st: st, cache: map[string]cached{}, writes: map[string]Write{}}
}

func (t *Txn) read(ctx context.Context, key string) (Record, bool, error) {
	if c, ok := t.cache[key]; ok {
		return c.rec, c.ok, nil
	}
	rec, ok, err := t.st.Get(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	t.cache[key] = cached{rec: rec, ok: ok}
	return rec, ok, nil
}

// Get returns the value visible to this transaction.
func (t *Txn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxnDone
	}
	if w, ok := t.writes[key]; ok {
		if w.Delete {
			return nil, false, nil
		}
		return w.Value, true, nil
	}
	rec, ok, err := t.read(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// GetJSON decodes the value at key into v. It reports false if the key is absent.
func (t *Txn) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := t.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, v)
}

func (t *Txn) Put(key string, value []byte) {
	t.buffer(Write{Key: key, Value: append([]byte(nil), value...)})
}

func (t *Txn) PutJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.buffer(Write{Key: key, Value: b})
	return nil
}

func (t *Txn) Delete(key string) {
	t.buffer(Write{Key: key, Delete: true})
}

func (t *Txn) buffer(w Write) {
	if _, seen := t.writes[w.Key]; !seen {
		t.order = append(t.order, w.Key)
	}
	t.writes[w.Key] = w
}

// Scan returns the keys under prefix as this transaction sees them: the
// store's keys overlaid with buffered writes, ordered by key. Every key
// returned from the store is recorded as read.
func (t *Txn) Scan(ctx context.Context, prefix string) ([]KV, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	base, err := t.st.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]KV, len(base))
	for _, kv := range base {
		if c, ok := t.cache[kv.Key]; ok {
			if !c.ok {
				continue
			}
			kv = KV{Key: kv.Key, Value: c.rec.Value, Version: c.rec.Version}
		} else {
			t.cache[kv.Key] = cached{rec: Record{Value: kv.Value, Version: kv.Version}, ok: true}
		}
		merged[kv.Key] = kv
	}
	for _, k := range t.order {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		w := t.writes[k]
		if w.Delete {
			delete(merged, k)
			continue
		}
		merged[k] = KV{Key: k, Value: w.Value}
	}
	out := make([]KV, 0, len(merged))
	for _, kv := range merged {
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Dirty reports whether the transaction has buffered writes.
func (t *Txn) Dirty() bool { return len(t.order) > 0 }

// Commit validates every read and applies buffered writes atomically.
// A transaction without writes commits trivially.
func (t *Txn) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if len(t.order) == 0 {
		return nil
	}
	b := Batch{Reads: make(map[string]uint64, len(t.cache)), Writes: make([]Write, 0, len(t.order))}
	for k, c := range t.cache {
		b.Reads[k] = c.rec.Version
	}
	for _, k := range t.order {
		b.Writes = append(b.Writes, t.writes[k])
	}
	return t.st.Apply(ctx, b)
}

func (t *Txn) Abort() {
	t.done = true
	t.writes = nil
	t.order = nil
}
