package engine

import (
	"sort"
	"sync"
	"time"

	"tasksched/internal/storage"
	"tasksched/internal/task/state"
)

// Config controls the worker attempt cycle.
type Config struct {
	// MaxTries is the attempt budget; delays do not count against it.
	MaxTries int
	// RetryBase scales the linear backoff: attempt n sleeps n*RetryBase.
	RetryBase     time.Duration
	CommitRetries int
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.MaxTries <= 0 {
		c.MaxTries = 10
	}
	if c.RetryBase < 0 {
		c.RetryBase = 0
	}
	if c.CommitRetries <= 0 {
		c.CommitRetries = storage.DefaultCommitRetries
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Outcome is the result of one attempt cycle, as reported to the dispatcher.
type Outcome = state.Report

type HistoryItem struct {
	TaskID    int64
	Started   time.Time
	Duration  time.Duration
	Attempts  int
	Succeeded bool
	Error     string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Mode    string
	Running []int64
	History []HistoryItem
}

type history struct {
	mu    sync.Mutex
	items []HistoryItem
	size  int
}

func (h *history) add(item HistoryItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := h.size
	if size <= 0 {
		size = 200
	}
	h.items = append(h.items, item)
	if len(h.items) > size {
		h.items = h.items[len(h.items)-size:]
	}
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryItem, len(h.items))
	copy(out, h.items)
	return out
}

// handles tracks in-flight handles by task id.
type handles struct {
	mu sync.Mutex
	m  map[int64]Handle
}

func (hs *handles) put(h Handle) {
	hs.mu.Lock()
	if hs.m == nil {
		hs.m = map[int64]Handle{}
	}
	hs.m[h.TaskID()] = h
	hs.mu.Unlock()
}

func (hs *handles) drop(id int64) {
	hs.mu.Lock()
	delete(hs.m, id)
	hs.mu.Unlock()
}

func (hs *handles) get(id int64) (Handle, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	h, ok := hs.m[id]
	return h, ok
}

func (hs *handles) ids() []int64 {
	hs.mu.Lock()
	out := make([]int64, 0, len(hs.m))
	for id := range hs.m {
		out = append(out, id)
	}
	hs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (hs *handles) all() []Handle {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]Handle, 0, len(hs.m))
	for _, h := range hs.m {
		out = append(out, h)
	}
	return out
}
