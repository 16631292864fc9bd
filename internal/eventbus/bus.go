package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and its workers.
const (
	TaskQueued        = "task.queued"
	TaskStarted       = "task.started"
	TaskAttemptFailed = "task.attempt_failed"
	TaskCompleted     = "task.completed" // worker side, before the dispatcher reaps it
	TaskFinished      = "task.finished"
	TaskFailed        = "task.failed"
	TaskAborted       = "task.aborted"
	TaskTerminated    = "task.terminated"
	TaskRequeued      = "task.requeued"
	TaskRemoved       = "task.removed"
	SchedulerStarted  = "scheduler.started"
	SchedulerStopped  = "scheduler.stopped"
)

// Event is a small in-process notification.
//
// Publish never blocks; a subscriber whose buffer is full misses events.
type Event struct {
	Type   string
	Time   time.Time
	TaskID int64
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Emit publishes e on b if b is non-nil.
func Emit(b Bus, e Event) {
	if b != nil {
		b.Publish(e)
	}
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

type sub struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *sub) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}
