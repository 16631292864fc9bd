package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrSelfCancel is returned by Prepare to veto a run. The task is aborted.
	ErrSelfCancel  = errors.New("task cancelled itself")
	ErrUnknownKind = errors.New("unknown task kind")
)

// Runner executes the body of a task kind.
type Runner interface {
	Run(ctx context.Context, rc *RunContext) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, rc *RunContext) Result

func (f RunnerFunc) Run(ctx context.Context, rc *RunContext) Result { return f(ctx, rc) }

// Preparer is an optional pre-flight hook run once before the attempts.
type Preparer interface {
	Prepare(ctx context.Context, rc *RunContext) error
}

// TearDowner is an optional cleanup hook run when a task is reclaimed from
// the running list (AWOL or dispatcher restart).
type TearDowner interface {
	TearDown(ctx context.Context, t *Task) error
}

// Prepare calls r's Prepare hook if it has one.
func Prepare(ctx context.Context, r Runner, rc *RunContext) error {
	if p, ok := r.(Preparer); ok {
		return p.Prepare(ctx, rc)
	}
	return nil
}

// TearDown calls r's TearDown hook if it has one.
func TearDown(ctx context.Context, r Runner, t *Task) error {
	if td, ok := r.(TearDowner); ok {
		return td.TearDown(ctx, t)
	}
	return nil
}

// Registry maps kind names to runners.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Runner{}}
}

func (r *Registry) Register(kind string, run Runner) error {
	if kind == "" || run == nil {
		return errors.New("kind name and runner required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.kinds[kind]; dup {
		return fmt.Errorf("task kind %q already registered", kind)
	}
	r.kinds[kind] = run
	return nil
}

func (r *Registry) MustRegister(kind string, run Runner) {
	if err := r.Register(kind, run); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(kind string) (Runner, error) {
	r.mu.RLock()
	run, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return run, nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
