package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	logx "tasksched/pkg/logx"
)

// Retry configures WithRetry.
type Retry struct {
	// Ceiling is the maximum number of attempts (DefaultCommitRetries if <= 0).
	Ceiling int
	Log     logx.Logger
	// Op names the operation in logs.
	Op string
}

// Conflicts are expected under concurrent clients; only surface a warning
// every few seconds so a busy spool doesn't flood the log.
var conflictWarn = rate.NewLimiter(rate.Every(5*time.Second), 1)

// WithRetry runs fn against a fresh transaction and commits it. If the
// commit (or fn itself) reports ErrConflict, the whole closure is re-run
// against fresh state, up to the ceiling. Any other error aborts at once.
//
// fn must be safe to re-run: it should derive everything it writes from
// what it reads through tx.
func WithRetry(ctx context.Context, st Store, r Retry, fn func(tx *Txn) error) error {
	ceiling := r.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCommitRetries
	}
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	var last error
	for attempt := 1; attempt <= ceiling; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := Begin(st)
		err := fn(tx)
		if err == nil {
			err = tx.Commit(ctx)
		} else {
			tx.Abort()
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		last = err
		if conflictWarn.Allow() {
			log.Warn("commit conflict; retrying", logx.String("op", r.Op), logx.Int("attempt", attempt), logx.Int("ceiling", ceiling))
		} else {
			log.Debug("commit conflict; retrying", logx.String("op", r.Op), logx.Int("attempt", attempt))
		}
	}
	log.Error("commit retries exhausted", logx.String("op", r.Op), logx.Int("ceiling", ceiling), logx.Err(last))
	return fmt.Errorf("%s: %w after %d attempts: %w", r.Op, ErrRetriesExhausted, ceiling, last)
}

// View runs a read-only fn. Writes made by fn are discarded.
func View(ctx context.Context, st Store, fn func(tx *Txn) error) error {
	tx := Begin(st)
	defer tx.Abort()
	return fn(tx)
}
