package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "tasksched/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	Version string
	File    string
}

var migrations = []migration{
	{Version: "0001_kv", File: "migrations/0001_kv.sql"},
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if !strings.EqualFold(mode, "wal") {
		log.Warn("sqlite is not in WAL mode", logx.String("path", path), logx.String("journal_mode", mode))
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// sqliteDSN carries the per-connection pragmas in the DSN so every
// connection the pool opens gets them. Write transactions take the lock up
// front so a read-validate-write commit cannot interleave with another
// process's commit.
func sqliteDSN(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", m.Version, err)
		}
		if n > 0 {
			continue
		}
		body, err := migrationsFS.ReadFile(m.File)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			m.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Version, err)
		}
		s.log.Debug("migration applied", logx.String("version", m.Version))
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv WHERE key = ?`, key).Scan(&r.Value, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, mapSQLiteErr(err)
	}
	return r, true, nil
}

func (s *sqliteStore) Scan(ctx context.Context, prefix string) ([]KV, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value, version FROM kv ORDER BY key`)
	} else {
		// Range scan on the primary key instead of LIKE (keys may contain '%' or '_').
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, value, version FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
			prefix, prefixEnd(prefix))
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	out := make([]KV, 0, 16)
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.Version); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, mapSQLiteErr(rows.Err())
}

func (s *sqliteStore) Apply(ctx context.Context, b Batch) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for key, want := range b.Reads {
		var have uint64
		qerr := tx.QueryRowContext(ctx, `SELECT version FROM kv WHERE key = ?`, key).Scan(&have)
		if qerr != nil && !errors.Is(qerr, sql.ErrNoRows) {
			return mapSQLiteErr(qerr)
		}
		if have != want {
			return ErrConflict
		}
	}
	if len(b.Writes) == 0 {
		return mapSQLiteErr(tx.Commit())
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx, `UPDATE kv_meta SET value = value + 1 WHERE name = 'seq' RETURNING value`).Scan(&seq); err != nil {
		return mapSQLiteErr(err)
	}
	for _, w := range b.Writes {
		if w.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, w.Key); err != nil {
				return mapSQLiteErr(err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv(key, value, version) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = excluded.version`,
			w.Key, w.Value, seq); err != nil {
			return mapSQLiteErr(err)
		}
	}
	return mapSQLiteErr(tx.Commit())
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// mapSQLiteErr turns lock contention into ErrConflict so WithRetry re-runs
// the operation instead of failing it.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
