package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "tasksched/pkg/logx"
)

// fileStore keeps the whole keyspace in memory and persists commits.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every record + seq)
//   - <prefix>.journal.jsonl (one line per commit since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery commits.
// The file driver is single-process: two processes opening the same path
// would each replay the journal and then diverge.
type fileStore struct {
	log  logx.Logger
	core memCore

	snapshotPath string
	journal      *os.File
	commits      int
}

const compactEvery = 1000

type fileCommit struct {
	Seq    uint64  `json:"seq"`
	Writes []Write `json:"writes"`
}

type fileSnapshot struct {
	Seq  uint64            `json:"seq"`
	Data map[string]Record `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	core := newMemCore()
	if err := loadSnapshot(snapPath, &core); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, &core)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("keys", len(core.data)), logx.Int("replayed", replayed))

	return &fileStore{
		log:          log,
		core:         core,
		snapshotPath: snapPath,
		journal:      jf,
	}, nil
}

func (s *fileStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	r, ok := s.core.get(key)
	return r, ok, nil
}

func (s *fileStore) Scan(ctx context.Context, prefix string) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.core.scan(prefix), nil
}

func (s *fileStore) Apply(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.core.validateLocked(b.Reads); err != nil {
		return err
	}
	if len(b.Writes) == 0 {
		return nil
	}

	// Journal first: a commit that cannot be persisted is not applied.
	line, err := json.Marshal(fileCommit{Seq: s.core.seq + 1, Writes: b.Writes})
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	s.core.applyLocked(b.Writes)

	s.commits++
	if s.commits%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Seq: s.core.seq, Data: s.core.data}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, core *memCore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, r := range snap.Data {
		core.data[k] = r
	}
	core.seq = snap.Seq
	return nil
}

// replayJournal applies commits newer than the snapshot. A torn last line
// (crash mid-write) is skipped.
func replayJournal(path string, core *memCore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var c fileCommit
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			continue
		}
		if c.Seq <= core.seq {
			continue
		}
		core.seq = c.Seq - 1
		core.applyLocked(c.Writes)
		n++
	}
	return n, sc.Err()
}
