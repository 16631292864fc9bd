package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "tasksched/pkg/logx"
)

// redisStore maps the keyspace onto Redis:
//
//	<prefix>kv:<key>  hash {v: value, ver: commit sequence}
//	<prefix>keys      sorted set (all scores 0) used as a lexicographic key index
//	<prefix>seq       global commit sequence
//
// Apply validates read versions under WATCH and writes in MULTI/EXEC.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

// maxWatchRounds bounds internal re-runs when EXEC fails because of an
// unrelated commit touching the sequence key.
const maxWatchRounds = 16

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "tasksched:"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) dataKey(k string) string { return s.prefix + "kv:" + k }
func (s *redisStore) indexKey() string        { return s.prefix + "keys" }
func (s *redisStore) seqKey() string          { return s.prefix + "seq" }

func (s *redisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	return s.get(ctx, s.rdb, key)
}

func (s *redisStore) get(ctx context.Context, c redis.Cmdable, key string) (Record, bool, error) {
	m, err := c.HGetAll(ctx, s.dataKey(key)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(m) == 0 {
		return Record{}, false, nil
	}
	ver, err := strconv.ParseUint(m["ver"], 10, 64)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Value: []byte(m["v"]), Version: ver}, true, nil
}

func (s *redisStore) Scan(ctx context.Context, prefix string) ([]KV, error) {
	rng := &redis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		rng.Min = "[" + prefix
		if end := prefixEnd(prefix); end != "" {
			rng.Max = "(" + end
		}
	}
	keys, err := s.rdb.ZRangeByLex(ctx, s.indexKey(), rng).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, s.dataKey(k))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]KV, 0, len(keys))
	for i, k := range keys {
		m := cmds[i].Val()
		if len(m) == 0 {
			// deleted between the index read and the fetch
			continue
		}
		ver, err := strconv.ParseUint(m["ver"], 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, KV{Key: k, Value: []byte(m["v"]), Version: ver})
	}
	return out, nil
}

func (s *redisStore) Apply(ctx context.Context, b Batch) error {
	watch := make([]string, 0, len(b.Reads)+1)
	watch = append(watch, s.seqKey())
	for k := range b.Reads {
		watch = append(watch, s.dataKey(k))
	}

	apply := func(tx *redis.Tx) error {
		for k, want := range b.Reads {
			r, _, err := s.get(ctx, tx, k)
			if err != nil {
				return err
			}
			if r.Version != want {
				return ErrConflict
			}
		}
		if len(b.Writes) == 0 {
			return nil
		}
		seq, err := tx.Get(ctx, s.seqKey()).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		seq++
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.seqKey(), seq, 0)
			for _, w := range b.Writes {
				if w.Delete {
					p.Del(ctx, s.dataKey(w.Key))
					p.ZRem(ctx, s.indexKey(), w.Key)
					continue
				}
				p.HSet(ctx, s.dataKey(w.Key), "v", w.Value, "ver", seq)
				p.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: w.Key})
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRounds; i++ {
		err := s.rdb.Watch(ctx, apply, watch...)
		if errors.Is(err, redis.TxFailedErr) {
			// Some watched key moved; re-validate against the new state.
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
