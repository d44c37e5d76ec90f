package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

const (
	cacheKeyPrefix  = "drawing:cache:"
	maxWatchRetries = 64
)

// Redis は複数プロセスで共有できるキャッシュ実装です。期限は Redis の TTL に任せます。
type Redis struct {
	rdb  *redis.Client
	opts Options
	now  func() time.Time
}

// NewRedis は Redis を作成します。
func NewRedis(rdb *redis.Client, opts Options) *Redis {
	return &Redis{
		rdb:  rdb,
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

func (r *Redis) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	return r.decode(r.rdb.Get(ctx, cacheKey(fingerprint)))
}

func (r *Redis) decode(cmd *redis.StringCmd) (*Entry, error) {
	data, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if !r.now().Before(entry.ExpiresAt) {
		return nil, nil
	}
	return &entry, nil
}

func (r *Redis) PutProcessing(ctx context.Context, fingerprint, jobID string) error {
	entry := newEntry(fingerprint, jobID, StatusProcessing, r.now(), r.opts.ProcessingTTL)
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, cacheKey(fingerprint), payload, r.opts.ProcessingTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return alreadyExists(fingerprint)
	}
	return nil
}

func (r *Redis) Renew(ctx context.Context, fingerprint, jobID string) error {
	return r.watch(ctx, fingerprint, func(prev *Entry) (change, error) {
		ttl := r.opts.ProcessingTTL
		switch {
		case prev == nil:
			return change{entry: newEntry(fingerprint, jobID, StatusProcessing, r.now(), ttl), ttl: ttl}, nil
		case prev.JobID != jobID:
			return change{}, heldByOther(fingerprint, prev)
		case prev.Status != StatusProcessing:
			return change{}, apperr.Newf(apperr.KindInvalidState, "cache entry for %s is already %s", shortFingerprint(fingerprint), prev.Status)
		}
		next := *prev
		next.ExpiresAt = r.now().Add(ttl)
		return change{entry: &next, ttl: ttl}, nil
	})
}

func (r *Redis) Complete(ctx context.Context, fingerprint, jobID string, status Status, result *pipeline.Result, errInfo *apperr.Info) error {
	if err := validateCompletion(status); err != nil {
		return err
	}
	return r.watch(ctx, fingerprint, func(prev *Entry) (change, error) {
		if prev != nil && prev.JobID != jobID {
			return change{}, heldByOther(fingerprint, prev)
		}
		ttl := r.opts.ttlFor(status)
		entry := newEntry(fingerprint, jobID, status, r.now(), ttl)
		entry.Result = result
		entry.Error = errInfo
		return change{entry: entry, ttl: ttl}, nil
	})
}

func (r *Redis) Remove(ctx context.Context, fingerprint, jobID string) error {
	return r.watch(ctx, fingerprint, func(prev *Entry) (change, error) {
		return change{remove: prev != nil && prev.JobID == jobID}, nil
	})
}

// change は watch 内で反映する内容です。entry も remove も無ければ何もしません。
type change struct {
	entry  *Entry
	ttl    time.Duration
	remove bool
}

// watch は WATCH 下で現在のエントリを読み、decide の結果を原子的に反映します。
func (r *Redis) watch(ctx context.Context, fingerprint string, decide func(prev *Entry) (change, error)) error {
	key := cacheKey(fingerprint)
	txf := func(tx *redis.Tx) error {
		prev, err := r.decode(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		c, err := decide(prev)
		if err != nil {
			return err
		}
		if c.entry == nil && !c.remove {
			return nil
		}
		var payload []byte
		if c.entry != nil {
			if payload, err = json.Marshal(c.entry); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if c.remove {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, payload, c.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("cache entry %s: too much contention", shortFingerprint(fingerprint))
}

func cacheKey(fingerprint string) string {
	return cacheKeyPrefix + fingerprint
}
