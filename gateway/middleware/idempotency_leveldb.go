package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	responseKeyPrefix = "resp:"
	storedKeyPrefix   = "stored:"
)

// LevelDBIdempotencyStore keeps replayable responses in LevelDB. Entries
// older than the TTL are ignored on read and removed by Prune.
type LevelDBIdempotencyStore struct {
	db  *leveldb.DB
	ttl time.Duration
	now func() time.Time
}

// NewLevelDBIdempotencyStore opens (or creates) a LevelDB database at path.
func NewLevelDBIdempotencyStore(path string, ttl time.Duration) (*LevelDBIdempotencyStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb idempotency path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb idempotency path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb idempotency store: %w", err)
	}
	return &LevelDBIdempotencyStore{db: db, ttl: ttl, now: time.Now}, nil
}

// NewMemoryIdempotencyStore backs the store with in-memory LevelDB storage.
func NewMemoryIdempotencyStore(ttl time.Duration) (*LevelDBIdempotencyStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory idempotency store: %w", err)
	}
	return &LevelDBIdempotencyStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBIdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the stored response for key when it is still fresh.
func (s *LevelDBIdempotencyStore) Load(ctx context.Context, key string) (*IdempotentResponse, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("leveldb idempotency store not configured")
	}
	resp, ok, err := s.get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if s.ttl > 0 && s.now().Sub(resp.StoredAt) > s.ttl {
		return nil, false, nil
	}
	return resp, true, nil
}

func (s *LevelDBIdempotencyStore) get(key string) (*IdempotentResponse, bool, error) {
	raw, err := s.db.Get([]byte(responseKeyPrefix+key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("load idempotent response: %w", err)
	}
	var resp IdempotentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("decode idempotent response: %w", err)
	}
	return &resp, true, nil
}

// Save records resp under key, replacing any earlier entry.
func (s *LevelDBIdempotencyStore) Save(ctx context.Context, key string, resp IdempotentResponse) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb idempotency store not configured")
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = s.now().UTC()
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	batch := new(leveldb.Batch)
	if prev, ok, err := s.get(key); err == nil && ok {
		batch.Delete([]byte(storedKey(prev.StoredAt.UnixNano(), key)))
	}
	batch.Put([]byte(responseKeyPrefix+key), encoded)
	batch.Put([]byte(storedKey(resp.StoredAt.UnixNano(), key)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record idempotent response: %w", err)
	}
	return nil
}

// Prune deletes entries stored before cutoff and reports how many went.
func (s *LevelDBIdempotencyStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("leveldb idempotency store not configured")
	}
	cutoffKey := []byte(storedKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(storedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		key, ok := parseStoredKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(responseKeyPrefix + key))
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate idempotent responses: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("prune idempotent responses: %w", err)
		}
	}
	return removed, nil
}

// PruneExpired drops everything older than the configured TTL.
func (s *LevelDBIdempotencyStore) PruneExpired(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	return s.Prune(ctx, s.now().Add(-s.ttl))
}

func storedKey(nanos int64, key string) string {
	return fmt.Sprintf("%s%020d:%s", storedKeyPrefix, nanos, key)
}

func parseStoredKey(raw []byte) (string, bool) {
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return "", false
	}
	return parts[2], true
}
