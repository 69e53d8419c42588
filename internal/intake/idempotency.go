package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/grantflow/model"
)

// Receipt is what a replayed submission gets back.
type Receipt struct {
	RequestID   string `json:"request_id"`
	WorkflowRef string `json:"workflow_ref"`
}

// IdempotencyStore remembers accepted submissions by client key.
type IdempotencyStore interface {
	// Check looks up a previous receipt. A key reused with a different input
	// hash returns CONFLICT.
	Check(ctx context.Context, key, inputHash string) (*Receipt, bool, error)

	// Store saves a receipt for ttl.
	Store(ctx context.Context, key, inputHash string, receipt Receipt, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string  `json:"input_hash"`
	Receipt   Receipt `json:"receipt"`
}

// FormatIdempotencyKey namespaces a client-supplied key.
func FormatIdempotencyKey(key string) string {
	return "idem:requests:" + key
}

// HashFields fingerprints normalized request fields.
func HashFields(f model.RequestFields) string {
	data, _ := json.Marshal(f)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func keyReused(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for tests and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached receipt, dropping it if expired.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, keyReused(key)
	}
	receipt := entry.data.Receipt
	return &receipt, true, nil
}

// Store saves a receipt with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, receipt Receipt, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Receipt: receipt},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore. Expiry is left
// to Redis.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached receipt in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*Receipt, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, keyReused(key)
	}
	return &entry.Receipt, true, nil
}

// Store saves a receipt in Redis with TTL. An existing entry is kept, so the
// first submission under a key wins.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, receipt Receipt, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Receipt: receipt})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
