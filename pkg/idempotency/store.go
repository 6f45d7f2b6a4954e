package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/swiftride/dispatch/pkg/logger"
	redisClient "github.com/swiftride/dispatch/pkg/redis"
	"go.uber.org/zap"
)

// KeyHeader is the HTTP header carrying the idempotency key.
const KeyHeader = "Idempotency-Key"

const keyPrefix = "idempotency:"

// Outcome classifies a key lookup.
type Outcome int

const (
	// OutcomeNew means the key has not been seen; the caller proceeds.
	OutcomeNew Outcome = iota
	// OutcomeReplay means the key was seen with the same request; the
	// cached response must be returned without re-executing.
	OutcomeReplay
	// OutcomeConflict means the key was seen with a different request.
	OutcomeConflict
)

// Entry is the cached response stored under an idempotency key. StatusCode
// records the original response status; replays are always served as 200.
type Entry struct {
	StatusCode  int               `json:"statusCode"`
	Headers     map[string]string `json:"headers"`
	Body        json.RawMessage   `json:"body"`
	RequestHash string            `json:"requestHash"`
}

// Store arbitrates idempotency keys against Redis.
type Store struct {
	redis redisClient.ClientInterface
	ttl   time.Duration
}

// NewStore creates a store. Entries expire after ttl (24h by default).
func NewStore(redis redisClient.ClientInterface, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{redis: redis, ttl: ttl}
}

// Check classifies the key as new, replay or conflict. The entry is only
// returned for replays.
func (s *Store) Check(ctx context.Context, key, requestHash string) (*Entry, Outcome, error) {
	cached, err := s.redis.GetString(ctx, keyPrefix+key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, OutcomeNew, nil
		}
		return nil, OutcomeNew, fmt.Errorf("idempotency lookup: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		// A corrupt entry must not block the request forever; treat as new.
		logger.WarnContext(ctx, "corrupt idempotency entry, ignoring",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, OutcomeNew, nil
	}

	if entry.RequestHash != requestHash {
		return nil, OutcomeConflict, nil
	}

	return &entry, OutcomeReplay, nil
}

// Save stores the response under the key, write-once. If another request
// raced us to the key the first write wins and Save reports success.
func (s *Store) Save(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if _, err := s.redis.SetNX(ctx, keyPrefix+key, data, s.ttl); err != nil {
		return fmt.Errorf("save idempotency entry: %w", err)
	}
	return nil
}

// HashRequest fingerprints a request so a reused key with a different
// payload can be rejected.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
