package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long a stored response stays replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

var (
	// ErrIdempotencyMismatch indicates a key reused with a different request.
	ErrIdempotencyMismatch = fmt.Errorf("idempotency key reused with a different request: %w", ErrStateConflict)
	// ErrIdempotencyInProgress indicates the first request with the key has not finished.
	ErrIdempotencyInProgress = fmt.Errorf("idempotent request still in progress: %w", ErrStateConflict)
)

// IdempotentResponse is a stored response. Pending marks a request still being served.
type IdempotentResponse struct {
	Fingerprint string `json:"fingerprint"`
	Pending     bool   `json:"pending"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// IdempotencyStore keeps Idempotency-Key responses in redis.
type IdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(client redis.Cmdable, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idempotencyKey(tenantID int64, key string) string {
	return fmt.Sprintf("idem:%d:%s", tenantID, key)
}

// Begin claims key for a request with the given fingerprint. A nil response means the caller
// owns the key and must Complete or Release it; otherwise the stored response is returned.
func (s *IdempotencyStore) Begin(ctx context.Context, tenantID int64, key, fingerprint string) (*IdempotentResponse, error) {
	if s == nil {
		return nil, errors.New("idempotency store not initialised")
	}
	if key == "" {
		return nil, errors.New("idempotency key required")
	}
	pending, err := json.Marshal(IdempotentResponse{Fingerprint: fingerprint, Pending: true})
	if err != nil {
		return nil, err
	}
	rkey := idempotencyKey(tenantID, key)
	claimed, err := s.client.SetNX(ctx, rkey, pending, s.ttl).Result()
	if err != nil {
		return nil, Storage("idempotency claim", err)
	}
	if claimed {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.Begin(ctx, tenantID, key, fingerprint)
	}
	if err != nil {
		return nil, Storage("idempotency lookup", err)
	}
	var existing IdempotentResponse
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, Storage("idempotency decode", err)
	}
	if existing.Fingerprint != fingerprint {
		return nil, ErrIdempotencyMismatch
	}
	if existing.Pending {
		return nil, ErrIdempotencyInProgress
	}
	return &existing, nil
}

// Complete stores the final response for key.
func (s *IdempotencyStore) Complete(ctx context.Context, tenantID int64, key string, resp IdempotentResponse) error {
	resp.Pending = false
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, idempotencyKey(tenantID, key), raw, s.ttl).Err(); err != nil {
		return Storage("idempotency complete", err)
	}
	return nil
}

// Release drops key so the request can be retried, typically after a failed attempt.
func (s *IdempotencyStore) Release(ctx context.Context, tenantID int64, key string) error {
	if err := s.client.Del(ctx, idempotencyKey(tenantID, key)).Err(); err != nil {
		return Storage("idempotency release", err)
	}
	return nil
}
