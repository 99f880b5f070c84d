// Package sequence hands out gap-tolerant, strictly increasing document numbers per tenant and
// series. Numbers are prefix plus a zero padded counter, for example SRV-00001.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/shared"
)

const (
	// DefaultMaxAttempts bounds the collision retry loop.
	DefaultMaxAttempts = 50
	// Width is the zero padded width of the counter.
	Width = 5
)

// ErrInvalidPrefix rejects series prefixes that cannot be stored.
var ErrInvalidPrefix = errors.New("sequence: prefix must not be empty")

// InsertFunc persists the owning document under number. It must return an error wrapping
// ledger.ErrDuplicateNumber when the number is already taken.
type InsertFunc func(ctx context.Context, number string) error

// Recorder receives allocation anomalies.
type Recorder interface {
	ObserveCollision(series string)
	ObserveExhausted(series string)
}

// Allocator serializes allocation per (tenant, series) with the store's advisory lock and
// recovers from unique violations by retrying inside savepoints.
type Allocator struct {
	maxAttempts int
	logger      *slog.Logger
	recorder    Recorder
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMaxAttempts overrides DefaultMaxAttempts. Values below one are ignored.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Allocator) { a.recorder = r }
}

// NewAllocator constructs an Allocator.
func NewAllocator(logger *slog.Logger, opts ...Option) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{maxAttempts: DefaultMaxAttempts, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate picks the next number for prefix and persists it through insert, all inside tx.
// Work done in tx before the call survives collisions; only the failed insert is undone.
func (a *Allocator) Allocate(ctx context.Context, tx ledger.SequenceTx, tenantID int64, prefix string, insert InsertFunc) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		return "", ErrInvalidPrefix
	}
	if err := tx.LockSeries(ctx, tenantID, prefix); err != nil {
		return "", err
	}
	last, err := tx.LastNumber(ctx, tenantID, prefix)
	if err != nil {
		return "", err
	}
	next, err := Parse(prefix, last)
	if err != nil {
		return "", err
	}
	next++

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		number := Format(prefix, next)
		err := tx.Savepoint(ctx, func(ctx context.Context) error {
			return insert(ctx, number)
		})
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, ledger.ErrDuplicateNumber) {
			return "", err
		}
		a.logger.WarnContext(ctx, "document number collision",
			slog.Int64("tenant_id", tenantID),
			slog.String("series", prefix),
			slog.String("number", number),
			slog.Int("attempt", attempt))
		if a.recorder != nil {
			a.recorder.ObserveCollision(prefix)
		}
		next++
	}

	a.logger.ErrorContext(ctx, "document number allocation exhausted",
		slog.Int64("tenant_id", tenantID),
		slog.String("series", prefix),
		slog.Int("attempts", a.maxAttempts))
	if a.recorder != nil {
		a.recorder.ObserveExhausted(prefix)
	}
	return "", fmt.Errorf("sequence: %s for tenant %d after %d attempts: %w",
		prefix, tenantID, a.maxAttempts, shared.ErrAllocationExhausted)
}

// Format renders prefix followed by n padded to Width digits. Wider counters are kept whole.
func Format(prefix string, n int64) string {
	return fmt.Sprintf("%s%0*d", prefix, Width, n)
}

// Parse extracts the counter from number. An empty number parses as zero.
func Parse(prefix, number string) (int64, error) {
	if number == "" {
		return 0, nil
	}
	digits, ok := strings.CutPrefix(number, prefix)
	if !ok {
		return 0, fmt.Errorf("sequence: number %q does not carry prefix %q", number, prefix)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("sequence: number %q has no numeric suffix", number)
	}
	return n, nil
}
