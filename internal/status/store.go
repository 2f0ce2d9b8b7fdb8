package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/folio/internal/blob"
)

const (
	// DefaultPrefix is where status records live in the blob store.
	DefaultPrefix = "status"

	// DefaultUpdateAttempts bounds the compare-and-swap loop in Update.
	DefaultUpdateAttempts = 5

	// DefaultRetryDelay is multiplied by the attempt number between CAS attempts.
	DefaultRetryDelay = 50 * time.Millisecond
)

// ErrConcurrencyConflict is returned when Update loses every CAS attempt.
// Callers may treat it as transient and retry the whole operation.
var ErrConcurrencyConflict = errors.New("status update conflict")

var errCorruptRecord = errors.New("corrupt status record")

// Store reads and writes job status records with optimistic concurrency.
type Store struct {
	blobs      blob.Store
	prefix     string
	attempts   uint
	retryDelay time.Duration
	timer      retry.Timer
	logger     *slog.Logger
	now        func() time.Time
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Blobs  blob.Store
	Logger *slog.Logger

	// Prefix for record paths (default "status")
	Prefix string

	// MaxAttempts for the CAS loop in Update (default 5)
	MaxAttempts int

	// RetryDelay between CAS attempts, multiplied by the attempt number (default 50ms)
	RetryDelay time.Duration

	// Timer overrides how retry delays are waited out (tests)
	Timer retry.Timer
}

// NewStore creates a Store over a blob store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("status store requires a blob store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		blobs:      cfg.Blobs,
		prefix:     cfg.Prefix,
		attempts:   uint(cfg.MaxAttempts),
		retryDelay: cfg.RetryDelay,
		timer:      cfg.Timer,
		logger:     logger.With("component", "status_store"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.attempts == 0 {
		s.attempts = DefaultUpdateAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	return s, nil
}

// Path returns the blob path of the record for key.
func (s *Store) Path(key string) string {
	return blob.Join(s.prefix, key+".json")
}

// Init writes a fresh record for key, overwriting any existing one.
func (s *Store) Init(ctx context.Context, key string, totalUnits, chunkSize, concurrency int) (*Record, error) {
	rec := s.fresh(key, totalUnits, chunkSize, concurrency)
	v, err := s.write(ctx, rec, blob.Condition{})
	if err != nil {
		return nil, err
	}
	rec.Version = v
	return rec, nil
}

// Ensure returns the existing record for key, creating a fresh one if absent.
// Unlike Init it never overwrites progress written by a concurrent caller.
func (s *Store) Ensure(ctx context.Context, key string, totalUnits, chunkSize, concurrency int) (*Record, bool, error) {
	rec := s.fresh(key, totalUnits, chunkSize, concurrency)
	v, err := s.write(ctx, rec, blob.IfAbsent())
	if err == nil {
		rec.Version = v
		return rec, true, nil
	}
	if !errors.Is(err, blob.ErrConflict) {
		return nil, false, err
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("status record %s vanished during creation", key)
	}
	return existing, false, nil
}

// Get returns the record for key, or nil if none exists.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	data, v, err := s.blobs.Read(ctx, s.Path(key))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorruptRecord, key, err)
	}
	rec.Version = v
	return &rec, nil
}

// Update applies transitions to the record for key with compare-and-swap.
//
// On a version conflict the whole read-modify-write is retried with a linearly
// increasing delay. Returns nil if the record does not exist. A transition that
// violates the state machine fails immediately with ErrInvalidTransition.
func (s *Store) Update(ctx context.Context, key string, ts ...Transition) (*Record, error) {
	var (
		out      *Record
		attempt  int
		conflict bool
	)

	err := retry.Do(
		func() error {
			attempt++
			conflict = false

			rec, err := s.Get(ctx, key)
			if err != nil {
				return err
			}
			if rec == nil {
				out = nil
				return nil
			}

			next := rec.clone()
			for _, t := range ts {
				if err := t.apply(next); err != nil {
					return fmt.Errorf("%s on %s: %w", t, key, err)
				}
			}
			next.UpdatedAt = s.now()

			v, err := s.write(ctx, next, blob.IfMatch(rec.Version))
			if err != nil {
				if errors.Is(err, blob.ErrConflict) {
					conflict = true
					s.logger.Debug("status update conflict, retrying",
						"job_key", key, "attempt", attempt)
				}
				return err
			}
			next.Version = v
			out = next
			return nil
		},
		s.retryOptions(ctx, &attempt)...,
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if conflict {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrConcurrencyConflict, key, attempt)
		}
		return nil, err
	}
	return out, nil
}

// Delete removes the record for key. Used by recovery tooling only.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.blobs.Delete(ctx, s.Path(key)); err != nil {
		return fmt.Errorf("failed to delete status %s: %w", key, err)
	}
	return nil
}

func (s *Store) retryOptions(ctx context.Context, attempt *int) []retry.Option {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return s.retryDelay * time.Duration(*attempt)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrInvalidTransition) &&
				!errors.Is(err, errCorruptRecord) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}),
	}
	if s.timer != nil {
		opts = append(opts, retry.WithTimer(s.timer))
	}
	return opts
}

func (s *Store) fresh(key string, totalUnits, chunkSize, concurrency int) *Record {
	now := s.now()
	return &Record{
		JobKey:           key,
		Status:           StatusPending,
		TotalUnits:       totalUnits,
		UnitChunkSize:    chunkSize,
		ConcurrencyLimit: concurrency,
		CompletedChunks:  []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (s *Store) write(ctx context.Context, rec *Record, cond blob.Condition) (blob.Version, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status %s: %w", rec.JobKey, err)
	}
	v, err := s.blobs.Write(ctx, s.Path(rec.JobKey), data, cond)
	if err != nil {
		return "", fmt.Errorf("failed to write status %s: %w", rec.JobKey, err)
	}
	return v, nil
}
