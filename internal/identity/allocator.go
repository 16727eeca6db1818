package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/retry"
)

var (
	ErrAllocationExhausted = errors.New("record identifier allocation exhausted")
	ErrInvalidScope        = errors.New("invalid clinic scope")

	errCollision = errors.New("record identifier collision")
)

// ExistenceProber answers whether an identifier has ever been assigned.
// Implementations must include retired (deleted) records.
type ExistenceProber interface {
	RecordIdentifierExists(ctx context.Context, id string) (bool, error)
}

type Options struct {
	MaxAttempts     int
	BackoffStep     time.Duration
	SuffixLength    int
	MaxSuffixLength int
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:     8,
		BackoffStep:     20 * time.Millisecond,
		SuffixLength:    4,
		MaxSuffixLength: 8,
	}
}

type Allocator struct {
	opts    Options
	clock   func() time.Time
	randInt func(n int) int
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Allocator)

// WithClock replaces the clock used to refresh the time suffix on retries.
func WithClock(clock func() time.Time) Option {
	return func(a *Allocator) { a.clock = clock }
}

// WithRand replaces the random source. randInt must be safe for concurrent use.
func WithRand(randInt func(n int) int) Option {
	return func(a *Allocator) { a.randInt = randInt }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

func NewAllocator(opts Options, log *zap.Logger, options ...Option) *Allocator {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.SuffixLength <= 0 {
		opts.SuffixLength = def.SuffixLength
	}
	if opts.MaxSuffixLength < opts.SuffixLength {
		opts.MaxSuffixLength = opts.SuffixLength
	}
	if log == nil {
		log = zap.NewNop()
	}

	a := &Allocator{
		opts:    opts,
		clock:   time.Now,
		randInt: rand.IntN,
		log:     log,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// Allocate returns a record identifier for scope that no committed record held
// at probe time. Attempt n widens the random suffix by n-1 characters and,
// from the second attempt on, takes a fresh time suffix from the clock.
// The storage unique constraint stays the final authority: callers must treat
// a unique violation at insert as a collision and retry.
func (a *Allocator) Allocate(ctx context.Context, store ExistenceProber, scope string, now time.Time) (RecordIdentifier, error) {
	scope, err := NormalizeScope(scope)
	if err != nil {
		return "", err
	}

	var allocated RecordIdentifier
	policy := retry.Policy{MaxAttempts: a.opts.MaxAttempts, Step: a.opts.BackoffStep}

	err = retry.Do(ctx, policy, isCollision, func(ctx context.Context, attempt int) error {
		at := now
		if attempt > 1 {
			at = a.clock()
		}
		candidate := compose(scope, at, a.randomSuffix(a.suffixLength(attempt)))

		exists, err := store.RecordIdentifierExists(ctx, string(candidate))
		if err != nil {
			return fmt.Errorf("probe record identifier: %w", err)
		}
		if exists {
			a.metrics.IdentifierCollision()
			a.log.Debug("record identifier collision",
				zap.String("candidate", string(candidate)),
				zap.Int("attempt", attempt))
			return errCollision
		}

		allocated = candidate
		a.metrics.IdentifierAllocated(attempt)
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrAttemptsExhausted) {
			a.metrics.IdentifierExhausted()
			a.log.Warn("record identifier allocation exhausted",
				zap.String("scope", scope),
				zap.Int("max_attempts", a.opts.MaxAttempts))
			return "", fmt.Errorf("%w: scope %q", ErrAllocationExhausted, scope)
		}
		return "", err
	}

	return allocated, nil
}

func (a *Allocator) suffixLength(attempt int) int {
	n := a.opts.SuffixLength + attempt - 1
	if n > a.opts.MaxSuffixLength {
		n = a.opts.MaxSuffixLength
	}
	return n
}

func (a *Allocator) randomSuffix(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[a.randInt(len(alphabet))])
	}
	return b.String()
}

func isCollision(err error) bool {
	return errors.Is(err, errCollision)
}
