package telegram

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/logger"
)

// Policy decides what a governed call does when its operation is cooling down.
type Policy int

// Policy constants.
const (
	// PolicyWait sleeps until the cooldown expires (and once more after a
	// flood-wait reply) before calling.
	PolicyWait Policy = iota
	// PolicyFailFast returns *RateLimitedError immediately.
	PolicyFailFast
)

// GovernorOptions tunes a Governor.
type GovernorOptions struct {
	// RPS paces all calls; 0 disables pacing.
	RPS   float64
	Burst int
	// MaxTransientRetries bounds the exponential backoff on ErrTransient.
	MaxTransientRetries int
	// BackoffInitial is the first transient retry delay.
	BackoffInitial time.Duration
	Clock          clock.Clock
	Log            *logger.Logger
}

// Governor tracks per-operation cooldowns and turns flood-wait replies into
// scheduled delays. It is safe for concurrent use; one instance is shared by
// every worker talking to the same account.
type Governor struct {
	limiter *rate.Limiter
	clock   clock.Clock
	log     *logger.Logger

	maxRetries     int
	backoffInitial time.Duration

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewGovernor creates a governor.
func NewGovernor(opts GovernorOptions) *Governor {
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.MaxTransientRetries < 0 {
		opts.MaxTransientRetries = 0
	}

	return &Governor{
		limiter:        rate.NewLimiter(limit, burst),
		clock:          opts.Clock,
		log:            logger.OrNop(opts.Log),
		maxRetries:     opts.MaxTransientRetries,
		backoffInitial: opts.BackoffInitial,
		cooldowns:      make(map[string]time.Time),
	}
}

// DefaultGovernor returns a governor with conservative settings.
func DefaultGovernor() *Governor {
	return NewGovernor(GovernorOptions{RPS: 2.0, Burst: 1, MaxTransientRetries: 3})
}

// CooldownUntil returns the active cooldown of op, or the zero time. An
// elapsed cooldown is cleared.
func (g *Governor) CooldownUntil(op string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.cooldowns[op]
	if !ok {
		return time.Time{}
	}
	if !g.clock.Now().Before(until) {
		delete(g.cooldowns, op)
		return time.Time{}
	}
	return until
}

// SetCooldown records a flood wait for op. A shorter wait never shortens an
// existing cooldown.
func (g *Governor) SetCooldown(op string, wait time.Duration) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.clock.Now().Add(wait)
	if cur, ok := g.cooldowns[op]; ok && cur.After(until) {
		return cur
	}
	g.cooldowns[op] = until
	return until
}

// admit applies the cooldown policy and the pacing limiter.
func (g *Governor) admit(ctx context.Context, op string, policy Policy) error {
	if until := g.CooldownUntil(op); !until.IsZero() {
		remaining := until.Sub(g.clock.Now())
		if policy == PolicyFailFast {
			return &RateLimitedError{Op: op, RetryAfter: remaining}
		}
		g.log.Debug().Str("op", op).Dur("wait", remaining).Msg("telegram: waiting for cooldown")
		if err := g.clock.Sleep(ctx, remaining); err != nil {
			return err
		}
	}
	return g.limiter.Wait(ctx)
}

// call invokes fn, retrying ErrTransient with exponential backoff.
func call[T any](ctx context.Context, g *Governor, op string, fn func(context.Context) (T, error)) (T, error) {
	var res T
	if g.maxRetries == 0 {
		return fn(ctx)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.backoffInitial
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.maxRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		var err error
		res, err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, d time.Duration) {
		g.log.Warn().Err(err).Str("op", op).Dur("retry_in", d).Msg("telegram: transient error, retrying")
	})

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}

// Do runs fn under the governor's discipline for op:
//   - an active cooldown waits (PolicyWait) or fails fast (PolicyFailFast);
//   - a flood-wait reply sets the cooldown to now+wait, then either sleeps and
//     retries once or returns *RateLimitedError;
//   - transient errors are retried with backoff; other errors pass through.
func Do[T any](ctx context.Context, g *Governor, op string, policy Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.admit(ctx, op, policy); err != nil {
		return zero, err
	}

	res, err := call(ctx, g, op, fn)
	rl, limited := AsRateLimited(err)
	if !limited {
		return res, err
	}

	g.SetCooldown(op, rl.RetryAfter)
	g.log.Warn().
		Str("op", op).
		Int("wait_seconds", int(rl.RetryAfter/time.Second)).
		Msg("telegram: FLOOD_WAIT detected, cooldown set")

	if policy == PolicyFailFast {
		return zero, &RateLimitedError{Op: op, RetryAfter: rl.RetryAfter}
	}

	if err := g.admit(ctx, op, PolicyWait); err != nil {
		return zero, err
	}
	res, err = call(ctx, g, op, fn)
	if rl, again := AsRateLimited(err); again {
		g.SetCooldown(op, rl.RetryAfter)
		return zero, &RateLimitedError{Op: op, RetryAfter: rl.RetryAfter}
	}
	return res, err
}

// Exec is Do for calls without a result.
func (g *Governor) Exec(ctx context.Context, op string, policy Policy, fn func(context.Context) error) error {
	_, err := Do(ctx, g, op, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
