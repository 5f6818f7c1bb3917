// Package ratelimit counts sensitive actions per identity in fixed windows.
//
// The local window is a fast path. When an Authority is configured it has the
// final word: a local rejection never reaches it, a local approval still does.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/obs"
)

// Well-known actions.
const (
	ActionImpersonationStart = "impersonation_start"
	ActionGuarded            = "guarded_action"
)

// Key identifies a counting window.
type Key struct {
	Identifier string
	Action     string
}

func (k Key) String() string { return k.Identifier + "/" + k.Action }

// Rule is the allowance for a key: Limit calls per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) validate() error {
	if r.Limit <= 0 || r.Window <= 0 {
		return errs.Newf(errs.CodeInvalidRequest, "rate rule needs positive limit and window, got %d/%s", r.Limit, r.Window)
	}
	return nil
}

// Decision is the outcome of a Check.
type Decision struct {
	Limited   bool      `json:"limited"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Authoritative is set when an Authority confirmed or overrode the local decision.
	Authoritative bool `json:"authoritative"`
}

// RetryAfter is how long until the window resets, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Authority is the external store that makes the binding decision.
type Authority interface {
	Allow(ctx context.Context, key Key, rule Rule) (bool, error)
}

// Stats summarizes limiter state.
type Stats struct {
	ActiveBuckets int  `json:"active_buckets"`
	Authoritative bool `json:"authoritative"`
}

// Limiter combines the local window with an optional Authority.
type Limiter struct {
	store     *BucketStore
	authority Authority
	rules     map[string]Rule
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures Limiter.
type Option func(*Limiter) error

// WithAuthority sets the authoritative collaborator.
func WithAuthority(a Authority) Option {
	return func(l *Limiter) error {
		l.authority = a
		return nil
	}
}

// WithRule registers the default rule for action, used by CheckAction.
func WithRule(action string, r Rule) Option {
	return func(l *Limiter) error {
		if err := r.validate(); err != nil {
			return err
		}
		l.rules[strings.TrimSpace(action)] = r
		return nil
	}
}

// WithAuthorityTimeout bounds each Authority call.
func WithAuthorityTimeout(d time.Duration) Option {
	return func(l *Limiter) error {
		if d > 0 {
			l.timeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) error {
		if fn != nil {
			l.now = fn
		}
		return nil
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) error {
		l.logger = logger
		return nil
	}
}

// New constructs a Limiter over store. A nil store gets a fresh one.
func New(store *BucketStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		store = NewBucketStore()
	}
	l := &Limiter{
		store:   store,
		rules:   make(map[string]Rule),
		timeout: 2 * time.Second,
		now:     time.Now,
		logger:  obs.Component("ratelimit"),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.authority == nil {
		l.logger.Warn().Msg("no rate limit authority configured; decisions are local-only")
	}
	return l, nil
}

// Check counts one call for key under rule.
func (l *Limiter) Check(ctx context.Context, key Key, rule Rule) (Decision, error) {
	key.Identifier = strings.TrimSpace(key.Identifier)
	key.Action = strings.TrimSpace(key.Action)
	if key.Identifier == "" || key.Action == "" {
		return Decision{}, errs.New(errs.CodeInvalidRequest, "rate limit key needs identifier and action")
	}
	if err := rule.validate(); err != nil {
		return Decision{}, err
	}

	d := l.store.take(key, rule, l.now())
	if d.Limited {
		obs.RateLimitDecisions.WithLabelValues(key.Action, "limited_local").Inc()
		return d, nil
	}
	if l.authority == nil {
		obs.RateLimitDecisions.WithLabelValues(key.Action, "allowed").Inc()
		return d, nil
	}

	actx, cancel := context.WithTimeout(ctx, l.timeout)
	allowed, err := l.authority.Allow(actx, key, rule)
	cancel()
	if err != nil {
		l.store.refund(key, d.ResetAt)
		obs.RateLimitDecisions.WithLabelValues(key.Action, "authority_error").Inc()
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("rate limit authority failed; slot refunded")
		return Decision{}, errs.Wrap(errs.CodeSinkUnavailable, "rate limit authority", err)
	}
	d.Authoritative = true
	if !allowed {
		d.Limited = true
		d.Remaining = 0
		obs.RateLimitDecisions.WithLabelValues(key.Action, "limited_authority").Inc()
		return d, nil
	}
	obs.RateLimitDecisions.WithLabelValues(key.Action, "allowed").Inc()
	return d, nil
}

// CheckAction is Check with the rule registered for action.
func (l *Limiter) CheckAction(ctx context.Context, identifier, action string) (Decision, error) {
	rule, ok := l.RuleFor(action)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: no rule registered for %q", action)
	}
	return l.Check(ctx, Key{Identifier: identifier, Action: action}, rule)
}

// RuleFor returns the registered rule for action.
func (l *Limiter) RuleFor(action string) (Rule, bool) {
	r, ok := l.rules[strings.TrimSpace(action)]
	return r, ok
}

// Now exposes the limiter clock so callers compute Retry-After consistently.
func (l *Limiter) Now() time.Time { return l.now() }

// Stats returns current statistics.
func (l *Limiter) Stats() Stats {
	return Stats{ActiveBuckets: l.store.Len(), Authoritative: l.authority != nil}
}

// Clear resets all buckets. Test isolation only.
func (l *Limiter) Clear() { l.store.Clear() }

// Run drops elapsed windows on every tick until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.store.Sweep(l.now()); n > 0 {
				l.logger.Debug().Int("removed", n).Msg("swept elapsed rate windows")
			}
		}
	}
}
