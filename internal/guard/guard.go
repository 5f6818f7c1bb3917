// Package guard is the single entry point for actions taken under an
// impersonation session.
package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/impersonation"
	"consoleguard.io/internal/obs"
	"consoleguard.io/internal/ratelimit"
)

// Authorizer decides actions under a session and audits each decision.
type Authorizer interface {
	Authorize(ctx context.Context, sessionID, action, resource string) (impersonation.Decision, error)
}

// TokenMatcher checks a presented CSRF token without auditing.
type TokenMatcher interface {
	Match(ctx context.Context, contextKey, presented string) (bool, string)
}

// ActionLimiter counts calls against the rule registered for an action.
type ActionLimiter interface {
	CheckAction(ctx context.Context, identifier, action string) (ratelimit.Decision, error)
}

// Request is one guarded action.
type Request struct {
	SessionID  string
	ActorID    string
	TenantID   string
	Action     string
	Resource   string
	ContextKey string
	CSRFToken  string
	Mutating   bool
	OriginIP   string
	UserAgent  string
}

// Guard chains the CSRF check, the per-actor rate limit and session
// authorization. Each Check produces exactly one audit entry.
type Guard struct {
	sessions Authorizer
	tokens   TokenMatcher
	limiter  ActionLimiter
	audit    audit.Recorder
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures Guard.
type Option func(*Guard)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// New wires a Guard. tokens may be nil when no request is ever mutating.
func New(sessions Authorizer, tokens TokenMatcher, limiter ActionLimiter, rec audit.Recorder, opts ...Option) (*Guard, error) {
	if sessions == nil || limiter == nil || rec == nil {
		return nil, errors.New("guard: authorizer, limiter and audit log are required")
	}
	g := &Guard{
		sessions: sessions,
		tokens:   tokens,
		limiter:  limiter,
		audit:    rec,
		now:      time.Now,
		logger:   obs.Component("guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Check runs req through the guard chain.
func (g *Guard) Check(ctx context.Context, req Request) (impersonation.Decision, error) {
	req.Action = strings.TrimSpace(req.Action)
	req.Resource = strings.TrimSpace(req.Resource)
	req.ActorID = strings.TrimSpace(req.ActorID)
	dec := impersonation.Decision{SessionID: req.SessionID, Action: req.Action, Resource: req.Resource, Remaining: -1}
	if req.SessionID == "" || req.ActorID == "" || req.Action == "" || req.Resource == "" {
		return dec, errs.New(errs.CodeInvalidRequest, "session, actor, action and resource are required")
	}

	if req.Mutating {
		ok, reason := false, "csrf validation unavailable"
		if g.tokens != nil {
			ok, reason = g.tokens.Match(ctx, req.ContextKey, req.CSRFToken)
		}
		if !ok {
			dec.Reason = reason
			g.deny(ctx, req, "csrf_rejected", reason, audit.Metadata{})
			return dec, errs.Newf(errs.CodeCSRFInvalid, "csrf token rejected: %s", reason)
		}
	}

	rd, err := g.limiter.CheckAction(ctx, req.ActorID, ratelimit.ActionGuarded)
	if err != nil {
		obs.GuardDecisions.WithLabelValues("error").Inc()
		g.logger.Error().Err(err).Str("actor", req.ActorID).Msg("guard rate check failed")
		return dec, err
	}
	if rd.Limited {
		dec.Reason = "rate limited"
		g.deny(ctx, req, "rate_limited", dec.Reason, audit.Metadata{Count: rd.Count})
		return dec, errs.Newf(errs.CodeRateLimited, "too many guarded actions; retry after %s",
			rd.RetryAfter(g.now()).Round(time.Second))
	}

	dec, err = g.sessions.Authorize(ctx, req.SessionID, req.Action, req.Resource)
	switch {
	case err == nil:
		obs.GuardDecisions.WithLabelValues("allowed").Inc()
	case errors.Is(err, errs.ErrSessionExpired):
		obs.GuardDecisions.WithLabelValues("expired").Inc()
	default:
		obs.GuardDecisions.WithLabelValues("denied").Inc()
	}
	return dec, err
}

func (g *Guard) deny(ctx context.Context, req Request, outcome, reason string, md audit.Metadata) {
	obs.GuardDecisions.WithLabelValues(outcome).Inc()
	md.Granted = audit.Granted(false)
	md.Reason = reason
	e := audit.Entry{
		SessionID:   req.SessionID,
		ActorID:     req.ActorID,
		TenantID:    req.TenantID,
		Action:      audit.EventGuardDenied,
		ActionType:  audit.ParseActionType(req.Action),
		Resource:    req.Resource,
		Description: outcome,
		OriginIP:    req.OriginIP,
		UserAgent:   req.UserAgent,
		Error:       reason,
		Severity:    audit.SeverityHigh,
		Metadata:    md,
	}
	if _, err := g.audit.Record(ctx, e); err != nil {
		g.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("audit record failed")
	}
}
