package impersonation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/ids"
	"consoleguard.io/internal/obs"
	"consoleguard.io/internal/policy"
	"consoleguard.io/internal/ratelimit"
)

const resourceSession = "impersonation_session"

// RateChecker is the rate limiter as seen by the manager.
type RateChecker interface {
	Check(ctx context.Context, key ratelimit.Key, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Manager owns the lifecycle of every impersonation session. Status changes
// are compare-and-set on the session's snapshot pointer, so concurrent
// Authorize, End and Sweep calls never double-transition a session.
type Manager struct {
	policies  policy.Provider
	limiter   RateChecker
	startRule ratelimit.Rule
	audit     audit.Recorder
	now       func() time.Time
	retention time.Duration
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*atomic.Pointer[Session]
}

// Option configures Manager.
type Option func(*Manager) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithStartRule sets the allowance for the impersonation_start bucket.
func WithStartRule(r ratelimit.Rule) Option {
	return func(m *Manager) error {
		if r.Limit <= 0 || r.Window <= 0 {
			return fmt.Errorf("impersonation: start rule needs positive limit and window")
		}
		m.startRule = r
		return nil
	}
}

// WithRetention sets how long terminal sessions stay readable before Sweep
// drops them from memory.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) error {
		if d > 0 {
			m.retention = d
		}
		return nil
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger
		return nil
	}
}

// NewManager constructs a Manager.
func NewManager(policies policy.Provider, limiter RateChecker, rec audit.Recorder, opts ...Option) (*Manager, error) {
	if policies == nil || limiter == nil || rec == nil {
		return nil, errors.New("impersonation: policy provider, rate limiter and audit log are required")
	}
	m := &Manager{
		policies:  policies,
		limiter:   limiter,
		startRule: ratelimit.Rule{Limit: 5, Window: 15 * time.Minute},
		audit:     rec,
		now:       time.Now,
		retention: 24 * time.Hour,
		logger:    obs.Component("impersonation"),
		sessions:  make(map[string]*atomic.Pointer[Session]),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Create validates req, checks the start rate limit and policy, and returns
// an active session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	req.TenantID = strings.TrimSpace(req.TenantID)
	switch {
	case !req.Impersonator.Valid():
		return Session{}, errs.New(errs.CodeInvalidRequest, "impersonator id and role are required")
	case req.TenantID == "":
		return Session{}, errs.New(errs.CodeInvalidRequest, "target tenant is required")
	case req.Reason == "":
		return Session{}, errs.New(errs.CodeInvalidRequest, "reason is required")
	case req.Duration < 0:
		return Session{}, errs.New(errs.CodeInvalidRequest, "duration must be positive")
	}

	pol, err := m.policies.ForRole(ctx, req.Impersonator.Role)
	if err != nil {
		return Session{}, err
	}
	duration, err := pol.Duration(req.Duration)
	if err != nil {
		return Session{}, err
	}

	key := ratelimit.Key{Identifier: req.Impersonator.ID, Action: ratelimit.ActionImpersonationStart}
	rd, err := m.limiter.Check(ctx, key, m.startRule)
	if err != nil {
		return Session{}, err
	}
	if rd.Limited {
		m.record(ctx, audit.Entry{
			ActorID:     req.Impersonator.ID,
			TenantID:    req.TenantID,
			Action:      audit.EventRateLimited,
			ActionType:  audit.TypeCreate,
			Resource:    resourceSession,
			Description: "impersonation request rate limited",
			OriginIP:    req.Metadata.OriginIP,
			UserAgent:   req.Metadata.UserAgent,
			Error:       errs.ErrRateLimited.Message,
			Severity:    audit.SeverityHigh,
			Metadata:    audit.Metadata{Granted: audit.Granted(false), Count: rd.Count, Limit: m.startRule.Limit},
		})
		return Session{}, errs.Newf(errs.CodeRateLimited, "impersonation rate limit reached; retry after %s",
			rd.ResetAt.UTC().Format(time.RFC3339))
	}

	now := m.now().UTC()
	expiresAt := now.Add(duration)
	requested := &Session{
		ID:           ids.NewAt(now),
		Impersonator: req.Impersonator,
		TenantID:     req.TenantID,
		TenantName:   strings.TrimSpace(req.TenantName),
		TargetUserID: strings.TrimSpace(req.TargetUserID),
		Reason:       req.Reason,
		TicketRef:    strings.TrimSpace(req.TicketRef),
		StartedAt:    now,
		ExpiresAt:    expiresAt,
		Status:       StatusRequested,
		Permissions:  derivePermissions(pol, req.Permissions),
		Restrictions: deriveRestrictions(pol, expiresAt),
		Metadata:     req.Metadata,
	}
	ptr := &atomic.Pointer[Session]{}
	ptr.Store(requested)
	active, ok := m.transition(ptr, requested, StatusActive, "", now)
	if !ok {
		return Session{}, errs.New(errs.CodeInternal, "session activation failed")
	}

	m.mu.Lock()
	m.sessions[active.ID] = ptr
	m.mu.Unlock()
	obs.SessionsActive.Inc()

	granted := 0
	for _, p := range active.Permissions {
		if p.Allowed {
			granted++
		}
	}
	m.record(ctx, m.sessionEntry(active, audit.Entry{
		Action:      audit.EventDataAccessAttempt,
		ActionType:  audit.TypeCreate,
		Resource:    resourceSession,
		ResourceID:  active.ID,
		Description: fmt.Sprintf("impersonation started for tenant %s: %s", active.TenantID, active.Reason),
		Success:     true,
		Severity:    audit.SeverityMedium,
		Metadata: audit.Metadata{
			Granted: audit.Granted(true),
			Reason:  active.Reason,
			Count:   granted,
			Extra:   map[string]string{"event": "impersonation_started", "ticket": active.TicketRef, "expires_at": expiresAt.Format(time.RFC3339)},
		},
	}))
	m.logger.Info().Str("session_id", active.ID).Str("actor", active.Impersonator.ID).
		Str("tenant", active.TenantID).Time("expires_at", expiresAt).Msg("impersonation session started")
	return active.Clone(), nil
}

// Authorize decides whether action on resource is permitted under the
// session. It is the single point granting tenant-scoped access. Every call
// leaves exactly one data_access_attempt entry; a call that ends the session
// also leaves the terminal entry.
func (m *Manager) Authorize(ctx context.Context, sessionID, action, resource string) (Decision, error) {
	action = strings.TrimSpace(action)
	resource = strings.TrimSpace(resource)
	if action == "" || resource == "" {
		return Decision{}, errs.New(errs.CodeInvalidRequest, "action and resource are required")
	}
	dec := Decision{SessionID: sessionID, Action: action, Resource: resource, Remaining: -1}

	ptr := m.lookup(sessionID)
	if ptr == nil {
		actorID := "unknown"
		if actor, ok := auth.ActorFromContext(ctx); ok {
			actorID = actor.ID
		}
		err := errs.Newf(errs.CodeSessionNotFound, "session %q not found", sessionID)
		m.record(ctx, audit.Entry{
			SessionID:  sessionID,
			ActorID:    actorID,
			Action:     audit.EventDataAccessAttempt,
			ActionType: audit.ParseActionType(action),
			Resource:   resource,
			Error:      err.Message,
			Metadata:   audit.Metadata{Granted: audit.Granted(false), Reason: "session not found"},
		})
		dec.Reason = "session not found"
		return dec, err
	}

	for {
		s := ptr.Load()
		if s.Status != StatusActive {
			code := errs.CodeSessionInactive
			if s.Status == StatusExpired {
				code = errs.CodeSessionExpired
			}
			err := errs.Newf(code, "session %s is %s", s.ID, s.Status)
			dec.Reason = "session " + string(s.Status)
			m.recordAccess(ctx, s, action, resource, false, dec.Reason, "", err)
			return dec, err
		}

		now := m.now().UTC()
		if !now.Before(s.ExpiresAt) {
			expired, ok := m.transition(ptr, s, StatusExpired, EndExpired, now)
			if !ok {
				continue
			}
			m.recordTerminal(ctx, expired)
			dec.Reason = "session expired"
			err := errs.Newf(errs.CodeSessionExpired, "session %s expired at %s", s.ID, s.ExpiresAt.Format(time.RFC3339))
			m.recordAccess(ctx, expired, action, resource, false, dec.Reason, RestrictTimeLimit, err)
			return dec, err
		}

		allowed, reason := decide(s.Permissions, action, resource)
		var restriction RestrictionKind
		if allowed {
			allowed, reason, restriction = checkRestrictions(s, action, resource)
		}
		if !allowed {
			dec.Reason = reason
			err := errs.Newf(errs.CodePermissionDenied, "%s on %s denied: %s", action, resource, reason)
			m.recordAccess(ctx, s, action, resource, false, reason, restriction, err)
			return dec, err
		}

		limit := actionLimit(s)
		if limit >= 0 && s.ActionCount >= limit {
			terminated, ok := m.transition(ptr, s, StatusTerminated, endViolationPrefix+string(RestrictActionLimit), now)
			if !ok {
				continue
			}
			m.recordTerminal(ctx, terminated)
			dec.Reason = "action limit exceeded"
			err := errs.Newf(errs.CodePermissionDenied, "session %s exceeded its action limit of %d", s.ID, limit)
			m.recordAccess(ctx, terminated, action, resource, false, dec.Reason, RestrictActionLimit, err)
			return dec, err
		}

		next := *s
		next.ActionCount++
		if !ptr.CompareAndSwap(s, &next) {
			continue
		}
		dec.Allowed = true
		if limit >= 0 {
			dec.Remaining = limit - next.ActionCount
		}
		m.recordAccess(ctx, &next, action, resource, true, "", "", nil)
		return dec, nil
	}
}

// End closes an active session. The impersonator or a SUPER_ADMIN completes
// it; any other closer, a violation or a policy end terminates it. Ending a
// terminal session is a no-op that returns its current state.
func (m *Manager) End(ctx context.Context, sessionID string, req EndRequest) (Session, error) {
	ptr := m.lookup(sessionID)
	if ptr == nil {
		return Session{}, errs.Newf(errs.CodeSessionNotFound, "session %q not found", sessionID)
	}
	req.Violation = strings.TrimSpace(req.Violation)

	for {
		s := ptr.Load()
		if s.Status.Terminal() {
			return s.Clone(), nil
		}

		status, reason := StatusCompleted, EndCompletedByActor
		switch {
		case req.Violation != "":
			status, reason = StatusTerminated, endViolationPrefix+req.Violation
		case req.Policy:
			status, reason = StatusTerminated, EndByPolicy
		case !req.Actor.Valid():
			return Session{}, errs.New(errs.CodeInvalidRequest, "closing actor is required")
		case req.Actor.ID == s.Impersonator.ID || req.Actor.IsSuperAdmin():
		default:
			status, reason = StatusTerminated, EndByActorPrefix+req.Actor.ID
		}

		ended, ok := m.transition(ptr, s, status, reason, m.now().UTC())
		if !ok {
			continue
		}
		m.recordTerminal(ctx, ended)
		m.logger.Info().Str("session_id", ended.ID).Str("status", string(ended.Status)).
			Str("end_reason", ended.EndReason).Str("closed_by", req.Actor.ID).Msg("impersonation session ended")
		return ended.Clone(), nil
	}
}

// Sweep expires every active session whose ExpiresAt is at or before now and
// returns how many it expired. Terminal sessions older than the retention
// period are dropped; from then on their ids answer SESSION_NOT_FOUND.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	m.mu.RLock()
	ptrs := make([]*atomic.Pointer[Session], 0, len(m.sessions))
	for _, p := range m.sessions {
		ptrs = append(ptrs, p)
	}
	m.mu.RUnlock()

	expired := 0
	var stale []string
	for _, ptr := range ptrs {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		s := ptr.Load()
		switch {
		case s.Status == StatusActive && !now.Before(s.ExpiresAt):
			next, ok := m.transition(ptr, s, StatusExpired, EndExpired, now)
			if !ok {
				continue
			}
			m.recordTerminal(ctx, next)
			expired++
		case s.Status.Terminal() && s.EndedAt != nil && now.Sub(*s.EndedAt) > m.retention:
			stale = append(stale, s.ID)
		}
	}
	if len(stale) > 0 {
		m.mu.Lock()
		for _, id := range stale {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}
	if expired > 0 {
		m.logger.Info().Int("expired", expired).Msg("swept expired impersonation sessions")
	}
	return expired, nil
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx, m.now()); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Msg("session sweep failed")
			}
		}
	}
}

// Get returns a snapshot of the session.
func (m *Manager) Get(_ context.Context, sessionID string) (Session, error) {
	ptr := m.lookup(sessionID)
	if ptr == nil {
		return Session{}, errs.Newf(errs.CodeSessionNotFound, "session %q not found", sessionID)
	}
	return ptr.Load().Clone(), nil
}

// ListActive returns active sessions ordered by start time.
func (m *Manager) ListActive(_ context.Context) []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, p := range m.sessions {
		if s := p.Load(); s.Status == StatusActive {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Now exposes the manager clock so callers sweep on the same time base.
func (m *Manager) Now() time.Time { return m.now() }

func (m *Manager) lookup(id string) *atomic.Pointer[Session] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[strings.TrimSpace(id)]
}

// transition publishes from with status to, if from is still current.
func (m *Manager) transition(ptr *atomic.Pointer[Session], from *Session, to Status, reason string, now time.Time) (*Session, bool) {
	if !CanTransition(from.Status, to) {
		return nil, false
	}
	next := *from
	next.Status = to
	if to.Terminal() {
		ended := now
		next.EndedAt = &ended
		next.EndReason = reason
	}
	if !ptr.CompareAndSwap(from, &next) {
		return nil, false
	}
	if to.Terminal() {
		obs.SessionsActive.Dec()
	}
	return &next, true
}

func (m *Manager) recordAccess(ctx context.Context, s *Session, action, resource string, allowed bool, reason string, restriction RestrictionKind, err error) {
	e := audit.Entry{
		Action:      audit.EventDataAccessAttempt,
		ActionType:  audit.ParseActionType(action),
		Resource:    resource,
		Description: fmt.Sprintf("%s %s", action, resource),
		Success:     allowed,
		Metadata: audit.Metadata{
			Granted:     audit.Granted(allowed),
			Reason:      reason,
			Restriction: string(restriction),
			Count:       s.ActionCount,
		},
	}
	if err != nil {
		e.Error = errs.MessageOf(err)
	}
	m.record(ctx, m.sessionEntry(s, e))
}

func (m *Manager) recordTerminal(ctx context.Context, s *Session) {
	e := audit.Entry{
		ActionType:  audit.TypeSystem,
		Resource:    resourceSession,
		ResourceID:  s.ID,
		Success:     true,
		Description: fmt.Sprintf("session %s %s (%s)", s.ID, s.Status, s.EndReason),
		Metadata:    audit.Metadata{Reason: s.EndReason, Count: s.ActionCount},
	}
	if s.EndedAt != nil {
		e.Timestamp = *s.EndedAt
	}
	switch s.Status {
	case StatusCompleted:
		e.Action = audit.EventImpersonationEnded
		e.Severity = audit.SeverityLow
	case StatusExpired:
		e.Action = audit.EventImpersonationExpired
		e.Severity = audit.SeverityLow
	default:
		e.Action = audit.EventImpersonationTerminated
		e.Severity = audit.SeverityMedium
		if strings.HasPrefix(s.EndReason, endViolationPrefix) {
			e.Severity = audit.SeverityHigh
		}
	}
	m.record(ctx, m.sessionEntry(s, e))
}

func (m *Manager) sessionEntry(s *Session, e audit.Entry) audit.Entry {
	e.SessionID = s.ID
	e.ActorID = s.Impersonator.ID
	e.TenantID = s.TenantID
	e.OriginIP = s.Metadata.OriginIP
	e.UserAgent = s.Metadata.UserAgent
	return e
}

func (m *Manager) record(ctx context.Context, e audit.Entry) {
	if _, err := m.audit.Record(ctx, e); err != nil {
		m.logger.Error().Err(err).Str("action", e.Action).Str("session_id", e.SessionID).Msg("audit record failed")
	}
}
