package impersonation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/policy"
	"consoleguard.io/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock   *fakeClock
	sink    *audit.MemorySink
	log     *audit.Log
	limiter *ratelimit.Limiter
	mgr     *Manager
}

func newFixture(t *testing.T, policies map[auth.Role]policy.Policy, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		sink:  audit.NewMemorySink(),
	}
	var err error
	f.log, err = audit.NewLog(f.sink, audit.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.limiter, err = ratelimit.New(ratelimit.NewBucketStore(), ratelimit.WithClock(f.clock.Now))
	require.NoError(t, err)
	provider, err := policy.NewStatic(policies)
	require.NoError(t, err)
	f.mgr, err = NewManager(provider, f.limiter, f.log, append([]Option{WithClock(f.clock.Now)}, opts...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) entries(t *testing.T, sessionID string) []audit.Entry {
	t.Helper()
	out, err := audit.Collect(f.log.Query(context.Background(), audit.Filter{SessionID: sessionID}), 0)
	require.NoError(t, err)
	return out
}

var admin = auth.Actor{ID: "op-7", Name: "Dana", Role: auth.RoleAdmin}

func TestAdminSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, CreateRequest{
		Impersonator: admin,
		TenantID:     "t-100",
		Reason:       "support ticket #42",
		Duration:     30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, s.StartedAt.Add(30*time.Minute), s.ExpiresAt)
	assert.Contains(t, s.Permissions, Permission{Action: "delete", Resource: "billing", Reason: "denied by policy"})

	_, err = f.mgr.Authorize(ctx, s.ID, "delete", "billing")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)

	dec, err := f.mgr.Authorize(ctx, s.ID, "view", "orders")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 499, dec.Remaining)

	f.clock.Advance(31 * time.Minute)
	n, err := f.mgr.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, EndExpired, got.EndReason)

	_, err = f.mgr.Authorize(ctx, s.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionExpired)

	entries := f.entries(t, s.ID)
	require.Len(t, entries, 5)
	assert.Equal(t, audit.EventDataAccessAttempt, entries[0].Action)
	assert.True(t, entries[0].Success)

	denied := entries[1]
	assert.False(t, denied.Success)
	assert.Equal(t, audit.TypeDelete, denied.ActionType)
	require.NotNil(t, denied.Metadata.Granted)
	assert.False(t, *denied.Metadata.Granted)
	assert.Equal(t, "denied by policy", denied.Metadata.Reason)

	assert.True(t, entries[2].Success)
	assert.Equal(t, audit.EventImpersonationExpired, entries[3].Action)
	assert.False(t, entries[4].Success)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := map[string]CreateRequest{
		"no actor":  {TenantID: "t", Reason: "r"},
		"no tenant": {Impersonator: admin, Reason: "r"},
		"no reason": {Impersonator: admin, TenantID: "t", Reason: "   "},
		"negative":  {Impersonator: admin, TenantID: "t", Reason: "r", Duration: -time.Minute},
		"too short": {Impersonator: admin, TenantID: "t", Reason: "r", Duration: time.Second},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.Create(ctx, req)
			require.ErrorIs(t, err, errs.ErrInvalidRequest)
		})
	}
	assert.Zero(t, f.sink.Len())
}

func TestCreateClampsOrRejectsOverlongDuration(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "audit", Duration: 5 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 120*time.Minute, s.ExpiresAt.Sub(s.StartedAt))

	policies := policy.Defaults()
	p := policies[auth.RoleAdmin]
	p.Overlong = policy.OverlongReject
	policies[auth.RoleAdmin] = p
	strict := newFixture(t, policies)
	_, err = strict.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "audit", Duration: 5 * time.Hour})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestCreateRateLimited(t *testing.T) {
	f := newFixture(t, nil, WithStartRule(ratelimit.Rule{Limit: 2, Window: 15 * time.Minute}))
	ctx := context.Background()
	req := CreateRequest{Impersonator: admin, TenantID: "t", Reason: "bulk fix"}

	for i := 0; i < 2; i++ {
		_, err := f.mgr.Create(ctx, req)
		require.NoError(t, err)
	}
	_, err := f.mgr.Create(ctx, req)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	assert.True(t, errs.Retryable(err))

	limited, err := audit.Collect(f.log.Query(ctx, audit.Filter{ActorID: admin.ID}), 0)
	require.NoError(t, err)
	last := limited[len(limited)-1]
	assert.Equal(t, audit.EventRateLimited, last.Action)
	assert.Equal(t, audit.SeverityHigh, last.Severity)
	assert.Equal(t, 2, last.Metadata.Limit)

	f.clock.Advance(16 * time.Minute)
	_, err = f.mgr.Create(ctx, req)
	require.NoError(t, err)
}

func TestUnknownRoleCannotImpersonate(t *testing.T) {
	f := newFixture(t, map[auth.Role]policy.Policy{auth.RoleSuperAdmin: policy.Defaults()[auth.RoleSuperAdmin]})
	_, err := f.mgr.Create(context.Background(), CreateRequest{Impersonator: admin, TenantID: "t", Reason: "r"})
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestRequestedPermissionsAreIntersected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.mgr.Create(ctx, CreateRequest{
		Impersonator: admin,
		TenantID:     "t",
		Reason:       "orders only",
		Permissions:  []policy.Rule{{Action: "view", Resource: "orders"}, {Action: "delete", Resource: "orders"}},
	})
	require.NoError(t, err)

	_, err = f.mgr.Authorize(ctx, s.ID, "view", "orders")
	require.NoError(t, err)
	_, err = f.mgr.Authorize(ctx, s.ID, "view", "users")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	dec, err := f.mgr.Authorize(ctx, s.ID, "delete", "orders")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	assert.Equal(t, "not granted to role", dec.Reason)
}

func TestApprovalRequiredDeniesAction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	support := auth.Actor{ID: "sup-1", Role: auth.RoleSupport}
	s, err := f.mgr.Create(ctx, CreateRequest{Impersonator: support, TenantID: "t", Reason: "customer call"})
	require.NoError(t, err)

	dec, err := f.mgr.Authorize(ctx, s.ID, "export", "orders")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	assert.Equal(t, "approval required", dec.Reason)

	entries := f.entries(t, s.ID)
	assert.Equal(t, string(RestrictApprovalRequired), entries[len(entries)-1].Metadata.Restriction)
}

func TestActionLimitTerminatesSession(t *testing.T) {
	policies := policy.Defaults()
	p := policies[auth.RoleAdmin]
	p.ActionLimit = 2
	policies[auth.RoleAdmin] = p
	f := newFixture(t, policies)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "limit"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = f.mgr.Authorize(ctx, s.ID, "view", "orders")
		require.NoError(t, err)
	}
	_, err = f.mgr.Authorize(ctx, s.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)
	assert.Equal(t, "violation:action_limit", got.EndReason)

	_, err = f.mgr.Authorize(ctx, s.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionInactive)

	// create, two grants, the violating call's denial plus its terminal entry,
	// then the denial on the terminated session
	entries := f.entries(t, s.ID)
	require.Len(t, entries, 6)
	terminal := entries[3]
	assert.Equal(t, audit.EventImpersonationTerminated, terminal.Action)
	assert.Equal(t, audit.SeverityHigh, terminal.Severity)
	denied := entries[4]
	assert.Equal(t, audit.EventDataAccessAttempt, denied.Action)
	assert.False(t, denied.Success)
	assert.Equal(t, string(RestrictActionLimit), denied.Metadata.Restriction)
}

func findAction(t *testing.T, entries []audit.Entry, action string) audit.Entry {
	t.Helper()
	for _, e := range entries {
		if e.Action == action {
			return e
		}
	}
	require.Failf(t, "missing audit entry", "no %s entry", action)
	return audit.Entry{}
}

func TestAuthorizeUnknownAndMalformed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mgr.Authorize(ctx, "missing", "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
	assert.Equal(t, 1, f.sink.Len())

	_, err = f.mgr.Authorize(ctx, "missing", "", "orders")
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
	assert.Equal(t, 1, f.sink.Len(), "malformed calls are not audited")
}

func TestAuthorizeExpiresOnDeadline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "r", Duration: 10 * time.Minute})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.mgr.Authorize(ctx, s.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionExpired)

	n, err := f.mgr.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "already expired by Authorize")

	entries := f.entries(t, s.ID)
	require.Len(t, entries, 3, "start, expiry and the denied attempt")
	findAction(t, entries, audit.EventImpersonationExpired)
	var denied []audit.Entry
	for _, e := range entries {
		if e.Action == audit.EventDataAccessAttempt && !e.Success {
			denied = append(denied, e)
		}
	}
	require.Len(t, denied, 1)
	assert.Equal(t, "session expired", denied[0].Metadata.Reason)

	_, err = f.mgr.Authorize(ctx, s.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	assert.Len(t, f.entries(t, s.ID), 4)
}

func TestEndPermissions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "r"})
	require.NoError(t, err)

	_, err = f.mgr.End(ctx, s.ID, EndRequest{})
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	ended, err := f.mgr.End(ctx, s.ID, EndRequest{Actor: auth.Actor{ID: "root", Role: auth.RoleSuperAdmin}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ended.Status)
	assert.Equal(t, EndCompletedByActor, ended.EndReason)
	require.NotNil(t, ended.EndedAt)

	again, err := f.mgr.End(ctx, s.ID, EndRequest{Violation: "abuse"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status, "terminal sessions stay terminal")

	s2, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "r"})
	require.NoError(t, err)
	v, err := f.mgr.End(ctx, s2.ID, EndRequest{Violation: "data_exfiltration"})
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, v.Status)
	assert.Equal(t, "violation:data_exfiltration", v.EndReason)

	s3, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "r"})
	require.NoError(t, err)
	other, err := f.mgr.End(ctx, s3.ID, EndRequest{Actor: auth.Actor{ID: "op-8", Role: auth.RoleSupport}})
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, other.Status)
	assert.Equal(t, "ended_by:op-8", other.EndReason)

	_, err = f.mgr.End(ctx, "nope", EndRequest{Actor: admin})
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestConcurrentEndAndAuthorize(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t", Reason: "race"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.mgr.Authorize(ctx, s.ID, "view", "orders")
		}()
		go func() {
			defer wg.Done()
			_, _ = f.mgr.End(ctx, s.ID, EndRequest{Actor: admin})
		}()
	}
	wg.Wait()

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	ends := 0
	for _, e := range f.entries(t, s.ID) {
		if e.Action == audit.EventImpersonationEnded {
			ends++
		}
	}
	assert.Equal(t, 1, ends, "exactly one terminal transition")
}

func TestListActiveAndRetention(t *testing.T) {
	f := newFixture(t, nil, WithRetention(time.Hour))
	ctx := context.Background()
	a, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t1", Reason: "r"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	b, err := f.mgr.Create(ctx, CreateRequest{Impersonator: admin, TenantID: "t2", Reason: "r"})
	require.NoError(t, err)

	active := f.mgr.ListActive(ctx)
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)

	_, err = f.mgr.End(ctx, a.ID, EndRequest{Actor: admin})
	require.NoError(t, err)
	assert.Len(t, f.mgr.ListActive(ctx), 1)

	f.clock.Advance(2 * time.Hour)
	n, err := f.mgr.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "b expired")

	_, err = f.mgr.Get(ctx, a.ID)
	require.ErrorIs(t, err, errs.ErrSessionNotFound, "pruned after retention")
	_, err = f.mgr.Get(ctx, b.ID)
	require.NoError(t, err)

	// b stays answerable as expired until it too ages out of retention.
	_, err = f.mgr.Authorize(ctx, b.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	_, err = f.mgr.Authorize(ctx, a.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)

	f.clock.Advance(2 * time.Hour)
	_, err = f.mgr.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	_, err = f.mgr.Authorize(ctx, b.ID, "view", "orders")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}
