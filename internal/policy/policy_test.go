package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/errs"
)

func TestDefaultEvaluation(t *testing.T) {
	p, err := NewStatic(nil)
	require.NoError(t, err)
	ctx := context.Background()

	admin, err := p.ForRole(ctx, auth.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, Verdict{Reason: "denied by policy"}, admin.Evaluate("delete", "billing"))
	assert.True(t, admin.Evaluate("view", "orders").Allowed)
	assert.Equal(t, "not granted to role", admin.Evaluate("delete", "orders").Reason)

	super, err := p.ForRole(ctx, auth.RoleSuperAdmin)
	require.NoError(t, err)
	assert.True(t, super.Evaluate("delete", "billing").Allowed)

	support, err := p.ForRole(ctx, auth.RoleSupport)
	require.NoError(t, err)
	assert.False(t, support.Evaluate("update", "orders").Allowed)
	assert.True(t, support.NeedsApproval("export"))

	_, err = p.ForRole(ctx, auth.Role("GUEST"))
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestDurationClampAndReject(t *testing.T) {
	p := Policy{MinDuration: time.Minute, MaxDuration: time.Hour, DefaultDuration: 15 * time.Minute, Overlong: OverlongClamp}

	d, err := p.Duration(0)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = p.Duration(3 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d, "clamped to maximum")

	_, err = p.Duration(10 * time.Second)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
	_, err = p.Duration(-time.Minute)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	p.Overlong = OverlongReject
	_, err = p.Duration(3 * time.Hour)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestResourceScope(t *testing.T) {
	p := Policy{Grants: []Rule{{Action: "view", Resource: Wildcard}}, Resources: []string{"orders", "users"}}
	assert.True(t, p.Evaluate("view", "orders").Allowed)
	assert.Equal(t, "outside resource scope", p.Evaluate("view", "billing").Reason)
}

func TestLoadFileOverridesRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
roles:
  support:
    grants:
      - {action: view, resource: "*"}
    denials:
      - {action: view, resource: billing}
    max_duration: 20m
    default_duration: 10m
    overlong: reject
    action_limit: 3
    resources: [orders, billing]
`), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)

	support, err := p.ForRole(context.Background(), auth.RoleSupport)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, support.MaxDuration)
	assert.Equal(t, OverlongReject, support.Overlong)
	assert.Equal(t, 3, support.ActionLimit)
	assert.False(t, support.Evaluate("view", "billing").Allowed)
	assert.Equal(t, auth.RoleSupport, support.Role)

	admin, err := p.ForRole(context.Background(), auth.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Minute, admin.MaxDuration, "defaults kept for roles not in the file")
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	_, err := Load([]byte("roles:\n  owner: {}\n"))
	require.Error(t, err)
	_, err = Load([]byte("roles:\n  admin: {overlong: sometimes}\n"))
	require.Error(t, err)
	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
