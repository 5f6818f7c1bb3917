// Package policy supplies the per-role permission policy consulted when
// impersonation sessions are created.
package policy

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/errs"
)

// Wildcard matches any action or resource.
const Wildcard = "*"

// Overlong selects what happens to durations above MaxDuration.
type Overlong string

const (
	OverlongClamp  Overlong = "clamp"
	OverlongReject Overlong = "reject"
)

// Rule names an (action, resource) pair; either side may be Wildcard.
type Rule struct {
	Action   string `yaml:"action" json:"action"`
	Resource string `yaml:"resource" json:"resource"`
}

func (r Rule) matches(action, resource string) bool {
	return (r.Action == Wildcard || r.Action == action) && (r.Resource == Wildcard || r.Resource == resource)
}

// Policy is what a role may do while impersonating.
type Policy struct {
	Role             auth.Role     `yaml:"-" json:"role"`
	Grants           []Rule        `yaml:"grants" json:"grants"`
	Denials          []Rule        `yaml:"denials" json:"denials"`
	MinDuration      time.Duration `yaml:"min_duration" json:"min_duration"`
	MaxDuration      time.Duration `yaml:"max_duration" json:"max_duration"`
	DefaultDuration  time.Duration `yaml:"default_duration" json:"default_duration"`
	Overlong         Overlong      `yaml:"overlong" json:"overlong"`
	ActionLimit      int           `yaml:"action_limit" json:"action_limit"`
	Resources        []string      `yaml:"resources" json:"resources"`
	ApprovalRequired []string      `yaml:"approval_required" json:"approval_required"`
}

// Verdict is the policy answer for one (action, resource) pair.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Evaluate applies deny, then allow, then implicit deny.
func (p Policy) Evaluate(action, resource string) Verdict {
	for _, d := range p.Denials {
		if d.matches(action, resource) {
			return Verdict{Reason: "denied by policy"}
		}
	}
	if !p.InScope(resource) {
		return Verdict{Reason: "outside resource scope"}
	}
	for _, g := range p.Grants {
		if g.matches(action, resource) {
			return Verdict{Allowed: true}
		}
	}
	return Verdict{Reason: "not granted to role"}
}

// InScope reports whether resource is within the policy's resource scope.
// An empty scope covers every resource.
func (p Policy) InScope(resource string) bool {
	if len(p.Resources) == 0 {
		return true
	}
	return slices.Contains(p.Resources, Wildcard) || slices.Contains(p.Resources, resource)
}

// NeedsApproval reports whether action requires out-of-band approval.
func (p Policy) NeedsApproval(action string) bool {
	return slices.Contains(p.ApprovalRequired, action)
}

// Duration resolves a requested duration against the bounds. Zero selects
// the default; above the maximum it clamps or rejects per Overlong.
func (p Policy) Duration(requested time.Duration) (time.Duration, error) {
	if requested == 0 {
		requested = p.DefaultDuration
	}
	if requested <= 0 {
		return 0, errs.New(errs.CodeInvalidRequest, "duration must be positive")
	}
	if p.MinDuration > 0 && requested < p.MinDuration {
		return 0, errs.Newf(errs.CodeInvalidRequest, "duration %s below minimum %s", requested, p.MinDuration)
	}
	if p.MaxDuration > 0 && requested > p.MaxDuration {
		if p.Overlong == OverlongReject {
			return 0, errs.Newf(errs.CodeInvalidRequest, "duration %s above maximum %s", requested, p.MaxDuration)
		}
		return p.MaxDuration, nil
	}
	return requested, nil
}

func (p Policy) validate() error {
	if p.MaxDuration > 0 && p.MinDuration > p.MaxDuration {
		return fmt.Errorf("policy %s: min duration exceeds max", p.Role)
	}
	switch p.Overlong {
	case "", OverlongClamp, OverlongReject:
	default:
		return fmt.Errorf("policy %s: unknown overlong mode %q", p.Role, p.Overlong)
	}
	if p.ActionLimit < 0 {
		return fmt.Errorf("policy %s: negative action limit", p.Role)
	}
	return nil
}

// Provider resolves the policy for a role.
type Provider interface {
	ForRole(ctx context.Context, role auth.Role) (Policy, error)
}

// Static serves policies from memory.
type Static struct {
	mu       sync.RWMutex
	policies map[auth.Role]Policy
}

var _ Provider = (*Static)(nil)

// Defaults returns the built-in policies.
func Defaults() map[auth.Role]Policy {
	return map[auth.Role]Policy{
		auth.RoleSuperAdmin: {
			Role:            auth.RoleSuperAdmin,
			Grants:          []Rule{{Action: Wildcard, Resource: Wildcard}},
			MinDuration:     time.Minute,
			MaxDuration:     240 * time.Minute,
			DefaultDuration: 60 * time.Minute,
			Overlong:        OverlongClamp,
		},
		auth.RoleAdmin: {
			Role: auth.RoleAdmin,
			Grants: []Rule{
				{Action: "view", Resource: Wildcard},
				{Action: "create", Resource: Wildcard},
				{Action: "update", Resource: Wildcard},
				{Action: "export", Resource: Wildcard},
			},
			Denials:         []Rule{{Action: "delete", Resource: "billing"}},
			MinDuration:     time.Minute,
			MaxDuration:     120 * time.Minute,
			DefaultDuration: 30 * time.Minute,
			Overlong:        OverlongClamp,
			ActionLimit:     500,
		},
		auth.RoleSupport: {
			Role:             auth.RoleSupport,
			Grants:           []Rule{{Action: "view", Resource: Wildcard}, {Action: "export", Resource: Wildcard}},
			MinDuration:      time.Minute,
			MaxDuration:      60 * time.Minute,
			DefaultDuration:  15 * time.Minute,
			Overlong:         OverlongClamp,
			ActionLimit:      200,
			ApprovalRequired: []string{"export"},
		},
	}
}

// NewStatic builds a provider over policies, or the defaults when nil.
func NewStatic(policies map[auth.Role]Policy) (*Static, error) {
	if policies == nil {
		policies = Defaults()
	}
	s := &Static{policies: make(map[auth.Role]Policy, len(policies))}
	for role, p := range policies {
		p.Role = role
		if p.Overlong == "" {
			p.Overlong = OverlongClamp
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		s.policies[role] = p
	}
	return s, nil
}

func (s *Static) ForRole(_ context.Context, role auth.Role) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[role]
	if !ok {
		return Policy{}, errs.Newf(errs.CodePermissionDenied, "role %q may not impersonate", role)
	}
	return p, nil
}

// fileDoc is the on-disk layout: a map of role name to policy.
type fileDoc struct {
	Roles map[string]Policy `yaml:"roles"`
}

// Load parses a YAML policy document. Roles present in the document replace
// the corresponding default; other defaults are kept.
func Load(data []byte) (*Static, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	policies := Defaults()
	for name, p := range doc.Roles {
		role, err := auth.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		for i := range p.ApprovalRequired {
			p.ApprovalRequired[i] = strings.TrimSpace(p.ApprovalRequired[i])
		}
		policies[role] = p
	}
	return NewStatic(policies)
}

// LoadFile reads and parses the policy document at path.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Load(data)
}
