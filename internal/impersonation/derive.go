package impersonation

import (
	"fmt"
	"strings"
	"time"

	"consoleguard.io/internal/policy"
)

// derivePermissions intersects the requested pairs with pol. Policy denials
// are always appended so a wildcard grant can never override them.
func derivePermissions(pol policy.Policy, requested []policy.Rule) []Permission {
	if len(requested) == 0 {
		requested = expandGrants(pol)
	}
	seen := make(map[policy.Rule]bool, len(requested))
	out := make([]Permission, 0, len(requested)+len(pol.Denials))
	for _, r := range requested {
		r.Action = strings.TrimSpace(r.Action)
		r.Resource = strings.TrimSpace(r.Resource)
		if r.Action == "" || r.Resource == "" || seen[r] {
			continue
		}
		seen[r] = true
		v := pol.Evaluate(r.Action, r.Resource)
		out = append(out, Permission{Action: r.Action, Resource: r.Resource, Allowed: v.Allowed, Reason: v.Reason})
	}
	for _, d := range pol.Denials {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, Permission{Action: d.Action, Resource: d.Resource, Reason: "denied by policy"})
	}
	return out
}

func expandGrants(pol policy.Policy) []policy.Rule {
	var out []policy.Rule
	for _, g := range pol.Grants {
		if g.Resource == policy.Wildcard && len(pol.Resources) > 0 {
			for _, res := range pol.Resources {
				out = append(out, policy.Rule{Action: g.Action, Resource: res})
			}
			continue
		}
		out = append(out, g)
	}
	return out
}

func deriveRestrictions(pol policy.Policy, expiresAt time.Time) []Restriction {
	out := []Restriction{{
		Kind:        RestrictTimeLimit,
		Description: "session expires at " + expiresAt.Format(time.RFC3339),
		Text:        expiresAt.Format(time.RFC3339),
		Active:      true,
	}}
	if pol.ActionLimit > 0 {
		n := pol.ActionLimit
		out = append(out, Restriction{
			Kind:        RestrictActionLimit,
			Description: fmt.Sprintf("at most %d authorized actions", n),
			Number:      &n,
			Active:      true,
		})
	}
	if len(pol.Resources) > 0 {
		out = append(out, Restriction{
			Kind:        RestrictResourceLimit,
			Description: "limited to resources " + strings.Join(pol.Resources, ", "),
			Text:        strings.Join(pol.Resources, ","),
			Active:      true,
		})
	}
	for _, action := range pol.ApprovalRequired {
		out = append(out, Restriction{
			Kind:        RestrictApprovalRequired,
			Description: action + " requires approval",
			Text:        action,
			Active:      true,
		})
	}
	return out
}

// decide applies deny-wins over the session's permissions; absence is an
// implicit deny.
func decide(perms []Permission, action, resource string) (bool, string) {
	for _, p := range perms {
		if !p.Allowed && p.matches(action, resource) {
			return false, p.Reason
		}
	}
	for _, p := range perms {
		if p.Allowed && p.matches(action, resource) {
			return true, ""
		}
	}
	return false, "not in session permissions"
}

// checkRestrictions applies the restrictions that can deny an otherwise
// permitted action. The action_limit is handled by the caller since it ends
// the session.
func checkRestrictions(s *Session, action, resource string) (bool, string, RestrictionKind) {
	if _, ok := s.restriction(RestrictApprovalRequired, action); ok {
		return false, "approval required", RestrictApprovalRequired
	}
	if r, ok := s.restriction(RestrictResourceLimit, ""); ok {
		scope := strings.Split(r.Text, ",")
		allowed := false
		for _, res := range scope {
			if res == resource || res == policy.Wildcard {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "outside resource scope", RestrictResourceLimit
		}
	}
	return true, "", ""
}

func actionLimit(s *Session) int {
	if r, ok := s.restriction(RestrictActionLimit, ""); ok && r.Number != nil {
		return *r.Number
	}
	return -1
}
