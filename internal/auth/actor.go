package auth

import (
	"fmt"
	"strings"
)

// Role is the privilege tier of a console operator.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleSupport    Role = "SUPPORT"
)

// ParseRole accepts the canonical role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleSuperAdmin, RoleAdmin, RoleSupport:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

// Actor is the authenticated operator behind a request.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// Valid reports whether the actor carries an id and a known role.
func (a Actor) Valid() bool {
	if strings.TrimSpace(a.ID) == "" {
		return false
	}
	_, err := ParseRole(string(a.Role))
	return err == nil
}

// IsSuperAdmin reports whether the actor holds the top privilege tier.
func (a Actor) IsSuperAdmin() bool { return a.Role == RoleSuperAdmin }
