// Package impersonation manages time-boxed sessions in which a privileged
// operator acts for a tenant under scoped permissions and restrictions.
package impersonation

import (
	"slices"
	"time"

	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/policy"
)

// Status is a session state. Sessions move requested -> active -> one of
// the terminal states and never return to active.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
	StatusCompleted  Status = "completed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated || s == StatusCompleted
}

var transitions = map[Status][]Status{
	StatusRequested: {StatusActive},
	StatusActive:    {StatusExpired, StatusTerminated, StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// End reasons recorded on terminal sessions.
const (
	EndCompletedByActor = "completed_by_actor"
	EndByPolicy         = "ended_by_policy"
	EndExpired          = "expired"
	EndByActorPrefix    = "ended_by:"
	endViolationPrefix  = "violation:"
)

// Permission is one derived (action, resource) entry. Denied entries stay in
// the set with Allowed=false and a reason.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
}

func (p Permission) matches(action, resource string) bool {
	return (p.Action == policy.Wildcard || p.Action == action) &&
		(p.Resource == policy.Wildcard || p.Resource == resource)
}

type RestrictionKind string

const (
	RestrictTimeLimit        RestrictionKind = "time_limit"
	RestrictActionLimit      RestrictionKind = "action_limit"
	RestrictResourceLimit    RestrictionKind = "resource_limit"
	RestrictApprovalRequired RestrictionKind = "approval_required"
)

// Restriction is a policy-imposed limit on a session. Number carries numeric
// values (action_limit); Text carries the rest.
type Restriction struct {
	Kind        RestrictionKind `json:"kind"`
	Description string          `json:"description"`
	Number      *int            `json:"number,omitempty"`
	Text        string          `json:"text,omitempty"`
	Active      bool            `json:"active"`
}

// RequestMetadata describes where the impersonation request came from.
type RequestMetadata struct {
	OriginIP  string `json:"origin_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Session is an immutable snapshot. Transitions publish a new snapshot;
// Permissions and Restrictions never change after creation.
type Session struct {
	ID           string          `json:"id"`
	Impersonator auth.Actor      `json:"impersonator"`
	TenantID     string          `json:"tenant_id"`
	TenantName   string          `json:"tenant_name,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Reason       string          `json:"reason"`
	TicketRef    string          `json:"ticket_ref,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Status       Status          `json:"status"`
	EndReason    string          `json:"end_reason,omitempty"`
	Permissions  []Permission    `json:"permissions"`
	Restrictions []Restriction   `json:"restrictions"`
	Metadata     RequestMetadata `json:"metadata"`
	ActionCount  int             `json:"action_count"`
}

// Clone returns a deep copy safe to hand to callers.
func (s Session) Clone() Session {
	s.Permissions = slices.Clone(s.Permissions)
	s.Restrictions = slices.Clone(s.Restrictions)
	for i := range s.Restrictions {
		if n := s.Restrictions[i].Number; n != nil {
			v := *n
			s.Restrictions[i].Number = &v
		}
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

func (s *Session) restriction(kind RestrictionKind, text string) (Restriction, bool) {
	for _, r := range s.Restrictions {
		if r.Kind == kind && r.Active && (text == "" || r.Text == text) {
			return r, true
		}
	}
	return Restriction{}, false
}

// CreateRequest asks for a new session. Permissions lists the requested
// (action, resource) pairs; empty requests everything the role is granted.
type CreateRequest struct {
	Impersonator auth.Actor
	TenantID     string
	TenantName   string
	TargetUserID string
	Reason       string
	TicketRef    string
	Duration     time.Duration
	Permissions  []policy.Rule
	Metadata     RequestMetadata
}

// EndRequest closes a session. Violation or Policy force a terminated
// outcome regardless of Actor.
type EndRequest struct {
	Actor     auth.Actor
	Violation string
	Policy    bool
}

// Decision is the answer to Authorize.
type Decision struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	// Remaining is the number of further actions the action_limit allows, or -1.
	Remaining int `json:"remaining"`
}
