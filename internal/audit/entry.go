package audit

import (
	"maps"
	"strings"
	"time"
)

// ActionType classifies what an audited action did to its resource.
type ActionType string

const (
	TypeView   ActionType = "view"
	TypeCreate ActionType = "create"
	TypeUpdate ActionType = "update"
	TypeDelete ActionType = "delete"
	TypeExport ActionType = "export"
	TypeSystem ActionType = "system"
)

// ParseActionType maps an action verb onto its type; unknown verbs are system.
func ParseActionType(s string) ActionType {
	switch t := ActionType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeView, TypeCreate, TypeUpdate, TypeDelete, TypeExport, TypeSystem:
		return t
	default:
		return TypeSystem
	}
}

func (t ActionType) valid() bool {
	switch t {
	case TypeView, TypeCreate, TypeUpdate, TypeDelete, TypeExport, TypeSystem:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event names written by the security core.
const (
	EventDataAccessAttempt       = "data_access_attempt"
	EventImpersonationEnded      = "impersonation_ended"
	EventImpersonationTerminated = "impersonation_terminated"
	EventImpersonationExpired    = "impersonation_expired"
	EventRateLimited             = "rate_limited"
	EventCSRFIssued              = "csrf_issued"
	EventCSRFRejected            = "csrf_rejected"
	EventSlugClaimed             = "slug_claimed"
	EventSlugConflict            = "slug_conflict"
	EventGuardDenied             = "guard_denied"
	EventSinkRecovered           = "audit_sink_recovered"
)

// MetadataVersion is bumped whenever a typed Metadata field changes meaning.
const MetadataVersion = 1

// Metadata is the closed key set attached to entries. Extra holds context
// that has no typed field.
type Metadata struct {
	Version     int               `json:"v"`
	Granted     *bool             `json:"granted,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Restriction string            `json:"restriction,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	Count       int               `json:"count,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Buffered    int               `json:"buffered,omitempty"`
	Dropped     int               `json:"dropped,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Granted != nil {
		g := *m.Granted
		out.Granted = &g
	}
	if m.Extra != nil {
		out.Extra = maps.Clone(m.Extra)
	}
	return out
}

// Granted returns a pointer for Metadata.Granted.
func Granted(v bool) *bool { return &v }

// Entry is an immutable audit record.
type Entry struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	ActorID     string     `json:"actor_id"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Action      string     `json:"action"`
	ActionType  ActionType `json:"action_type"`
	Resource    string     `json:"resource,omitempty"`
	ResourceID  string     `json:"resource_id,omitempty"`
	Description string     `json:"description,omitempty"`
	OriginIP    string     `json:"origin_ip,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	Severity    Severity   `json:"severity"`
	Metadata    Metadata   `json:"metadata"`
}

// Clone returns a deep copy so callers never share mutable metadata.
func (e Entry) Clone() Entry {
	e.Metadata = e.Metadata.clone()
	return e
}

// Filter selects entries for Query. Zero fields match everything; the time
// range is [From, To).
type Filter struct {
	SessionID string
	ActorID   string
	From      time.Time
	To        time.Time
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Cursor marks the last entry of a page; the next page starts strictly after it.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// After reports whether e sorts strictly after the cursor.
func (c Cursor) After(e Entry) bool {
	if c.Timestamp.IsZero() && c.ID == "" {
		return true
	}
	if !e.Timestamp.Equal(c.Timestamp) {
		return e.Timestamp.After(c.Timestamp)
	}
	return e.ID > c.ID
}

func less(a, b Entry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
