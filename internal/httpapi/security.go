package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/ratelimit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// queryAudit lists entries. SUPPORT operators only see their own trail.
func (a *API) queryAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{SessionID: q.Get("session_id"), ActorID: q.Get("actor_id")}
	if actor.Role == auth.RoleSupport {
		if f.ActorID != "" && f.ActorID != actor.ID {
			writeError(w, r, errs.New(errs.CodePermissionDenied, "SUPPORT may only read its own audit trail"))
			return
		}
		f.ActorID = actor.ID
	}
	if f.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, r, err)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, r, err)
		return
	}
	limit := defaultAuditLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, errs.New(errs.CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := audit.Collect(a.audit.Query(r.Context(), f), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func parseTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.CodeInvalidRequest, "time must be RFC3339", err)
	}
	return t, nil
}

type recordAuditRequest struct {
	SessionID   string            `json:"session_id"`
	TenantID    string            `json:"tenant_id"`
	Action      string            `json:"action"`
	ActionType  audit.ActionType  `json:"action_type"`
	Resource    string            `json:"resource"`
	ResourceID  string            `json:"resource_id"`
	Description string            `json:"description"`
	Success     bool              `json:"success"`
	Error       string            `json:"error"`
	Severity    audit.Severity    `json:"severity"`
	Extra       map[string]string `json:"extra"`
}

// recordAudit appends an entry on behalf of the caller. The actor, origin
// and timestamp always come from the request, never from the body.
func (a *API) recordAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req recordAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := a.audit.Record(r.Context(), audit.Entry{
		SessionID:   req.SessionID,
		ActorID:     actor.ID,
		TenantID:    req.TenantID,
		Action:      req.Action,
		ActionType:  req.ActionType,
		Resource:    req.Resource,
		ResourceID:  req.ResourceID,
		Description: req.Description,
		OriginIP:    clientIP(r),
		UserAgent:   r.UserAgent(),
		Success:     req.Success,
		Error:       req.Error,
		Severity:    req.Severity,
		Metadata:    audit.Metadata{Extra: req.Extra},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) issueCSRF(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := a.csrf.Issue(r.Context(), actor.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(csrfHeader, token)
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

type validateCSRFRequest struct {
	Token string `json:"token"`
}

func (a *API) validateCSRF(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req validateCSRFRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": a.csrf.Validate(r.Context(), actor.ID, req.Token)})
}

type slugRequest struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	TenantID string `json:"tenant_id"`
	Retries  int    `json:"retries"`
}

func (a *API) resolveSlug(w http.ResponseWriter, r *http.Request) {
	var req slugRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := a.slugs.Resolve(r.Context(), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"slug": s})
}

// claimSlug claims an explicit slug, or resolves one from name and claims it
// with up to retries further attempts on conflict.
func (a *API) claimSlug(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, auth.RoleSuperAdmin, auth.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	var req slugRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var (
		s   = strings.TrimSpace(req.Slug)
		err error
	)
	if s != "" {
		err = a.slugs.Claim(r.Context(), s, req.TenantID)
	} else {
		s, err = a.slugs.ResolveAndClaim(r.Context(), req.Name, req.TenantID, req.Retries)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"slug": s, "tenant_id": req.TenantID})
}

type rateCheckRequest struct {
	Identifier string `json:"identifier"`
	Action     string `json:"action"`
	Limit      int    `json:"limit"`
	Window     string `json:"window"`
}

type rateCheckResponse struct {
	Limited           bool      `json:"limited"`
	Count             int       `json:"count"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Authoritative     bool      `json:"authoritative"`
}

// reservedRateActions are buckets charged by the service itself.
var reservedRateActions = map[string]bool{
	ratelimit.ActionImpersonationStart: true,
	ratelimit.ActionGuarded:            true,
}

// checkRateLimit counts one call against the caller's own bucket. Only a
// SUPER_ADMIN may charge another identifier. Registered and reserved actions
// always use the registered rule, so callers cannot reshape the windows the
// service enforces. A limited decision is a 200 with limited=true; the
// caller decides what to refuse.
func (a *API) checkRateLimit(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req rateCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		req.Identifier = actor.ID
	}
	if req.Identifier != actor.ID && !actor.IsSuperAdmin() {
		writeError(w, r, errs.New(errs.CodePermissionDenied, "only SUPER_ADMIN may check another identifier"))
		return
	}

	req.Action = strings.TrimSpace(req.Action)

	var d ratelimit.Decision
	_, registered := a.limiter.RuleFor(req.Action)
	switch {
	case registered || reservedRateActions[req.Action]:
		if req.Limit > 0 || req.Window != "" {
			writeError(w, r, errs.Newf(errs.CodeInvalidRequest, "action %q has a fixed rule; omit limit and window", req.Action))
			return
		}
		if !registered {
			writeError(w, r, errs.Newf(errs.CodeInvalidRequest, "action %q is not checkable here", req.Action))
			return
		}
		d, err = a.limiter.CheckAction(r.Context(), req.Identifier, req.Action)
	case req.Limit > 0 || req.Window != "":
		window, perr := time.ParseDuration(req.Window)
		if perr != nil {
			writeError(w, r, errs.Wrap(errs.CodeInvalidRequest, "window must look like 15m", perr))
			return
		}
		key := ratelimit.Key{Identifier: req.Identifier, Action: req.Action}
		d, err = a.limiter.Check(r.Context(), key, ratelimit.Rule{Limit: req.Limit, Window: window})
	default:
		writeError(w, r, errs.Newf(errs.CodeInvalidRequest, "no rule registered for action %q; pass limit and window", req.Action))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := rateCheckResponse{
		Limited:       d.Limited,
		Count:         d.Count,
		Remaining:     d.Remaining,
		ResetAt:       d.ResetAt,
		Authoritative: d.Authoritative,
	}
	if d.Limited {
		resp.RetryAfterSeconds = int(d.RetryAfter(a.limiter.Now()).Round(time.Second) / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}
