package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/guard"
	"consoleguard.io/internal/impersonation"
	"consoleguard.io/internal/policy"
)

type createSessionRequest struct {
	TenantID     string        `json:"tenant_id"`
	TenantName   string        `json:"tenant_name"`
	TargetUserID string        `json:"target_user_id"`
	Reason       string        `json:"reason"`
	TicketRef    string        `json:"ticket_ref"`
	Duration     string        `json:"duration"`
	Permissions  []policy.Rule `json:"permissions"`
	Location     string        `json:"location"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var d time.Duration
	if strings.TrimSpace(req.Duration) != "" {
		if d, err = time.ParseDuration(req.Duration); err != nil {
			writeError(w, r, errs.Wrap(errs.CodeInvalidRequest, "duration must look like 30m", err))
			return
		}
		if d <= 0 {
			writeError(w, r, errs.New(errs.CodeInvalidRequest, "duration must be positive"))
			return
		}
	}
	s, err := a.sessions.Create(r.Context(), impersonation.CreateRequest{
		Impersonator: actor,
		TenantID:     req.TenantID,
		TenantName:   req.TenantName,
		TargetUserID: req.TargetUserID,
		Reason:       req.Reason,
		TicketRef:    req.TicketRef,
		Duration:     d,
		Permissions:  req.Permissions,
		Metadata: impersonation.RequestMetadata{
			OriginIP:  clientIP(r),
			UserAgent: r.UserAgent(),
			Location:  req.Location,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/impersonations/"+s.ID)
	writeJSON(w, http.StatusCreated, s)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	all := a.sessions.ListActive(r.Context())
	out := all[:0]
	for _, s := range all {
		if actor.IsSuperAdmin() || s.Impersonator.ID == actor.ID {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := a.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !actor.IsSuperAdmin() && s.Impersonator.ID != actor.ID {
		writeError(w, r, errs.Newf(errs.CodeSessionNotFound, "session %q not found", s.ID))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type authorizeRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// authorize runs the action through the guard. Anything but a view counts as
// mutating and needs X-CSRF-Token.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "id")
	if s, err := a.sessions.Get(r.Context(), sessionID); err == nil && s.Impersonator.ID != actor.ID {
		writeError(w, r, errs.Newf(errs.CodePermissionDenied, "session %s belongs to another operator", sessionID))
		return
	}
	dec, err := a.guard.Check(r.Context(), guard.Request{
		SessionID:  sessionID,
		ActorID:    actor.ID,
		Action:     req.Action,
		Resource:   req.Resource,
		ContextKey: actor.ID,
		CSRFToken:  r.Header.Get(csrfHeader),
		Mutating:   audit.ParseActionType(req.Action) != audit.TypeView,
		OriginIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

type endSessionRequest struct {
	Violation string `json:"violation"`
	Policy    bool   `json:"policy"`
}

func (a *API) endSession(w http.ResponseWriter, r *http.Request) {
	actor, err := requireRole(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req endSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Policy && !actor.IsSuperAdmin() {
		writeError(w, r, errs.New(errs.CodePermissionDenied, "only SUPER_ADMIN may end sessions by policy"))
		return
	}
	// Same visibility as getSession: a session the caller cannot read does
	// not exist for them.
	current, err := a.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !actor.IsSuperAdmin() && current.Impersonator.ID != actor.ID {
		writeError(w, r, errs.Newf(errs.CodeSessionNotFound, "session %q not found", current.ID))
		return
	}
	s, err := a.sessions.End(r.Context(), current.ID, impersonation.EndRequest{
		Actor:     actor,
		Violation: req.Violation,
		Policy:    req.Policy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) sweepSessions(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, auth.RoleSuperAdmin, auth.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := a.sessions.Sweep(r.Context(), a.sessions.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}
