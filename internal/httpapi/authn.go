package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/errs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	csrfHeader = "X-CSRF-Token"
)

// withAuth requires a valid bearer token and stores the actor in the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, errs.Wrap(errs.CodeUnauthenticated, err.Error(), err))
			return
		}
		actor, err := a.issuer.Authenticate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, errs.Wrap(errs.CodeUnauthenticated, "invalid token", err))
				return
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithActor(r.Context(), actor)))
	})
}

// requireCSRF checks X-CSRF-Token against the token bound to the actor on
// every mutating request. Rejections are audited by the CSRF manager.
func (a *API) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			writeError(w, r, errs.ErrUnauthenticated)
			return
		}
		if !a.csrf.Validate(r.Context(), actor.ID, r.Header.Get(csrfHeader)) {
			writeError(w, r, errs.New(errs.CodeCSRFInvalid, "missing or invalid "+csrfHeader))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireRole(r *http.Request, roles ...auth.Role) (auth.Actor, error) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		return auth.Actor{}, errs.ErrUnauthenticated
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return auth.Actor{}, errs.Newf(errs.CodePermissionDenied, "role %s may not perform this operation", actor.Role)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
