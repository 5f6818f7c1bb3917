package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/obs"
)

type errorBody struct {
	Error struct {
		Code    errs.Code `json:"code"`
		Message string    `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError renders err as the JSON error body. Unclassified errors are
// logged and reported as INTERNAL without their text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var body errorBody
	body.RequestID = requestIDFrom(r.Context())
	body.Error.Code = errs.CodeOf(err)

	var typed *errs.Error
	if errors.As(err, &typed) && typed.Code != errs.CodeInternal {
		body.Error.Message = typed.Message
	} else {
		body.Error.Code = errs.CodeInternal
		body.Error.Message = "internal error"
		logger := obs.Component("http")
		logger.Error().Err(err).Str("request_id", body.RequestID).
			Str("path", r.URL.Path).Msg("unhandled error")
	}
	writeJSON(w, errs.HTTPStatus(err), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.New(errs.CodeInvalidRequest, "request body too large")
		}
		return errs.Wrap(errs.CodeInvalidRequest, "invalid JSON body", err)
	}
	return nil
}
