package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/impersonations":                  "/v1/impersonations",
		"/v1/impersonations/01HZX":            "/v1/impersonations/:id",
		"/v1/impersonations/01HZX/authorize":  "/v1/impersonations/:id/authorize",
		"/v1/impersonations/01HZX/end":        "/v1/impersonations/:id/end",
		"/v1/impersonations/01HZX/extra":      "/v1/impersonations/01HZX/extra",
		"/v1/impersonations/sweep":            "/v1/impersonations/sweep",
		"/v1/audit?session_id=01HZX&limit=10": "/v1/audit",
		"/v1/slugs/resolve":                   "/v1/slugs/resolve",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, CanonicalPath(input), "CanonicalPath(%q)", input)
	}
}

func TestInstrumentPassesStatusThrough(t *testing.T) {
	Init()
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/impersonations/abc", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestSetOutputRedirectsLogger(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	l := Component("ratelimit")
	l.Warn().Str("action", "impersonation_start").Msg("local-only")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ratelimit", entry["component"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "local-only", entry["message"])
	assert.Contains(t, entry, "ts")
}
