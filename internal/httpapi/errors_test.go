package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/obs"
)

func TestWriteErrorHidesAndLogsUnclassifiedErrors(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	rr := httptest.NewRecorder()
	writeError(rr, req, errors.New("pq: connection reset"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != errs.CodeInternal || body.Error.Message != "internal error" {
		t.Fatalf("unexpected body: %+v", body)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["component"] != "http" || entry["path"] != "/v1/audit" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["error"] != "pq: connection reset" {
		t.Fatalf("cause not logged: %v", entry)
	}
}

func TestWriteErrorKeepsTypedMessages(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	rr := httptest.NewRecorder()
	writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), errs.New(errs.CodeSessionExpired, "session s-1 expired"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "session s-1 expired") {
		t.Fatalf("message lost: %s", rr.Body.String())
	}
	if buf.Len() != 0 {
		t.Fatalf("typed errors should not be logged: %s", buf.String())
	}
}
