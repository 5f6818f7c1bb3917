// Package csrf issues and validates request-forgery tokens bound to a client
// session context.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/obs"
)

const tokenBytes = 32

// Binding is the digest of the single active token for a context.
type Binding struct {
	Digest   [sha256.Size]byte
	IssuedAt time.Time
}

// Store holds one Binding per context key. Put replaces any existing binding.
type Store interface {
	Put(ctx context.Context, key string, b Binding) error
	Get(ctx context.Context, key string) (Binding, bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]Binding)}
}

func (s *MemoryStore) Put(_ context.Context, key string, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[key] = b
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Binding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[key]
	return b, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, key)
	return nil
}

// Manager issues tokens and checks presented values against the current binding.
type Manager struct {
	store  Store
	audit  audit.Recorder
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. A nil store gets a fresh MemoryStore.
func NewManager(store Store, rec audit.Recorder, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:  store,
		audit:  rec,
		now:    time.Now,
		logger: obs.Component("csrf"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue generates a token for contextKey, replacing any previous one.
func (m *Manager) Issue(ctx context.Context, contextKey string) (string, error) {
	contextKey = strings.TrimSpace(contextKey)
	if contextKey == "" {
		return "", errs.New(errs.CodeInvalidRequest, "csrf context is required")
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("csrf: read random: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	if err := m.store.Put(ctx, contextKey, Binding{Digest: sha256.Sum256([]byte(token)), IssuedAt: m.now().UTC()}); err != nil {
		return "", fmt.Errorf("csrf: bind token: %w", err)
	}
	m.record(ctx, contextKey, audit.EventCSRFIssued, true, "")
	return token, nil
}

// Validate reports whether presented is the token currently bound to
// contextKey. Absence and any mismatch are false, and a rejection is audited.
func (m *Manager) Validate(ctx context.Context, contextKey, presented string) bool {
	ok, reason := m.Match(ctx, contextKey, presented)
	if !ok {
		m.record(ctx, strings.TrimSpace(contextKey), audit.EventCSRFRejected, false, reason)
	}
	return ok
}

// Match is Validate without the audit entry, for callers that audit the
// enclosing decision themselves. On rejection it returns the reason.
func (m *Manager) Match(ctx context.Context, contextKey, presented string) (bool, string) {
	contextKey = strings.TrimSpace(contextKey)
	b, ok, err := m.store.Get(ctx, contextKey)
	if err != nil {
		m.logger.Error().Err(err).Msg("csrf binding lookup failed")
		ok = false
	}
	got := sha256.Sum256([]byte(presented))
	match := subtle.ConstantTimeCompare(got[:], b.Digest[:]) == 1
	switch {
	case !ok:
		return false, "no token bound"
	case presented == "":
		return false, "token missing"
	case !match:
		return false, "token mismatch"
	}
	return true, ""
}

// Revoke removes the binding for contextKey.
func (m *Manager) Revoke(ctx context.Context, contextKey string) error {
	return m.store.Delete(ctx, strings.TrimSpace(contextKey))
}

func (m *Manager) record(ctx context.Context, contextKey, event string, success bool, reason string) {
	if m.audit == nil {
		return
	}
	e := audit.Entry{
		ActorID:     contextKey,
		Action:      event,
		ActionType:  audit.TypeSystem,
		Resource:    "csrf_token",
		Description: event,
		Success:     success,
		Metadata:    audit.Metadata{Reason: reason},
	}
	if !success {
		e.Error = reason
		e.Severity = audit.SeverityHigh
	}
	if _, err := m.audit.Record(ctx, e); err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("audit record failed")
	}
}
