// Package slug derives unique, URL-safe tenant identifiers from display names.
package slug

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/obs"
)

const (
	MinLength   = 3
	MaxAttempts = 100
	shortSuffix = "tenant"
)

var (
	disallowed = regexp.MustCompile(`[^a-z0-9\s-]`)
	whitespace = regexp.MustCompile(`\s+`)
	hyphenRuns = regexp.MustCompile(`-{2,}`)
	wellFormed = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// ErrTaken is returned by Registry.Claim when another tenant holds the slug.
var ErrTaken = errors.New("slug: taken")

// Registry is the uniqueness collaborator. Exists is advisory; Claim is the
// atomic, authoritative reservation.
type Registry interface {
	Exists(ctx context.Context, slug string) (bool, error)
	Claim(ctx context.Context, slug, tenantID string) error
}

// Normalize maps name onto the slug alphabet. It is idempotent.
func Normalize(name string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err != nil {
		folded = name
	}
	s := strings.ToLower(folded)
	s = disallowed.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = whitespace.ReplaceAllString(s, "-")
	s = hyphenRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) < MinLength {
		if s == "" {
			return shortSuffix
		}
		s += "-" + shortSuffix
	}
	return s
}

// Valid reports whether s is an acceptable slug.
func Valid(s string) bool {
	return len(s) >= MinLength && wellFormed.MatchString(s)
}

// Resolver finds the first free candidate for a name.
type Resolver struct {
	registry Registry
	audit    audit.Recorder
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option configures Resolver.
type Option func(*Resolver)

// WithTimeout bounds each registry call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver constructs a Resolver over registry.
func NewResolver(registry Registry, rec audit.Recorder, opts ...Option) *Resolver {
	r := &Resolver{
		registry: registry,
		audit:    rec,
		timeout:  2 * time.Second,
		logger:   obs.Component("slug"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first candidate not already taken: the normalized base,
// then base-2, base-3 and so on, up to MaxAttempts checks. Each check depends
// on the previous one, so the loop is strictly sequential.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errs.New(errs.CodeInvalidRequest, "tenant name is required")
	}
	base := Normalize(name)
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		candidate := base
		if attempt > 1 {
			candidate = base + "-" + strconv.Itoa(attempt)
		}
		taken, err := r.exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			r.logger.Debug().Str("slug", candidate).Int("attempt", attempt).Msg("slug resolved")
			return candidate, nil
		}
	}
	return "", errs.Newf(errs.CodeSlugExhausted, "no free slug for %q after %d attempts", base, MaxAttempts)
}

func (r *Resolver) exists(ctx context.Context, candidate string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	taken, err := r.registry.Exists(cctx, candidate)
	if err != nil {
		return false, errs.Wrap(errs.CodeSinkUnavailable, fmt.Sprintf("check slug %q", candidate), err)
	}
	return taken, nil
}

// Claim reserves slug for tenantID. Losing the race surfaces SlugConflict so
// the caller can resolve again.
func (r *Resolver) Claim(ctx context.Context, slug, tenantID string) error {
	if !Valid(slug) || strings.TrimSpace(tenantID) == "" {
		return errs.Newf(errs.CodeInvalidRequest, "invalid slug claim %q", slug)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.registry.Claim(cctx, slug, tenantID)
	switch {
	case errors.Is(err, ErrTaken):
		r.record(ctx, slug, tenantID, audit.EventSlugConflict, false)
		return errs.Wrap(errs.CodeSlugConflict, fmt.Sprintf("slug %q claimed concurrently", slug), err)
	case err != nil:
		return errs.Wrap(errs.CodeSinkUnavailable, fmt.Sprintf("claim slug %q", slug), err)
	}
	r.record(ctx, slug, tenantID, audit.EventSlugClaimed, true)
	return nil
}

// ResolveAndClaim resolves name and claims the result, resolving again when
// a concurrent claim wins, for at most retries rounds.
func (r *Resolver) ResolveAndClaim(ctx context.Context, name, tenantID string, retries int) (string, error) {
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		candidate, err := r.Resolve(ctx, name)
		if err != nil {
			return "", err
		}
		err = r.Claim(ctx, candidate, tenantID)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, errs.ErrSlugConflict) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (r *Resolver) record(ctx context.Context, slug, tenantID, event string, success bool) {
	if r.audit == nil {
		return
	}
	e := audit.Entry{
		ActorID:    tenantID,
		TenantID:   tenantID,
		Action:     event,
		ActionType: audit.TypeCreate,
		Resource:   "tenant_slug",
		ResourceID: slug,
		Success:    success,
	}
	if !success {
		e.Error = "slug already claimed"
	}
	if _, err := r.audit.Record(ctx, e); err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("audit record failed")
	}
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu    sync.Mutex
	slugs map[string]string
}

func NewMemoryRegistry(existing ...string) *MemoryRegistry {
	m := &MemoryRegistry{slugs: make(map[string]string)}
	for _, s := range existing {
		m.slugs[s] = ""
	}
	return m
}

func (m *MemoryRegistry) Exists(ctx context.Context, slug string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slugs[slug]
	return ok, nil
}

func (m *MemoryRegistry) Claim(ctx context.Context, slug, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slugs[slug]; ok {
		return ErrTaken
	}
	m.slugs[slug] = tenantID
	return nil
}
