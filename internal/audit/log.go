package audit

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"consoleguard.io/internal/errs"
	"consoleguard.io/internal/ids"
	"consoleguard.io/internal/obs"
)

const (
	defaultTimeout    = 2 * time.Second
	defaultBufferSize = 1024
	defaultPageSize   = 200
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder is the write side of the audit trail consumed by other components.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Entry, error)
}

// Log appends entries to a Sink. Sink failures never reach the caller: the
// entry is buffered and redelivered by Flush, and a medium-severity
// audit_sink_recovered entry is written once the sink accepts writes again.
type Log struct {
	sink       Sink
	timeout    time.Duration
	bufferSize int
	pageSize   int
	now        func() time.Time
	logger     zerolog.Logger

	flushMu sync.Mutex

	mu        sync.Mutex
	buffer    []Entry
	degraded  bool
	delivered int
	dropped   int
	lastErr   string
}

var _ Recorder = (*Log)(nil)

// Option configures Log.
type Option func(*Log) error

// WithTimeout bounds every sink call.
func WithTimeout(d time.Duration) Option {
	return func(l *Log) error {
		if d <= 0 {
			return fmt.Errorf("audit: timeout must be positive")
		}
		l.timeout = d
		return nil
	}
}

// WithBufferSize caps the number of entries held while the sink is down.
func WithBufferSize(n int) Option {
	return func(l *Log) error {
		if n <= 0 {
			return fmt.Errorf("audit: buffer size must be positive")
		}
		l.bufferSize = n
		return nil
	}
}

// WithPageSize sets how many entries Query fetches per sink round-trip.
func WithPageSize(n int) Option {
	return func(l *Log) error {
		if n > 0 {
			l.pageSize = n
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) error {
		if fn != nil {
			l.now = fn
		}
		return nil
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) error {
		l.logger = logger
		return nil
	}
}

// NewLog constructs a Log over sink.
func NewLog(sink Sink, opts ...Option) (*Log, error) {
	if sink == nil {
		return nil, fmt.Errorf("audit: sink is required")
	}
	l := &Log{
		sink:       sink,
		timeout:    defaultTimeout,
		bufferSize: defaultBufferSize,
		pageSize:   defaultPageSize,
		now:        time.Now,
		logger:     obs.Component("audit"),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Record validates and appends e, assigning an id and timestamp when absent.
// It only fails on malformed input.
func (l *Log) Record(ctx context.Context, e Entry) (Entry, error) {
	e, err := l.prepare(ctx, e)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	if l.degraded {
		l.bufferLocked(e)
		l.mu.Unlock()
		return e.Clone(), nil
	}
	l.mu.Unlock()

	if err := l.append(ctx, e); err != nil {
		l.mu.Lock()
		if !l.degraded {
			l.logger.Warn().Err(err).Msg("audit sink unavailable; buffering entries")
		}
		l.degraded = true
		l.lastErr = err.Error()
		l.bufferLocked(e)
		l.mu.Unlock()
		return e.Clone(), nil
	}
	obs.AuditEntries.WithLabelValues("written").Inc()
	return e.Clone(), nil
}

func (l *Log) prepare(ctx context.Context, e Entry) (Entry, error) {
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return Entry{}, errs.New(errs.CodeInvalidRequest, "audit action is required")
	}
	if e.ActionType == "" {
		e.ActionType = TypeSystem
	}
	if !e.ActionType.valid() {
		return Entry{}, errs.Newf(errs.CodeInvalidRequest, "unknown action type %q", e.ActionType)
	}
	switch e.Severity {
	case "":
		e.Severity = SeverityLow
		if !e.Success {
			e.Severity = SeverityMedium
		}
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return Entry{}, errs.Newf(errs.CodeInvalidRequest, "unknown severity %q", e.Severity)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC().Truncate(time.Microsecond)
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.Timestamp)
	}
	e = e.Clone()
	e.Metadata.Version = MetadataVersion
	if e.Metadata.RequestID == "" {
		e.Metadata.RequestID = RequestIDFromContext(ctx)
	}
	return e, nil
}

// bufferLocked queues e for redelivery. A full buffer drops the newest entry
// loudly: it is counted, logged at error level and reported by the recovery event.
func (l *Log) bufferLocked(e Entry) {
	if len(l.buffer) >= l.bufferSize {
		l.dropped++
		obs.AuditEntries.WithLabelValues("dropped").Inc()
		l.logger.Error().Str("entry_id", e.ID).Str("action", e.Action).Int("dropped", l.dropped).
			Msg("audit buffer full; entry dropped")
		return
	}
	l.buffer = append(l.buffer, e)
	obs.AuditEntries.WithLabelValues("buffered").Inc()
	obs.AuditBuffered.Set(float64(len(l.buffer)))
}

func (l *Log) append(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	return l.sink.Append(ctx, e)
}

// Flush redelivers buffered entries in order. When the buffer drains after
// an outage it appends the recovery meta-event.
func (l *Log) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	for {
		l.mu.Lock()
		if len(l.buffer) == 0 {
			if !l.degraded {
				l.mu.Unlock()
				return nil
			}
			meta := l.recoveryEntryLocked()
			l.mu.Unlock()

			if err := l.append(ctx, meta); err != nil {
				return errs.Wrap(errs.CodeSinkUnavailable, "append recovery event", err)
			}
			l.mu.Lock()
			l.degraded = false
			l.delivered, l.dropped, l.lastErr = 0, 0, ""
			l.mu.Unlock()
			l.logger.Info().Int("buffered", meta.Metadata.Buffered).Int("dropped", meta.Metadata.Dropped).
				Msg("audit sink recovered")
			continue
		}
		next := l.buffer[0]
		l.mu.Unlock()

		if err := l.append(ctx, next); err != nil {
			l.mu.Lock()
			l.degraded = true
			l.lastErr = err.Error()
			l.mu.Unlock()
			return errs.Wrap(errs.CodeSinkUnavailable, "flush audit buffer", err)
		}

		l.mu.Lock()
		l.buffer = l.buffer[1:]
		l.delivered++
		obs.AuditBuffered.Set(float64(len(l.buffer)))
		l.mu.Unlock()
		obs.AuditEntries.WithLabelValues("written").Inc()
	}
}

func (l *Log) recoveryEntryLocked() Entry {
	now := l.now().UTC().Truncate(time.Microsecond)
	return Entry{
		ID:          ids.NewAt(now),
		ActorID:     "system",
		Action:      EventSinkRecovered,
		ActionType:  TypeSystem,
		Resource:    "audit_sink",
		Description: "audit sink recovered after failure: " + l.lastErr,
		Timestamp:   now,
		Success:     true,
		Severity:    SeverityMedium,
		Metadata: Metadata{
			Version:  MetadataVersion,
			Buffered: l.delivered,
			Dropped:  l.dropped,
		},
	}
}

// Pending returns how many entries await redelivery.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Degraded reports whether the sink is currently considered unavailable.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Run flushes on every tick until ctx is done.
func (l *Log) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), l.timeout)
			if err := l.Flush(flushCtx); err != nil {
				l.logger.Error().Err(err).Int("pending", l.Pending()).Msg("final audit flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.logger.Debug().Err(err).Int("pending", l.Pending()).Msg("audit flush retry failed")
			}
		}
	}
}

// Query returns entries matching f in timestamp order. The sequence is lazy
// and restartable: every range re-reads the sink page by page.
func (l *Log) Query(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
			yield(Entry{}, errs.New(errs.CodeInvalidRequest, "time range end precedes start"))
			return
		}
		var after Cursor
		for {
			pageCtx, cancel := context.WithTimeout(ctx, l.timeout)
			page, err := l.sink.Page(pageCtx, f, after, l.pageSize)
			cancel()
			if err != nil {
				yield(Entry{}, errs.Wrap(errs.CodeSinkUnavailable, "query audit log", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			last := page[len(page)-1]
			after = Cursor{Timestamp: last.Timestamp, ID: last.ID}
		}
	}
}

// Collect drains a Query into a slice, stopping at limit entries when limit > 0.
func Collect(seq iter.Seq2[Entry, error], limit int) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
