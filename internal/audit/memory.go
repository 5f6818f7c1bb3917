package audit

import (
	"context"
	"sort"
	"sync"
)

// Sink is the durable append-only store behind Log.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	// Page returns up to limit entries matching f that sort after the cursor,
	// ordered by timestamp then id.
	Page(ctx context.Context, f Filter, after Cursor, limit int) ([]Entry, error)
}

// MemorySink keeps entries in process, ordered by timestamp.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e = e.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.entries), func(i int) bool { return less(e, s.entries[i]) })
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	return nil
}

func (s *MemorySink) Page(ctx context.Context, f Filter, after Cursor, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if !after.After(e) || !f.Match(e) {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of everything stored, in order.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Clone()
	}
	return out
}
