package csrf

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/errs"
)

func newTestManager(t *testing.T) (*Manager, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	log, err := audit.NewLog(sink)
	require.NoError(t, err)
	return NewManager(NewMemoryStore(), log), sink
}

func TestIssueAndValidate(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	token, err := m.Issue(ctx, "sess-a")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, tokenBytes)

	assert.True(t, m.Validate(ctx, "sess-a", token))
	assert.False(t, m.Validate(ctx, "sess-b", token), "tokens are bound to their context")
	assert.False(t, m.Validate(ctx, "sess-a", token[:len(token)-1]))
	assert.False(t, m.Validate(ctx, "sess-a", ""))

	entries := sink.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, audit.EventCSRFIssued, entries[0].Action)
	for _, e := range entries[1:] {
		assert.Equal(t, audit.EventCSRFRejected, e.Action)
		assert.False(t, e.Success)
	}
	assert.Equal(t, "no token bound", entries[1].Metadata.Reason)
}

func TestReissueInvalidatesPreviousToken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Issue(ctx, "sess-a")
	require.NoError(t, err)
	second, err := m.Issue(ctx, "sess-a")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.False(t, m.Validate(ctx, "sess-a", first))
	assert.True(t, m.Validate(ctx, "sess-a", second))

	require.NoError(t, m.Revoke(ctx, "sess-a"))
	assert.False(t, m.Validate(ctx, "sess-a", second))
}

func TestMatchDoesNotAudit(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	ok, reason := m.Match(ctx, "sess-a", "nope")
	assert.False(t, ok)
	assert.Equal(t, "no token bound", reason)
	assert.Zero(t, sink.Len())
}

func TestIssueRequiresContext(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Issue(context.Background(), "  ")
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestConcurrentIssueLeavesOneValidToken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tokens := make([]string, 16)
	var wg sync.WaitGroup
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Issue(ctx, "sess-a")
			if err == nil {
				tokens[i] = tok
			}
		}(i)
	}
	wg.Wait()

	valid := 0
	for _, tok := range tokens {
		if ok, _ := m.Match(ctx, "sess-a", tok); ok {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
}
