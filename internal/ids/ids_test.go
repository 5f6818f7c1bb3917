package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAtSortsByClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := NewAt(base)
	second := NewAt(base.Add(time.Millisecond))
	sameMs := NewAt(base.Add(time.Millisecond))

	require.True(t, Valid(first))
	assert.Less(t, first, second)
	assert.Less(t, second, sameMs, "monotonic entropy keeps ids in the same millisecond ordered")
	assert.False(t, Valid("not-an-id"))
}
