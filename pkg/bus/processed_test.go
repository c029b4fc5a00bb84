package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedSetMark(t *testing.T) {
	p := NewProcessedSet(100)

	require.True(t, p.Mark("a"), "first mark succeeds")
	require.False(t, p.Mark("a"), "second mark reports duplicate")
	assert.True(t, p.Contains("a"))
	assert.False(t, p.Contains("b"))
}

func TestProcessedSetEviction(t *testing.T) {
	p := NewProcessedSet(100)

	for i := 0; i < 100; i++ {
		require.True(t, p.Mark(fmt.Sprintf("id-%d", i)))
	}
	require.Equal(t, 100, p.Len())

	// The next mark triggers eviction of the oldest 10%.
	require.True(t, p.Mark("id-100"))
	assert.Equal(t, 91, p.Len())

	t.Run("oldest evicted, newest kept", func(t *testing.T) {
		assert.False(t, p.Contains("id-0"))
		assert.False(t, p.Contains("id-9"))
		assert.True(t, p.Contains("id-10"))
		assert.True(t, p.Contains("id-99"))
		assert.True(t, p.Contains("id-100"))
	})

	t.Run("no false positives after eviction", func(t *testing.T) {
		// An evicted id re-marks as new — a duplicate may slip through the
		// set after eviction, but an unseen id must never read as seen.
		for i := 200; i < 300; i++ {
			assert.False(t, p.Contains(fmt.Sprintf("id-%d", i)))
		}
		require.True(t, p.Mark("id-0"), "evicted id behaves as unseen")
	})
}

func TestHistoryRingWrapAround(t *testing.T) {
	r := NewHistoryRing(5)

	for i := 0; i < 8; i++ {
		r.Append(testEvent("TASK_CREATED", "task", fmt.Sprintf("t-%d", i)))
	}

	require.Equal(t, 5, r.Len())
	snap := r.Snapshot()
	require.Len(t, snap, 5)
	assert.Equal(t, "t-3", snap[0].AggregateID, "oldest first")
	assert.Equal(t, "t-7", snap[4].AggregateID, "newest last")
}
