package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersBandsDescending(t *testing.T) {
	q := newPriorityQueue()
	q.push(Intent{RemotePath: "low", Priority: 1})
	q.push(Intent{RemotePath: "high", Priority: 10})
	q.push(Intent{RemotePath: "mid", Priority: 5})

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "high", first.RemotePath)

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "mid", second.RemotePath)

	third, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "low", third.RemotePath)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestPriorityQueueFIFOWithinBand(t *testing.T) {
	q := newPriorityQueue()
	q.push(Intent{RemotePath: "first", Priority: 5})
	q.push(Intent{RemotePath: "second", Priority: 5})
	q.push(Intent{RemotePath: "third", Priority: 5})

	for _, want := range []string{"first", "second", "third"} {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, got.RemotePath)
	}
}

func TestRingGrowsUnderLoad(t *testing.T) {
	r := newRing(2)
	for i := 0; i < 10; i++ {
		r.add(Intent{Priority: i})
	}
	assert.Equal(t, 10, r.length())
	for i := 0; i < 10; i++ {
		e, ok := r.remove()
		require.True(t, ok)
		assert.Equal(t, i, e.Priority)
	}
}
