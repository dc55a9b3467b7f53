package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/tigertree"
)

type fakePicker struct {
	runnable map[*QueueItem]bool
}

func (f fakePicker) HasRunnableSegment(qi *QueueItem, user UserID) bool {
	return f.runnable[qi]
}

func (f fakePicker) NoNeededPart(qi *QueueItem, user UserID) bool {
	return false
}

func TestUserQueuePushBackByDefault(t *testing.T) {
	uq := NewUserQueue()
	qi1 := New("/tmp/a", "", 10, tigertree.Hash192{}, Normal, 0, time.Now())
	qi2 := New("/tmp/b", "", 10, tigertree.Hash192{}, Normal, 0, time.Now())

	uq.AddSource("u1", qi1)
	uq.AddSource("u1", qi2)

	picker := fakePicker{runnable: map[*QueueItem]bool{qi1: true, qi2: true}}
	first, ok := uq.NextFor("u1", Lowest, picker, func() int { return 0 }, 0, false)
	require.True(t, ok)
	assert.Same(t, qi1, first, "freshly queued items without downloaded bytes push to the back (FIFO)")
}

func TestUserQueuePushFrontWhenResumed(t *testing.T) {
	uq := NewUserQueue()
	qi1 := New("/tmp/a", "", 10, tigertree.Hash192{}, Normal, 0, time.Now())
	qi2 := New("/tmp/b", "", 10, tigertree.Hash192{}, Normal, 0, time.Now())
	qi2.AddSegment(0, 4) // already has downloaded bytes -> push front

	uq.AddSource("u1", qi1)
	uq.AddSource("u1", qi2)

	picker := fakePicker{runnable: map[*QueueItem]bool{qi1: true, qi2: true}}
	first, ok := uq.NextFor("u1", Lowest, picker, func() int { return 0 }, 0, false)
	require.True(t, ok)
	assert.Same(t, qi2, first)
}

func TestUserQueueNextForScansPriorityHighToLow(t *testing.T) {
	uq := NewUserQueue()
	low := New("/tmp/low", "", 10, tigertree.Hash192{}, Low, 0, time.Now())
	high := New("/tmp/high", "", 10, tigertree.Hash192{}, High, 0, time.Now())

	uq.AddSource("u1", low)
	uq.AddSource("u1", high)

	picker := fakePicker{runnable: map[*QueueItem]bool{low: true, high: true}}
	got, ok := uq.NextFor("u1", Lowest, picker, func() int { return 0 }, 0, false)
	require.True(t, ok)
	assert.Same(t, high, got)
}

func TestUserQueueNextForRespectsFileSlotsCap(t *testing.T) {
	uq := NewUserQueue()
	qi := New("/tmp/a", "", 10, tigertree.Hash192{}, Normal, 0, time.Now())
	uq.AddSource("u1", qi)

	picker := fakePicker{runnable: map[*QueueItem]bool{qi: true}}
	_, ok := uq.NextFor("u1", Lowest, picker, func() int { return 4 }, 4, false)
	assert.False(t, ok)
	assert.ErrorIs(t, uq.LastError("u1"), qerr.ErrAllSlotsTaken)
}

func TestUserQueueRunningTracksSingleTaskPerUser(t *testing.T) {
	uq := NewUserQueue()
	qi := New("/tmp/a", "", 10, tigertree.Hash192{}, Normal, 0, time.Now())

	_, ok := uq.Running("u1")
	assert.False(t, ok)

	uq.SetRunning("u1", qi)
	got, ok := uq.Running("u1")
	require.True(t, ok)
	assert.Same(t, qi, got)

	uq.ClearRunning("u1")
	_, ok = uq.Running("u1")
	assert.False(t, ok)
}

func TestUserQueueRemoveSourceDropsFromEveryPriorityAndRunning(t *testing.T) {
	uq := NewUserQueue()
	qi := New("/tmp/a", "", 10, tigertree.Hash192{}, Normal, 0, time.Now())
	uq.AddSource("u1", qi)
	uq.SetRunning("u1", qi)

	uq.RemoveSource("u1", qi)

	picker := fakePicker{runnable: map[*QueueItem]bool{qi: true}}
	_, ok := uq.NextFor("u1", Lowest, picker, func() int { return 0 }, 0, false)
	assert.False(t, ok)
	_, running := uq.Running("u1")
	assert.False(t, running)
}
