package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/roadmap"
	"github.com/flylinkdc/queuecore/tigertree"
)

func testBuckets() SizeBuckets {
	return SizeBuckets{
		HighestMax:  1 << 20,
		HighMax:     16 << 20,
		NormalMax:   256 << 20,
		LowMax:      1 << 30,
		AllowLowest: true,
	}
}

func rootFor(b byte) tigertree.Hash192 {
	var h tigertree.Hash192
	h[0] = b
	return h
}

func TestFileQueueAddAndFind(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	qi, err := fq.Add("/tmp/a.bin", "/tmp/a.bin.!dctmp", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)

	found, ok := fq.Find("/tmp/a.bin")
	require.True(t, ok)
	assert.Same(t, qi, found)

	byTTH := fq.FindByTTH(rootFor(1))
	require.Len(t, byTTH, 1)
	assert.Same(t, qi, byTTH[0])
}

func TestFileQueueAddDuplicateTarget(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	_, err := fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)

	_, err = fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	assert.ErrorIs(t, err, qerr.ErrDuplicateTarget)
}

func TestFileQueueAddSizeMismatch(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	_, err := fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)

	_, err = fq.Add("/tmp/a.bin", "", 20, 0, Default, time.Now(), rootFor(1), 3, false)
	assert.ErrorIs(t, err, qerr.ErrSizeMismatch)
}

func TestFileQueueAddTthMismatch(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	_, err := fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)

	_, err = fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(2), 3, false)
	assert.ErrorIs(t, err, qerr.ErrTthMismatch)
}

func TestFileQueueDefaultPriorityBySize(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	small, err := fq.Add("/tmp/small.bin", "", 100, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)
	assert.Equal(t, Highest, small.Priority())

	big, err := fq.Add("/tmp/big.bin", "", 2<<30, 0, Default, time.Now(), rootFor(2), 3, false)
	require.NoError(t, err)
	assert.Equal(t, Lowest, big.Priority())
}

func TestFileQueueUserListGetsHighestAndNoMaxSegments(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	qi, err := fq.Add("/tmp/list.xml.bz2", "", 1<<20, FlagUserList, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)
	assert.Equal(t, Highest, qi.Priority())
	assert.EqualValues(t, 0, qi.MaxSegments())
}

func TestFileQueueMoveTarget(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	qi, err := fq.Add("/tmp/old.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)

	require.NoError(t, fq.MoveTarget(qi, "/tmp/new.bin"))
	_, ok := fq.Find("/tmp/old.bin")
	assert.False(t, ok)
	found, ok := fq.Find("/tmp/new.bin")
	require.True(t, ok)
	assert.Same(t, qi, found)
}

func TestFileQueueMoveTargetRejectsCollision(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	qi1, err := fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)
	_, err = fq.Add("/tmp/b.bin", "", 10, 0, Default, time.Now(), rootFor(2), 3, false)
	require.NoError(t, err)

	err = fq.MoveTarget(qi1, "/tmp/b.bin")
	assert.ErrorIs(t, err, qerr.ErrDuplicateTarget)
}

func TestFileQueueRemove(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	qi, err := fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)

	fq.Remove(qi)
	_, ok := fq.Find("/tmp/a.bin")
	assert.False(t, ok)
	assert.Empty(t, fq.FindByTTH(rootFor(1)))
}

func TestFileQueueRunningCount(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	qi1, err := fq.Add("/tmp/a.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)
	_, err = fq.Add("/tmp/b.bin", "", 10, 0, Default, time.Now(), rootFor(2), 3, false)
	require.NoError(t, err)

	assert.Equal(t, 0, fq.RunningCount(0))
	qi1.AddRunning(roadmap.Segment{Start: 0, Size: 5})
	assert.Equal(t, 1, fq.RunningCount(0))
}

func TestFileQueueFindAutoSearchSkipsIneligible(t *testing.T) {
	fq := NewFileQueue(testBuckets())
	finished, err := fq.Add("/tmp/finished.bin", "", 10, 0, Default, time.Now(), rootFor(1), 3, false)
	require.NoError(t, err)
	finished.AddSegment(0, 10)

	paused, err := fq.Add("/tmp/paused.bin", "", 10, 0, Default, time.Now(), rootFor(2), 3, false)
	require.NoError(t, err)
	paused.SetPriority(Paused)

	eligible, err := fq.Add("/tmp/eligible.bin", "", 10, 0, Normal, time.Now(), rootFor(3), 3, false)
	require.NoError(t, err)

	qi, ok := fq.FindAutoSearch(nil, 0)
	require.True(t, ok)
	assert.Same(t, eligible, qi)
}
