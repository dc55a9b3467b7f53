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

func newTestItem(size int64) *QueueItem {
	return New("/tmp/a.bin", "/tmp/a.bin.!dctmp", size, tigertree.Hash192{}, Normal, 0, time.Now())
}

func TestAddSegmentUpdatesDoneAndDirty(t *testing.T) {
	qi := newTestItem(100)
	assert.False(t, qi.IsDirty())

	qi.AddSegment(0, 10)
	assert.True(t, qi.IsDirty())
	assert.True(t, qi.Done().Contains(0, 10))
	assert.False(t, qi.IsFinished())

	qi.ClearDirty()
	assert.False(t, qi.IsDirty())
}

func TestIsFinishedOnlyWhenDoneCoversWholeFile(t *testing.T) {
	qi := newTestItem(10)
	assert.False(t, qi.IsFinished())
	qi.AddSegment(0, 10)
	assert.True(t, qi.IsFinished())
}

func TestAddRunningAndRemoveRunning(t *testing.T) {
	qi := newTestItem(100)
	assert.False(t, qi.IsRunning())

	seg := roadmap.Segment{Start: 0, Size: 10}
	qi.AddRunning(seg)
	assert.True(t, qi.IsRunning())
	assert.Len(t, qi.Running(), 1)

	qi.RemoveRunning(seg)
	assert.False(t, qi.IsRunning())
}

func TestAddSourceRejectsDuplicateAcrossGoodAndBad(t *testing.T) {
	qi := newTestItem(10)
	require.NoError(t, qi.AddSource("u1", 0))
	assert.ErrorIs(t, qi.AddSource("u1", 0), qerr.ErrDuplicateSource)

	qi2 := newTestItem(10)
	require.NoError(t, qi2.AddSource("u2", 0))
	qi2.MarkBad("u2", SourceFileNotAvailable)
	assert.ErrorIs(t, qi2.AddSource("u2", 0), qerr.ErrDuplicateSource)
}

func TestMarkBadMovesSourceBetweenSets(t *testing.T) {
	qi := newTestItem(10)
	require.NoError(t, qi.AddSource("u1", 0))
	assert.False(t, qi.IsBad("u1"))

	qi.MarkBad("u1", SourceTTHInconsistency)
	assert.True(t, qi.IsBad("u1"))
	_, stillGood := qi.Source("u1")
	assert.False(t, stillGood)
}

func TestPromoteSourceMovesBackToGood(t *testing.T) {
	qi := newTestItem(10)
	require.NoError(t, qi.AddSource("u1", 0))
	qi.MarkBad("u1", SourcePartial)
	require.True(t, qi.IsBad("u1"))

	qi.PromoteSource("u1")
	assert.False(t, qi.IsBad("u1"))
	_, ok := qi.Source("u1")
	assert.True(t, ok)
}

func TestRemoveSourceDropsFromBothSets(t *testing.T) {
	qi := newTestItem(10)
	require.NoError(t, qi.AddSource("u1", 0))
	qi.RemoveSource("u1")
	assert.Equal(t, 0, qi.OnlineSourceCount())
	assert.False(t, qi.IsBad("u1"))
}

func TestUpdatePartialReplacesBitmapWholesale(t *testing.T) {
	qi := newTestItem(10)
	require.NoError(t, qi.AddSource("u1", 0))

	ok := qi.UpdatePartial("u1", &PartialSource{Parts: []byte{0x01}})
	require.True(t, ok)
	rec, _ := qi.Source("u1")
	assert.Equal(t, []byte{0x01}, rec.Partial.Parts)

	ok = qi.UpdatePartial("u1", &PartialSource{Parts: []byte{0xFF}})
	require.True(t, ok)
	rec, _ = qi.Source("u1")
	assert.Equal(t, []byte{0xFF}, rec.Partial.Parts)

	assert.False(t, qi.UpdatePartial("unknown", &PartialSource{}))
}
