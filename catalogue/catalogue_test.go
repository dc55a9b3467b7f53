package catalogue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylinkdc/queuecore/roadmap"
	"github.com/flylinkdc/queuecore/tigertree"
)

func TestAddFileThenCheckTth(t *testing.T) {
	c := NewInMemory()
	tree := tigertree.New(11, 0)
	tree.Update([]byte("hello world"))
	tree.Finalize()
	mtime := time.Unix(1700000000, 0)

	require.NoError(t, c.AddFile(FileRecord{PathID: "p1", Name: "hello.txt", ModTime: mtime, Tree: tree, Size: 11}))

	root, ok := c.CheckTth("hello.txt", "p1", 11, mtime)
	require.True(t, ok)
	assert.Equal(t, tree.Root(), root)

	_, ok = c.CheckTth("hello.txt", "p1", 11, mtime.Add(time.Second))
	assert.False(t, ok)

	gotTree, blockSize, ok := c.GetTree(tree.Root())
	require.True(t, ok)
	assert.Equal(t, tree.BlockSize(), blockSize)
	assert.Equal(t, tree.Root(), gotTree.Root())
}

func TestQueuePersistenceRoundTrip(t *testing.T) {
	c := NewInMemory()
	item := QueueItemRecord{ID: "t1", Target: "/tmp/a", Size: 10, Priority: 3}
	require.NoError(t, c.MergeQueueAllItems([]QueueItemRecord{item}))
	require.NoError(t, c.MergeQueueAllSegments("t1", []roadmap.Segment{{Start: 0, Size: 4}, {Start: 6, Size: 4}}))

	loaded, err := c.LoadQueue()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "t1", loaded[0].ID)
	assert.Equal(t, []roadmap.Segment{{Start: 0, Size: 4}, {Start: 6, Size: 4}}, loaded[0].Done)

	require.NoError(t, c.RemoveQueueItem("t1"))
	loaded, err = c.LoadQueue()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
