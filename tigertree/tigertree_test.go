package tigertree

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashAll(data []byte, blockSize int64, chunkSize int) Hash192 {
	tt := New(int64(len(data)), blockSize)
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		tt.Update(data[i:end])
	}
	return tt.Finalize()
}

func TestChunkingIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 200*1024)
	rng.Read(data)

	want := hashAll(data, 64*1024, len(data))
	for _, chunk := range []int{1, 7, 1024, 64*1024 - 1, 64 * 1024, 99999} {
		got := hashAll(data, 64*1024, chunk)
		assert.Equal(t, want, got, "chunk size %d should not change the root", chunk)
	}
}

func TestOneLeafForSmallFile(t *testing.T) {
	data := []byte("hello, direct connect")
	tt := New(int64(len(data)), 64*1024)
	tt.Update(data)
	root := tt.Finalize()
	require.Len(t, tt.Leaves(), 1)
	assert.Equal(t, tt.Leaves()[0], root)
}

func TestAlteringOneByteChangesRootAndOneLeaf(t *testing.T) {
	blockSize := int64(1024)
	data := make([]byte, blockSize*4)
	for i := range data {
		data[i] = byte(i)
	}
	orig := bytes.Clone(data)
	ttOrig := New(int64(len(orig)), blockSize)
	ttOrig.Update(orig)
	rootOrig := ttOrig.Finalize()

	mutated := bytes.Clone(data)
	mutated[blockSize*2+5] ^= 0xFF
	ttMut := New(int64(len(mutated)), blockSize)
	ttMut.Update(mutated)
	rootMut := ttMut.Finalize()

	assert.NotEqual(t, rootOrig, rootMut)

	origLeaves := ttOrig.Leaves()
	mutLeaves := ttMut.Leaves()
	require.Len(t, origLeaves, 4)
	require.Len(t, mutLeaves, 4)
	changed := 0
	for i := range origLeaves {
		if origLeaves[i] != mutLeaves[i] {
			changed++
		}
	}
	assert.Equal(t, 1, changed, "exactly one leaf should change")
}

func TestBlockSizeFor(t *testing.T) {
	assert.Equal(t, MinBlockSize, BlockSizeFor(0))
	assert.Equal(t, MinBlockSize, BlockSizeFor(MinBlockSize*MaxLeaves))
	assert.Equal(t, MinBlockSize*2, BlockSizeFor(MinBlockSize*MaxLeaves+1))
}

func TestNumLeaves(t *testing.T) {
	assert.EqualValues(t, 1, NumLeaves(0, 1024))
	assert.EqualValues(t, 1, NumLeaves(1024, 1024))
	assert.EqualValues(t, 2, NumLeaves(1025, 1024))
}

func TestValidateAgainst(t *testing.T) {
	data := []byte("some file bytes")
	tt := New(int64(len(data)), 64*1024)
	tt.Update(data)
	root := tt.Finalize()
	assert.True(t, tt.ValidateAgainst(root))
	assert.False(t, tt.ValidateAgainst(Hash192{}))
}

func TestFromLeavesRecomputesRoot(t *testing.T) {
	data := make([]byte, 3*1024)
	rand.New(rand.NewSource(2)).Read(data)
	tt := New(int64(len(data)), 1024)
	tt.Update(data)
	root := tt.Finalize()

	reloaded := FromLeaves(tt.FileSize(), tt.BlockSize(), tt.Leaves())
	assert.Equal(t, root, reloaded.Root())
}
