package roadmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddIdempotent(t *testing.T) {
	r1 := New(1000)
	r1.Add(100, 200)
	r2 := New(1000)
	r2.Add(100, 200)
	r2.Add(100, 200)
	assert.Equal(t, r1.intervals, r2.intervals)
}

func TestAddCoalesce(t *testing.T) {
	for _, _case := range []struct {
		name string
		adds [][2]int64
		want []interval
	}{
		{"disjoint", [][2]int64{{0, 10}, {20, 10}}, []interval{{0, 10}, {20, 30}}},
		{"touching", [][2]int64{{0, 10}, {10, 10}}, []interval{{0, 20}}},
		{"overlapping", [][2]int64{{0, 10}, {5, 10}}, []interval{{0, 15}}},
		{"bridges-gap", [][2]int64{{0, 10}, {20, 10}, {10, 10}}, []interval{{0, 30}}},
		{"reverse-order", [][2]int64{{20, 10}, {0, 10}}, []interval{{0, 10}, {20, 30}}},
	} {
		t.Run(_case.name, func(t *testing.T) {
			r := New(1000)
			for _, a := range _case.adds {
				r.Add(a[0], a[1])
			}
			assert.Equal(t, _case.want, r.intervals)
		})
	}
}

func TestContains(t *testing.T) {
	r := New(1000)
	r.Add(0, 10)
	r.Add(20, 10)
	assert.True(t, r.Contains(0, 10))
	assert.True(t, r.Contains(2, 5))
	assert.False(t, r.Contains(5, 10))
	assert.True(t, r.Contains(100, 0), "zero-size query is always satisfied")
	assert.False(t, r.Contains(9, 12))
}

func TestNextMissing(t *testing.T) {
	r := New(100)
	r.Add(0, 10)
	r.Add(20, 10)

	seg, ok := r.NextMissing(0, 1000)
	require.True(t, ok)
	assert.Equal(t, Segment{Start: 10, Size: 10}, seg)

	seg, ok = r.NextMissing(15, 1000)
	require.True(t, ok)
	assert.Equal(t, Segment{Start: 15, Size: 5}, seg)

	seg, ok = r.NextMissing(30, 1000)
	require.True(t, ok)
	assert.Equal(t, Segment{Start: 30, Size: 70}, seg)

	seg, ok = r.NextMissing(30, 5)
	require.True(t, ok)
	assert.Equal(t, Segment{Start: 30, Size: 5}, seg)

	r.Add(30, 70)
	_, ok = r.NextMissing(0, 1000)
	assert.False(t, ok)
}

func TestDone(t *testing.T) {
	r := New(10)
	assert.False(t, r.Done())
	r.Add(0, 10)
	assert.True(t, r.Done())
}

func TestMissingAlignedClipsToBlockBoundaries(t *testing.T) {
	r := New(200)
	r.Add(70, 10) // [70,80) present, block=64 -> missing aligned segments should respect 64-byte grid
	next := r.MissingAligned(64)

	seg, ok := next()
	require.True(t, ok)
	assert.Equal(t, Segment{Start: 0, Size: 128}, seg)

	seg, ok = next()
	require.True(t, ok)
	assert.Equal(t, Segment{Start: 128, Size: 72}, seg)

	_, ok = next()
	assert.False(t, ok)
}

func TestMissingAlignedFullyPresent(t *testing.T) {
	r := New(64)
	r.Add(0, 64)
	next := r.MissingAligned(64)
	_, ok := next()
	assert.False(t, ok)
}
