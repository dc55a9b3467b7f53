// Package roadmap tracks which byte ranges of a file are present on disk.
package roadmap

import "sort"

// EOF is the reserved offset meaning "end of file" wherever an Offset field
// is documented to accept it.
const EOF int64 = -1

// Segment is a contiguous byte range of a file, as handed out by the
// scheduler to a transfer worker.
type Segment struct {
	Start      int64
	Size       int64
	Overlapped bool
}

// End returns the exclusive end offset of the segment.
func (s Segment) End() int64 { return s.Start + s.Size }

// Empty reports whether the segment carries no bytes.
func (s Segment) Empty() bool { return s.Size <= 0 }

type interval struct {
	start, end int64 // [start, end)
}

// RoadMap is an ordered, non-overlapping, coalesced set of closed-open byte
// intervals over [0, fileSize). It answers range-coverage and
// next-missing-range queries for a single queued file.
type RoadMap struct {
	fileSize  int64
	intervals []interval
}

// New returns an empty RoadMap for a file of the given size.
func New(fileSize int64) *RoadMap {
	return &RoadMap{fileSize: fileSize}
}

// FileSize returns the size this RoadMap was constructed with.
func (r *RoadMap) FileSize() int64 { return r.fileSize }

// Add inserts [start, start+size) into the present set, merging and
// coalescing with neighbours. Idempotent: adding the same range twice has
// the same effect as adding it once. A zero-size add is a no-op.
func (r *RoadMap) Add(start, size int64) {
	if size <= 0 {
		return
	}
	newIv := interval{start: start, end: start + size}

	i := sort.Search(len(r.intervals), func(i int) bool {
		return r.intervals[i].end >= newIv.start
	})
	j := i
	for j < len(r.intervals) && r.intervals[j].start <= newIv.end {
		if r.intervals[j].start < newIv.start {
			newIv.start = r.intervals[j].start
		}
		if r.intervals[j].end > newIv.end {
			newIv.end = r.intervals[j].end
		}
		j++
	}

	merged := make([]interval, 0, len(r.intervals)-(j-i)+1)
	merged = append(merged, r.intervals[:i]...)
	merged = append(merged, newIv)
	merged = append(merged, r.intervals[j:]...)
	r.intervals = merged
}

// Contains reports whether [start, start+size) is fully covered by the
// present set. size==0 is a no-op query that always reports true.
func (r *RoadMap) Contains(start, size int64) bool {
	if size <= 0 {
		return true
	}
	end := start + size
	i := sort.Search(len(r.intervals), func(i int) bool {
		return r.intervals[i].end > start
	})
	if i >= len(r.intervals) {
		return false
	}
	return r.intervals[i].start <= start && r.intervals[i].end >= end
}

// Size returns the total number of present bytes.
func (r *RoadMap) Size() int64 {
	var total int64
	for _, iv := range r.intervals {
		total += iv.end - iv.start
	}
	return total
}

// Done reports whether the present set covers the whole file.
func (r *RoadMap) Done() bool {
	return len(r.intervals) == 1 && r.intervals[0].start == 0 && r.intervals[0].end == r.fileSize
}

// NextMissing returns the first missing interval at or after hintStart,
// clipped to at most hintSize bytes. Returns ok=false if there is no
// missing range left at or after hintStart (within the file bounds).
func (r *RoadMap) NextMissing(hintStart, hintSize int64) (seg Segment, ok bool) {
	if hintStart < 0 {
		hintStart = 0
	}
	if hintStart >= r.fileSize {
		return Segment{}, false
	}
	pos := hintStart
	for _, iv := range r.intervals {
		if iv.end <= pos {
			continue
		}
		if iv.start > pos {
			break
		}
		pos = iv.end
		if pos >= r.fileSize {
			return Segment{}, false
		}
	}
	end := r.fileSize
	for _, iv := range r.intervals {
		if iv.start > pos {
			if iv.start < end {
				end = iv.start
			}
			break
		}
	}
	size := end - pos
	if hintSize > 0 && size > hintSize {
		size = hintSize
	}
	return Segment{Start: pos, Size: size}, true
}

// MissingAligned lazily walks the missing ranges, each clipped to
// blockSize boundaries (start floored, end ceiled to the next boundary, but
// never past fileSize), so callers can map missing bytes onto Merkle
// blocks. A block straddled by a present/missing boundary is reported only
// once, even if it covers bytes from two raw missing ranges. The returned
// function yields successive segments and reports false once exhausted.
func (r *RoadMap) MissingAligned(blockSize int64) func() (Segment, bool) {
	pos := int64(0)
	idx := 0
	lastAlignedEnd := int64(-1)
	return func() (Segment, bool) {
		for {
			if pos >= r.fileSize {
				return Segment{}, false
			}
			// advance past any present interval covering pos
			for idx < len(r.intervals) && r.intervals[idx].end <= pos {
				idx++
			}
			if idx < len(r.intervals) && r.intervals[idx].start <= pos {
				pos = r.intervals[idx].end
				continue
			}
			end := r.fileSize
			if idx < len(r.intervals) {
				end = r.intervals[idx].start
			}
			start := alignDown(pos, blockSize)
			if start < lastAlignedEnd {
				start = lastAlignedEnd
			}
			alignedEnd := alignUp(end, blockSize)
			if alignedEnd > r.fileSize {
				alignedEnd = r.fileSize
			}
			lastAlignedEnd = alignedEnd
			pos = end
			if start >= alignedEnd {
				continue
			}
			return Segment{Start: start, Size: alignedEnd - start}, true
		}
	}
}

func alignDown(v, block int64) int64 {
	if block <= 0 {
		return v
	}
	return v - (v % block)
}

func alignUp(v, block int64) int64 {
	if block <= 0 {
		return v
	}
	r := v % block
	if r == 0 {
		return v
	}
	return v + (block - r)
}
