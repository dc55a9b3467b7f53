// Package scheduler implements SegmentScheduler: given a QueueItem and a
// requesting user, it chooses the next Segment to download, honoring
// block alignment, per-file segment caps, and slow-segment overlap
// displacement.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/v2/bitmap"

	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/queue"
	"github.com/flylinkdc/queuecore/roadmap"
)

const (
	// TargetSeconds is how many seconds of transfer at the reported speed
	// a chunk should aim to cover.
	TargetSeconds = 8
	MinChunk      = 64 * 1024
	MaxChunk      = 16 << 20

	// SlowETAThreshold marks a running segment as a candidate for overlap
	// displacement once its projected remaining time exceeds this.
	SlowETAThreshold = 30 * time.Second
	// SlowSpeedThreshold is the running-average speed below which a
	// segment is considered "slow" for overlap purposes.
	SlowSpeedThreshold = 4 * 1024 // bytes/sec
)

// RunningSegmentInfo is what the scheduler needs to know about an
// in-flight segment to decide whether it's a candidate for overlap
// displacement.
type RunningSegmentInfo struct {
	Segment      roadmap.Segment
	AverageSpeed int64 // bytes/sec, 0 if unknown
	StartedAt    time.Time
}

// Scheduler implements queue.SegmentPicker and the richer NextSegment API
// transfer workers call directly.
type Scheduler struct {
	// RunningInfo, if set, lets the scheduler consider overlap
	// displacement for slow segments. Keyed by target path.
	RunningInfo func(target string) []RunningSegmentInfo

	hintsMu sync.Mutex
	hints   map[string]int64 // target -> preferred start offset
}

// New creates a Scheduler. runningInfo may be nil if overlap displacement
// is not desired (it will simply never trigger).
func New(runningInfo func(target string) []RunningSegmentInfo) *Scheduler {
	return &Scheduler{RunningInfo: runningInfo, hints: make(map[string]int64)}
}

// Hint implements preview.Hinter: it records the byte offset a preview
// stream is blocked on so the next NextSegment call for this item prefers
// it over the lowest-offset missing run.
func (s *Scheduler) Hint(qi *queue.QueueItem, start, size int64) {
	s.hintsMu.Lock()
	defer s.hintsMu.Unlock()
	if s.hints == nil {
		s.hints = make(map[string]int64)
	}
	s.hints[qi.Target()] = start
}

func (s *Scheduler) takeHint(target string) (int64, bool) {
	s.hintsMu.Lock()
	defer s.hintsMu.Unlock()
	v, ok := s.hints[target]
	return v, ok
}

// chunkSize computes clamp(speed*TargetSeconds, MinChunk, MaxChunk),
// falling back to blockSize when wanted==0.
func chunkSize(blockSize int64, wanted int64, lastSpeed int64) int64 {
	if wanted == 0 {
		return blockSize
	}
	size := lastSpeed * TargetSeconds
	if size < MinChunk {
		size = MinChunk
	}
	if size > MaxChunk {
		size = MaxChunk
	}
	if size > wanted && wanted > MinChunk {
		size = wanted
	}
	return size
}

// bitsToRanges decodes a PFS parts bitmap (one bit per block, LSB-first
// per byte) into a bitmap.Bitmap of owned block indices, then expands that
// into the byte ranges the peer claims to have.
func bitsToRanges(bits []byte, blockSize int64, fileSize int64) *roadmap.RoadMap {
	have := roadmap.New(fileSize)
	numBlocks := (fileSize + blockSize - 1) / blockSize

	var owned bitmap.Bitmap
	for i := int64(0); i < numBlocks; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if int(byteIdx) >= len(bits) {
			break
		}
		if bits[byteIdx]&(1<<bitIdx) != 0 {
			owned.Add(bitmap.BitIndex(i))
		}
	}

	for i := int64(0); i < numBlocks; i++ {
		if !owned.Contains(bitmap.BitIndex(i)) {
			continue
		}
		start := i * blockSize
		end := start + blockSize
		if end > fileSize {
			end = fileSize
		}
		have.Add(start, end-start)
	}
	return have
}

// intersectMissing returns the subset of missing (a RoadMap of what's
// NOT yet present) that also overlaps bytes the peer's bitmap claims to
// have.
func intersectMissing(missing []roadmap.Segment, haveBits *roadmap.RoadMap) []roadmap.Segment {
	if haveBits == nil {
		return missing
	}
	var out []roadmap.Segment
	for _, seg := range missing {
		pos := seg.Start
		end := seg.End()
		for pos < end {
			if haveBits.Contains(pos, 1) {
				start := pos
				for pos < end && haveBits.Contains(pos, 1) {
					pos++
				}
				out = append(out, roadmap.Segment{Start: start, Size: pos - start})
			} else {
				pos++
			}
		}
	}
	return out
}

// missingRanges collects every gap in done, clipped to the file bounds,
// with running segments subtracted out (the "running_union").
func missingRanges(done *roadmap.RoadMap, running []roadmap.Segment, fileSize int64) []roadmap.Segment {
	busy := roadmap.New(fileSize)
	for _, r := range running {
		busy.Add(r.Start, r.Size)
	}
	var out []roadmap.Segment
	pos := int64(0)
	for pos < fileSize {
		seg, ok := done.NextMissing(pos, fileSize-pos)
		if !ok {
			break
		}
		pos = seg.End()
		// subtract running ranges from this missing gap
		sub := subtractBusy(seg, busy)
		out = append(out, sub...)
	}
	return out
}

func subtractBusy(seg roadmap.Segment, busy *roadmap.RoadMap) []roadmap.Segment {
	var out []roadmap.Segment
	pos := seg.Start
	end := seg.End()
	for pos < end {
		if busy.Contains(pos, 1) {
			pos++
			continue
		}
		start := pos
		for pos < end && !busy.Contains(pos, 1) {
			pos++
		}
		out = append(out, roadmap.Segment{Start: start, Size: pos - start})
	}
	return out
}

// NextSegment chooses the next Segment to award for qi. partialBits is the
// requesting peer's PFS bitmap, or nil if the peer has the whole file.
func (s *Scheduler) NextSegment(qi *queue.QueueItem, blockSize int64, wantedSize int64, lastSpeed int64, partialBits []byte) (roadmap.Segment, error) {
	if qi.Priority() == queue.Paused {
		return roadmap.Segment{}, qerr.Wrap(qerr.KindScheduling, "NextSegment", qerr.ErrNoFreeBlock)
	}

	missing := missingRanges(qi.Done(), qi.Running(), qi.Size())
	if partialBits != nil {
		have := bitsToRanges(partialBits, blockSize, qi.Size())
		missing = intersectMissing(missing, have)
		if len(missing) == 0 {
			return roadmap.Segment{}, qerr.Wrap(qerr.KindScheduling, "NextSegment", qerr.ErrNoNeededPart)
		}
	}

	if qi.IsFinished() {
		return roadmap.Segment{}, qerr.Wrap(qerr.KindScheduling, "NextSegment", qerr.ErrNoFreeBlock)
	}

	if len(missing) == 0 {
		return s.tryOverlap(qi, blockSize)
	}

	if int(qi.MaxSegments()) > 0 && len(qi.Running()) >= int(qi.MaxSegments()) {
		if seg, err := s.tryOverlap(qi, blockSize); err == nil {
			return seg, nil
		}
		return roadmap.Segment{}, qerr.Wrap(qerr.KindScheduling, "NextSegment", qerr.ErrAllSlotsTaken)
	}

	best := missing[0]
	for _, seg := range missing[1:] {
		if seg.Start < best.Start {
			best = seg
		}
	}
	if hint, ok := s.takeHint(qi.Target()); ok {
		aligned := alignDown(hint, blockSize)
		for _, seg := range missing {
			if aligned >= seg.Start && aligned < seg.End() {
				best = roadmap.Segment{Start: aligned, Size: seg.End() - aligned}
				break
			}
		}
	}

	// Segments are always sized to a block multiple (the tail excepted,
	// truncated to file_size), so every gap this produces downstream
	// starts on a block boundary in turn, satisfying the "align start down
	// / end up to block_size" invariant without needing a separate
	// floor/ceil pass once best.Start is itself aligned, which it is by
	// induction starting from offset 0.
	size := chunkSize(blockSize, wantedSize, lastSpeed)
	if size < blockSize {
		size = blockSize
	}
	size = alignUp(size, blockSize)
	if size > best.Size {
		size = best.Size
	}

	start := best.Start
	end := start + size
	if end > qi.Size() {
		end = qi.Size()
	}

	return roadmap.Segment{Start: start, Size: end - start}, nil
}

// tryOverlap: if no new segment is available but an existing running
// segment looks slow, race it by returning the same range with
// Overlapped=true.
func (s *Scheduler) tryOverlap(qi *queue.QueueItem, blockSize int64) (roadmap.Segment, error) {
	if s.RunningInfo == nil {
		return roadmap.Segment{}, qerr.Wrap(qerr.KindScheduling, "NextSegment", qerr.ErrNoFreeBlock)
	}
	for _, info := range s.RunningInfo(qi.Target()) {
		if isSlow(info) {
			seg := info.Segment
			seg.Overlapped = true
			return seg, nil
		}
	}
	return roadmap.Segment{}, qerr.Wrap(qerr.KindScheduling, "NextSegment", qerr.ErrNoFreeBlock)
}

func isSlow(info RunningSegmentInfo) bool {
	if info.AverageSpeed <= 0 || info.AverageSpeed >= SlowSpeedThreshold {
		return false
	}
	remaining := info.Segment.Size
	eta := time.Duration(remaining/info.AverageSpeed) * time.Second
	return eta > SlowETAThreshold
}

// CheckOverlapStillNeeded is called by a transfer worker holding an
// overlapped segment right before it writes received bytes. If the byte
// range has since been completed (because the faster racer finished
// first), it returns ErrDownloadFinishedIdle and the caller must discard
// the bytes without writing them.
func (s *Scheduler) CheckOverlapStillNeeded(qi *queue.QueueItem, seg roadmap.Segment) error {
	if qi.Done().Contains(seg.Start, seg.Size) {
		return qerr.Wrap(qerr.KindScheduling, "CheckOverlapStillNeeded", qerr.ErrDownloadFinishedIdle)
	}
	return nil
}

// HasRunnableSegment implements queue.SegmentPicker: a minimal probe used
// by UserQueue.NextFor to decide whether an item can still serve user,
// without awarding the segment.
func (s *Scheduler) HasRunnableSegment(qi *queue.QueueItem, user queue.UserID) bool {
	rec, ok := qi.Source(user)
	var bits []byte
	if ok && rec.Partial != nil {
		bits = rec.Partial.Parts
	}
	blockSize := int64(64 * 1024)
	if t := qi.Tree(); t != nil {
		blockSize = t.BlockSize()
	}
	_, err := s.NextSegment(qi, blockSize, 0, 0, bits)
	return err == nil
}

// NoNeededPart implements queue.SegmentPicker: it reports whether user's
// last-reported partial bitmap has no blocks overlapping anything still
// missing from qi, distinguishing that specific reason from every other
// way HasRunnableSegment can fail (paused, finished, slots full).
func (s *Scheduler) NoNeededPart(qi *queue.QueueItem, user queue.UserID) bool {
	rec, ok := qi.Source(user)
	if !ok || rec.Partial == nil {
		return false
	}
	blockSize := int64(64 * 1024)
	if t := qi.Tree(); t != nil {
		blockSize = t.BlockSize()
	}
	_, err := s.NextSegment(qi, blockSize, 0, 0, rec.Partial.Parts)
	return errors.Is(err, qerr.ErrNoNeededPart)
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
