package queue

import (
	"math/rand"
	"os"
	"time"

	async "github.com/anacrolix/sync"

	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/tigertree"
)

// SizeBuckets computes default priority from file size thresholds, the way
// QueueManager::FileQueue::add does.
type SizeBuckets struct {
	HighestMax int64
	HighMax    int64
	NormalMax  int64
	LowMax     int64
	AllowLowest bool
}

// FileQueue is the index of every QueueItem, keyed by target and by TTH.
// Structural mutation (Add/Remove/MoveTarget) takes the writer lock;
// read-only scans take the reader lock, mirroring g_csFQ in the original.
type FileQueue struct {
	mu async.RWMutex

	byTarget map[string]*QueueItem
	byTTH    map[tigertree.Hash192]map[string]*QueueItem

	buckets SizeBuckets
}

// NewFileQueue creates an empty FileQueue using buckets for default
// priority computation.
func NewFileQueue(buckets SizeBuckets) *FileQueue {
	return &FileQueue{
		byTarget: make(map[string]*QueueItem),
		byTTH:    make(map[tigertree.Hash192]map[string]*QueueItem),
		buckets:  buckets,
	}
}

func defaultPriorityForSize(size int64, b SizeBuckets) Priority {
	switch {
	case size <= b.HighestMax:
		return Highest
	case size <= b.HighMax:
		return High
	case size <= b.NormalMax:
		return Normal
	case size <= b.LowMax:
		return Low
	case b.AllowLowest:
		return Lowest
	default:
		return Normal
	}
}

// defaultMaxSegments mirrors getMaxSegments: a size-bucketed default
// segment count when the caller hasn't pinned one, capped to a sane byte
// floor so tiny files don't get needlessly split.
func defaultMaxSegments(size int64, numberOfSegments int, manual bool) uint8 {
	if manual && numberOfSegments > 0 {
		if numberOfSegments > 255 {
			return 255
		}
		return uint8(numberOfSegments)
	}
	const minSegmentSize = 4 << 20 // 4 MiB
	n := size / minSegmentSize
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return uint8(n)
}

// Add inserts a new QueueItem. Fails with ErrDuplicateTarget if target is
// already queued. Applies antifrag-recovery and priority-pinning
// behaviour for USER_LIST/DCLST targets and size-bucket defaults.
func (fq *FileQueue) Add(target, tmpTarget string, size int64, flags Flags, priority Priority, added time.Time, root tigertree.Hash192, numberOfSegments int, segmentsManual bool) (*QueueItem, error) {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	if existing, exists := fq.byTarget[target]; exists {
		switch {
		case existing.Size() != size:
			return nil, qerr.Structural("FileQueue.Add", qerr.ErrSizeMismatch)
		case existing.TTH() != root:
			return nil, qerr.Structural("FileQueue.Add", qerr.ErrTthMismatch)
		default:
			return nil, qerr.Structural("FileQueue.Add", qerr.ErrDuplicateTarget)
		}
	}

	if priority == Default {
		if size <= fq.buckets.HighestMax {
			priority = Highest
		} else {
			priority = defaultPriorityForSize(size, fq.buckets)
		}
	}

	qi := New(target, tmpTarget, size, root, priority, flags, added)

	if qi.IsAnySet(FlagUserList | FlagDCLST) {
		qi.SetPriority(Highest)
	} else {
		qi.SetMaxSegments(defaultMaxSegments(size, numberOfSegments, segmentsManual))
	}

	if tmpTarget != "" {
		recoverAntifrag(tmpTarget)
	}

	fq.byTarget[target] = qi
	if fq.byTTH[root] == nil {
		fq.byTTH[root] = make(map[string]*QueueItem)
	}
	fq.byTTH[root][target] = qi
	return qi, nil
}

// recoverAntifrag renames a <tmpTarget>.antifrag sidecar into place if the
// real temp target doesn't exist yet, per QueueManager.cpp's old-antifrag
// recovery on add.
func recoverAntifrag(tmpTarget string) {
	if _, err := os.Stat(tmpTarget); err == nil {
		return
	}
	antifrag := tmpTarget + ".antifrag"
	if _, err := os.Stat(antifrag); err != nil {
		return
	}
	_ = os.Rename(antifrag, tmpTarget)
}

// Find returns the item queued under target, if any.
func (fq *FileQueue) Find(target string) (*QueueItem, bool) {
	fq.mu.RLock()
	defer fq.mu.RUnlock()
	qi, ok := fq.byTarget[target]
	return qi, ok
}

// FindByTTH returns every item sharing root.
func (fq *FileQueue) FindByTTH(root tigertree.Hash192) []*QueueItem {
	fq.mu.RLock()
	defer fq.mu.RUnlock()
	m := fq.byTTH[root]
	out := make([]*QueueItem, 0, len(m))
	for _, qi := range m {
		out = append(out, qi)
	}
	return out
}

// Remove drops qi from both indices.
func (fq *FileQueue) Remove(qi *QueueItem) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	target := qi.Target()
	delete(fq.byTarget, target)
	if m := fq.byTTH[qi.TTH()]; m != nil {
		delete(m, target)
		if len(m) == 0 {
			delete(fq.byTTH, qi.TTH())
		}
	}
}

// MoveTarget re-keys qi under newTarget. Fails with ErrDuplicateTarget if
// newTarget is already in use by a different item.
func (fq *FileQueue) MoveTarget(qi *QueueItem, newTarget string) error {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	if existing, ok := fq.byTarget[newTarget]; ok && existing != qi {
		return qerr.Structural("FileQueue.MoveTarget", qerr.ErrDuplicateTarget)
	}
	oldTarget := qi.Target()
	delete(fq.byTarget, oldTarget)
	qi.SetTarget(newTarget)
	fq.byTarget[newTarget] = qi
	return nil
}

// RunningCount returns how many items currently have at least one running
// segment, used to enforce the FILE_SLOTS cap. If stopAt > 0, counting
// stops (and returns early) once that many running items are found.
func (fq *FileQueue) RunningCount(stopAt int) int {
	fq.mu.RLock()
	items := make([]*QueueItem, 0, len(fq.byTarget))
	for _, qi := range fq.byTarget {
		items = append(items, qi)
	}
	fq.mu.RUnlock()

	count := 0
	for _, qi := range items {
		if qi.IsRunning() {
			count++
			if stopAt > 0 && count >= stopAt {
				return count
			}
		}
	}
	return count
}

// FindAutoSearch picks a candidate for periodic TTH search: not finished,
// not paused, not a user-list item, under the source cap, and not present
// in recentRing. Starts at a random offset to avoid starvation; prefers an
// item with at least one runnable missing segment over any other eligible
// item.
func (fq *FileQueue) FindAutoSearch(recentRing map[string]struct{}, maxSources int) (*QueueItem, bool) {
	fq.mu.RLock()
	items := make([]*QueueItem, 0, len(fq.byTarget))
	for _, qi := range fq.byTarget {
		items = append(items, qi)
	}
	fq.mu.RUnlock()

	if len(items) == 0 {
		return nil, false
	}

	offset := rand.Intn(len(items))
	var fallback *QueueItem
	for i := 0; i < len(items); i++ {
		qi := items[(offset+i)%len(items)]
		if !eligibleForAutoSearch(qi, recentRing, maxSources) {
			continue
		}
		if fallback == nil {
			fallback = qi
		}
		if hasRunnableMissingSegment(qi) {
			return qi, true
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

func eligibleForAutoSearch(qi *QueueItem, recentRing map[string]struct{}, maxSources int) bool {
	if qi.IsFinished() {
		return false
	}
	if qi.Priority() == Paused {
		return false
	}
	if qi.IsAnySet(FlagUserList | FlagPartialList | FlagDCLST) {
		return false
	}
	if maxSources > 0 && qi.OnlineSourceCount() >= maxSources {
		return false
	}
	if _, recent := recentRing[qi.Target()]; recent {
		return false
	}
	return true
}

func hasRunnableMissingSegment(qi *QueueItem) bool {
	blockSize := int64(64 * 1024)
	if t := qi.Tree(); t != nil {
		blockSize = t.BlockSize()
	}
	_, ok := qi.Done().NextMissing(0, blockSize)
	return ok
}
