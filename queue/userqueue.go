package queue

import (
	"container/list"

	async "github.com/anacrolix/sync"
	"github.com/anacrolix/multiless"

	"github.com/flylinkdc/queuecore/qerr"
)

// SegmentPicker is the minimal interface UserQueue needs from the
// scheduler to test whether an item currently has a runnable segment for
// a user, without importing the scheduler package (which itself imports
// queue) — breaks the import cycle that would otherwise exist between
// item and connection layers.
type SegmentPicker interface {
	HasRunnableSegment(qi *QueueItem, user UserID) bool
	// NoNeededPart reports whether user's last-reported partial bitmap has
	// no bits overlapping anything still missing from qi — the specific
	// reason NextFor drops a partial source, as opposed to every other
	// way HasRunnableSegment can come back false (slots full, paused,
	// already finished).
	NoNeededPart(qi *QueueItem, user UserID) bool
}

// UserQueue is the inverted index: for each priority, the ordered list of
// QueueItems a given user can serve, plus the single item currently
// running per user. Guarded by the same lock class as QueueItem internals
// (g_csQI in the original); UserQueue never takes the FileQueue lock
// itself.
type UserQueue struct {
	mu async.RWMutex

	byPriority map[Priority]map[UserID]*list.List // value elements are *QueueItem
	running    map[UserID]*QueueItem

	lastError map[UserID]error
}

// NewUserQueue creates an empty UserQueue.
func NewUserQueue() *UserQueue {
	uq := &UserQueue{
		byPriority: make(map[Priority]map[UserID]*list.List),
		running:    make(map[UserID]*QueueItem),
		lastError:  make(map[UserID]error),
	}
	for p := Paused; p <= Highest; p++ {
		uq.byPriority[p] = make(map[UserID]*list.List)
	}
	return uq
}

// AddSource pushes qi onto user's deque at qi's current priority. Pushes
// to the front (so resumed/prioritised files recover quickly) iff the
// item already has downloaded bytes or carries FLAG_USER_CHECK-equivalent
// priority hints; otherwise pushes to the back. This is the Open Question
// decision documented in SPEC_FULL.md §5 (pushFrontDecision): evaluated
// fresh from current RoadMap state rather than a cached average-speed
// figure.
func (uq *UserQueue) AddSource(user UserID, qi *QueueItem) {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	dq := uq.dequeFor(qi.Priority(), user)
	if uq.pushFrontDecision(qi) {
		dq.PushFront(qi)
	} else {
		dq.PushBack(qi)
	}
}

func (uq *UserQueue) pushFrontDecision(qi *QueueItem) bool {
	if qi.Done().Size() > 0 {
		return true
	}
	if qi.IsAnySet(FlagUserCheck) {
		return true
	}
	return false
}

func (uq *UserQueue) dequeFor(p Priority, user UserID) *list.List {
	m := uq.byPriority[p]
	dq, ok := m[user]
	if !ok {
		dq = list.New()
		m[user] = dq
	}
	return dq
}

// RemoveSource removes qi from every priority deque for user.
func (uq *UserQueue) RemoveSource(user UserID, qi *QueueItem) {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	for _, m := range uq.byPriority {
		dq, ok := m[user]
		if !ok {
			continue
		}
		for e := dq.Front(); e != nil; e = e.Next() {
			if e.Value.(*QueueItem) == qi {
				dq.Remove(e)
				break
			}
		}
	}
	if uq.running[user] == qi {
		delete(uq.running, user)
	}
}

// SetRunning records the single DownloadTask's item currently being
// transferred to user. A user has at most one active task per connection.
func (uq *UserQueue) SetRunning(user UserID, qi *QueueItem) {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	uq.running[user] = qi
}

// ClearRunning drops the running-item record for user, e.g. once the
// connection's DownloadTask completes or errors.
func (uq *UserQueue) ClearRunning(user UserID) {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	delete(uq.running, user)
}

// Running returns the item currently running for user, if any.
func (uq *UserQueue) Running(user UserID) (*QueueItem, bool) {
	uq.mu.RLock()
	defer uq.mu.RUnlock()
	qi, ok := uq.running[user]
	return qi, ok
}

// LastError returns the last scheduling-reason error recorded for user by
// NextFor, for UI display.
func (uq *UserQueue) LastError(user UserID) error {
	uq.mu.RLock()
	defer uq.mu.RUnlock()
	return uq.lastError[user]
}

// NextFor scans priorities high to low, stopping at minPriority, looking
// for an item the scheduler (via picker) reports has a runnable segment
// for user. Enforces the FILE_SLOTS cap via runningCount. If a source is
// partial with no bits overlapping missing ranges and allowRemove is set,
// the source is moved to qi's bad-source set tagged SourceFileNotAvailable
// instead of being returned; there is no separate no-needed-parts source
// flag.
func (uq *UserQueue) NextFor(user UserID, minPriority Priority, picker SegmentPicker, runningCount func() int, fileSlots int, allowRemove bool) (*QueueItem, bool) {
	uq.mu.Lock()
	defer uq.mu.Unlock()

	if fileSlots > 0 && runningCount() >= fileSlots {
		uq.lastError[user] = qerr.Wrap(qerr.KindScheduling, "UserQueue.NextFor", qerr.ErrAllSlotsTaken)
		return nil, false
	}

	for p := Highest; p >= minPriority; p-- {
		dq, ok := uq.byPriority[p][user]
		if !ok {
			continue
		}
		var best *QueueItem
		for e := dq.Front(); e != nil; e = e.Next() {
			qi := e.Value.(*QueueItem)
			if qi.IsFinished() {
				continue
			}
			if !picker.HasRunnableSegment(qi, user) {
				if allowRemove && picker.NoNeededPart(qi, user) {
					qi.MarkBad(user, SourceFileNotAvailable)
				}
				continue
			}
			// Among several runnable items at the same priority, prefer
			// the one closest to completion so nearly-finished downloads
			// don't keep waiting behind ones with more left to fetch.
			if best == nil || worseCandidate(best.Done().Size(), qi.Done().Size()) {
				best = qi
			}
		}
		if best != nil {
			uq.lastError[user] = nil
			return best, true
		}
	}
	return nil, false
}

// worseCandidate reports whether the candidate with lDone bytes already
// downloaded ranks below the one with rDone, using multiless the same
// chained-comparator way hasPreferredNetworkOver orders connection
// candidates (multiless.New().Int64(...).Less()): less progress is worse,
// so NextFor prefers the candidate closer to completion within a
// priority bucket.
func worseCandidate(lDone, rDone int64) bool {
	return multiless.New().Int64(lDone, rDone).Less()
}
