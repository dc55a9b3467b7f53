package queue

import (
	"time"

	async "github.com/anacrolix/sync"

	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/roadmap"
	"github.com/flylinkdc/queuecore/tigertree"
)

// QueueItem is the unit of queued work: a target path, its expected size
// and TTH root, priority and flags, the RoadMap of bytes already on disk,
// the set of segments currently being transferred, and the good/bad
// source sets. Internals are guarded by a per-item reader/writer lock that
// always nests inside the owning FileQueue's lock — callers reaching a
// QueueItem through FileQueue must never hold qi.mu while trying to
// acquire the FileQueue lock.
type QueueItem struct {
	mu async.RWMutex

	target     string
	tmpTarget  string
	size       int64
	root       tigertree.Hash192
	priority   Priority
	autoPrio   bool
	flags      Flags
	added      time.Time
	maxSeg     uint8
	tree       *tigertree.TigerTree

	done    *roadmap.RoadMap
	running []roadmap.Segment

	sources    map[UserID]*SourceRec
	badSources map[UserID]*SourceRec

	dirty bool
}

// New creates a QueueItem. Callers normally go through FileQueue.Add
// instead of calling this directly, so size-bucket priority and
// USER_LIST/DCLST pinning are applied uniformly.
func New(target, tmpTarget string, size int64, root tigertree.Hash192, priority Priority, flags Flags, added time.Time) *QueueItem {
	return &QueueItem{
		target:     target,
		tmpTarget:  tmpTarget,
		size:       size,
		root:       root,
		priority:   priority,
		flags:      flags,
		added:      added,
		done:       roadmap.New(size),
		sources:    make(map[UserID]*SourceRec),
		badSources: make(map[UserID]*SourceRec),
	}
}

func (q *QueueItem) Target() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.target
}

func (q *QueueItem) SetTarget(target string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.target = target
	q.dirty = true
}

func (q *QueueItem) TempTarget() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.tmpTarget
}

func (q *QueueItem) Size() int64 { return q.size }
func (q *QueueItem) TTH() tigertree.Hash192 { return q.root }

func (q *QueueItem) Priority() Priority {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.priority
}

func (q *QueueItem) SetPriority(p Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.priority = p
	q.dirty = true
}

func (q *QueueItem) AutoPriority() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.autoPrio
}

func (q *QueueItem) SetAutoPriority(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.autoPrio = v
}

func (q *QueueItem) Flags() Flags { return q.flags }
func (q *QueueItem) IsAnySet(f Flags) bool { return q.flags&f != 0 }

func (q *QueueItem) MaxSegments() uint8 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSeg
}

func (q *QueueItem) SetMaxSegments(n uint8) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxSeg = n
}

func (q *QueueItem) Added() time.Time { return q.added }

func (q *QueueItem) Tree() *tigertree.TigerTree {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.tree
}

func (q *QueueItem) SetTree(t *tigertree.TigerTree) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree = t
}

// Done returns a snapshot-safe pointer to the RoadMap. Callers may read it
// freely; mutation must go through AddSegment.
func (q *QueueItem) Done() *roadmap.RoadMap {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.done
}

// AddSegment records downloaded bytes [start,start+size) as present and
// marks the item dirty for the next persistence pass.
func (q *QueueItem) AddSegment(start, size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done.Add(start, size)
	q.dirty = true
}

// Running returns a copy of the currently in-flight segment set.
func (q *QueueItem) Running() []roadmap.Segment {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]roadmap.Segment, len(q.running))
	copy(out, q.running)
	return out
}

// AddRunning records a newly-awarded segment as in-flight.
func (q *QueueItem) AddRunning(seg roadmap.Segment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = append(q.running, seg)
}

// RemoveRunning drops a segment from the in-flight set on completion,
// error, or overlap displacement.
func (q *QueueItem) RemoveRunning(seg roadmap.Segment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.running {
		if r.Start == seg.Start && r.Size == seg.Size {
			q.running = append(q.running[:i], q.running[i+1:]...)
			return
		}
	}
}

// IsFinished reports whether the RoadMap covers the whole file.
func (q *QueueItem) IsFinished() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.done.Done()
}

// IsRunning reports whether any segment is currently in flight.
func (q *QueueItem) IsRunning() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.running) > 0
}

// IsDirty reports, and ClearDirty resets, the persistence-pending flag.
func (q *QueueItem) IsDirty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dirty
}

func (q *QueueItem) ClearDirty() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirty = false
}

// AddSource adds a user as a good source with the given flags. Returns
// ErrDuplicateSource if the user is already present in either the good or
// bad source set — per invariant 2, a user appears in at most one.
func (q *QueueItem) AddSource(user UserID, flags SourceFlags) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.sources[user]; ok {
		return qerr.ErrDuplicateSource
	}
	if _, ok := q.badSources[user]; ok {
		return qerr.ErrDuplicateSource
	}
	q.sources[user] = &SourceRec{Flags: flags}
	q.dirty = true
	return nil
}

// RemoveSource drops a user from whichever set currently holds it.
func (q *QueueItem) RemoveSource(user UserID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sources, user)
	delete(q.badSources, user)
	q.dirty = true
}

// MarkBad moves a user from the good set to the bad set, tagging the
// reason flag.
func (q *QueueItem) MarkBad(user UserID, reason SourceFlags) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.sources[user]
	if !ok {
		rec = &SourceRec{}
	} else {
		delete(q.sources, user)
	}
	rec.Flags |= reason
	q.badSources[user] = rec
	q.dirty = true
}

// PromoteSource moves a user from bad back to good, e.g. after a
// successful transfer following a PFS parts update.
func (q *QueueItem) PromoteSource(user UserID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.badSources[user]
	if !ok {
		return
	}
	delete(q.badSources, user)
	q.sources[user] = rec
	q.dirty = true
}

// IsBad reports whether user is currently in the bad source set.
func (q *QueueItem) IsBad(user UserID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.badSources[user]
	return ok
}

// Source returns the good-source record for user, if any.
func (q *QueueItem) Source(user UserID) (*SourceRec, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.sources[user]
	return rec, ok
}

// UpdatePartial replaces the wholesale parts bitmap for an existing
// source, good or bad: each peer update overwrites the previous bitmap
// entirely rather than merging it. A bad source keeps reporting its
// bitmap while it waits to be promoted back to good.
func (q *QueueItem) UpdatePartial(user UserID, partial *PartialSource) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.sources[user]
	if !ok {
		rec, ok = q.badSources[user]
	}
	if !ok {
		return false
	}
	rec.Partial = partial
	rec.Flags |= SourcePartial
	return true
}

// Sources returns a snapshot of the current good sources.
func (q *QueueItem) Sources() map[UserID]*SourceRec {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[UserID]*SourceRec, len(q.sources))
	for k, v := range q.sources {
		out[k] = v
	}
	return out
}

// OnlineSourceCount returns how many good sources this item currently has.
func (q *QueueItem) OnlineSourceCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.sources)
}
