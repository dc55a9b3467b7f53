// Package catalogue defines the persistent key/value repository the queue
// core calls through: file hashes, queue snapshots, and media info. The
// SQLite-backed implementation is external; this package ships the
// interface plus an in-memory implementation for tests and for
// bootstrapping a fresh install.
package catalogue

import (
	"sync"
	"time"

	"github.com/flylinkdc/queuecore/queue"
	"github.com/flylinkdc/queuecore/roadmap"
	"github.com/flylinkdc/queuecore/tigertree"
)

// MediaInfo is optional metadata attached to a hashed file (duration,
// resolution, etc.); the core treats it as an opaque blob.
type MediaInfo struct {
	Duration time.Duration
	Width    int
	Height   int
}

// FileRecord is what AddFile/CheckTth persist about a hashed file, keyed by
// path_id (a stable identifier for a shared file independent of its path).
type FileRecord struct {
	PathID  string
	Name    string
	ModTime time.Time
	Tree    *tigertree.TigerTree
	Size    int64
	Media   *MediaInfo
}

// QueueItemRecord is the persisted shape of a QueueItem, independent of the
// in-memory queue.QueueItem type so the catalogue package doesn't need to
// import queue's mutex-bearing type across a persistence boundary.
type QueueItemRecord struct {
	ID           string
	Target       string
	TempTarget   string
	Size         int64
	Root         tigertree.Hash192
	Priority     queue.Priority
	AutoPriority bool
	Flags        queue.Flags
	Added        time.Time
	MaxSegments  uint8
	Done         []roadmap.Segment
}

// Catalogue is the narrow interface the core calls through for hashing and
// queue persistence.
type Catalogue interface {
	// GetTree returns a previously-hashed tree for root, if known.
	GetTree(root tigertree.Hash192) (tree *tigertree.TigerTree, blockSize int64, ok bool)
	// AddTree persists a finalized tree.
	AddTree(tree *tigertree.TigerTree) error
	// CheckTth returns a previously-computed root for (name, pathID, size,
	// mtime) if the catalogue has one that's still valid for that mtime.
	CheckTth(name, pathID string, size int64, mtime time.Time) (root tigertree.Hash192, ok bool)
	// AddFile persists a FileRecord.
	AddFile(rec FileRecord) error

	// MergeQueueAllItems upserts a batch of queue item records.
	MergeQueueAllItems(items []QueueItemRecord) error
	// MergeQueueAllSegments persists the done-segment set for a queue item.
	MergeQueueAllSegments(itemID string, segments []roadmap.Segment) error
	// RemoveQueueItem deletes a queue item record and its segments.
	RemoveQueueItem(itemID string) error
	// LoadQueue returns every persisted queue item, for startup.
	LoadQueue() ([]QueueItemRecord, error)
}

// memRecord bundles a FileRecord's tree with its block size, since
// GetTree's signature separates them (mirroring the original
// HashManager::StreamStore's (tree, block_size) return pair).
type memRecord struct {
	tree      *tigertree.TigerTree
	blockSize int64
	mtime     time.Time
	size      int64
}

// InMemory is a Catalogue backed by maps, guarded by a single mutex. It is
// the default implementation until a real SQLite-backed one is wired in,
// and is what tests use directly.
type InMemory struct {
	mu sync.Mutex

	byRoot map[tigertree.Hash192]memRecord
	byPath map[string]memRecord // keyed by pathID

	items    map[string]QueueItemRecord
	segments map[string][]roadmap.Segment
}

// NewInMemory creates an empty InMemory catalogue.
func NewInMemory() *InMemory {
	return &InMemory{
		byRoot:   make(map[tigertree.Hash192]memRecord),
		byPath:   make(map[string]memRecord),
		items:    make(map[string]QueueItemRecord),
		segments: make(map[string][]roadmap.Segment),
	}
}

func (c *InMemory) GetTree(root tigertree.Hash192) (*tigertree.TigerTree, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byRoot[root]
	if !ok {
		return nil, 0, false
	}
	return rec.tree, rec.blockSize, true
}

func (c *InMemory) AddTree(tree *tigertree.TigerTree) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRoot[tree.Root()] = memRecord{tree: tree, blockSize: tree.BlockSize()}
	return nil
}

func (c *InMemory) CheckTth(name, pathID string, size int64, mtime time.Time) (tigertree.Hash192, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byPath[pathID]
	if !ok || rec.size != size || !rec.mtime.Equal(mtime) {
		return tigertree.Hash192{}, false
	}
	return rec.tree.Root(), true
}

func (c *InMemory) AddFile(rec FileRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	mr := memRecord{tree: rec.Tree, blockSize: rec.Tree.BlockSize(), mtime: rec.ModTime, size: rec.Size}
	c.byPath[rec.PathID] = mr
	c.byRoot[rec.Tree.Root()] = mr
	return nil
}

func (c *InMemory) MergeQueueAllItems(items []QueueItemRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range items {
		c.items[it.ID] = it
	}
	return nil
}

func (c *InMemory) MergeQueueAllSegments(itemID string, segments []roadmap.Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments[itemID] = append([]roadmap.Segment(nil), segments...)
	return nil
}

func (c *InMemory) RemoveQueueItem(itemID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, itemID)
	delete(c.segments, itemID)
	return nil
}

func (c *InMemory) LoadQueue() ([]QueueItemRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueueItemRecord, 0, len(c.items))
	for _, it := range c.items {
		it.Done = append([]roadmap.Segment(nil), c.segments[it.ID]...)
		out = append(out, it)
	}
	return out, nil
}
