package queuecore

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/google/uuid"

	"github.com/flylinkdc/queuecore/catalogue"
	"github.com/flylinkdc/queuecore/hashpipeline"
	"github.com/flylinkdc/queuecore/pfs"
	"github.com/flylinkdc/queuecore/preview"
	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/queue"
	"github.com/flylinkdc/queuecore/scheduler"
	"github.com/flylinkdc/queuecore/tigertree"
)

// Core owns every child subsystem explicitly, replacing a design of
// process-wide singletons (QueueManager, HashManager, ConnectionManager,
// SettingsManager) with one value passed where needed.
type Core struct {
	Config *Config
	Events *EventBus
	Logger log.Logger

	Files     *queue.FileQueue
	Users     *queue.UserQueue
	Scheduler *scheduler.Scheduler
	Hasher    *hashpipeline.Pipeline
	PFS       *pfs.Protocol
	Preview   *preview.Server
	Catalogue catalogue.Catalogue

	recentAutoSearch map[string]struct{}
}

// New wires up a Core from cfg and cat: a single constructor that builds
// every child subsystem and returns one ready-to-use value.
func New(cfg *Config, cat catalogue.Catalogue, logger log.Logger) *Core {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Core{
		Config:           cfg,
		Events:           &EventBus{},
		Logger:           logger,
		Catalogue:        cat,
		recentAutoSearch: make(map[string]struct{}),
	}

	c.Files = queue.NewFileQueue(queue.SizeBuckets{
		HighestMax:  cfg.PrioHighestSize,
		HighMax:     cfg.PrioHighSize,
		NormalMax:   cfg.PrioNormalSize,
		LowMax:      cfg.PrioLowSize,
		AllowLowest: cfg.PrioLowest,
	})
	c.Users = queue.NewUserQueue()

	c.Scheduler = scheduler.New(c.runningSegmentInfo)

	hasherOpts := []hashpipeline.Option{hashpipeline.WithThroughputCap(0)}
	if cfg.SaveTTHInNTFSFilestream {
		hasherOpts = append(hasherOpts, hashpipeline.WithNTFSStream(cfg.MinStreamedFileSizeMiB))
	}
	c.Hasher = hashpipeline.New(c.lookupSidecarTree, c.onHashDone, logger, hasherOpts...)

	c.PFS = pfs.New(nil, c.Files.FindByTTH, logger)

	c.Preview = preview.New(c.findTargetForPreview, c.Scheduler, cfg.PreviewServerSpeedKBs, logger)

	return c
}

// AddDownload is the hub/search-layer entry point: queue.add(target, size,
// root, user).
func (c *Core) AddDownload(target, tmpTarget string, size int64, root tigertree.Hash192, user queue.UserID, flags queue.Flags) (*queue.QueueItem, error) {
	qi, err := c.Files.Add(target, tmpTarget, size, flags, queue.Default, time.Now(), root, c.Config.NumberOfSegments, c.Config.SegmentsManual)
	if err != nil {
		c.Logger.Levelf(log.Debug, "core: add %s: %v", target, err)
		return nil, err
	}
	if err := qi.AddSource(user, 0); err != nil {
		return qi, err
	}
	c.Users.AddSource(user, qi)
	c.Events.Publish(Event{Kind: EventAdded, Target: target})
	return qi, nil
}

// NextSegmentFor is the transfer-worker entry point: ask the queue what
// segment of what item to fetch next from user. The returned DownloadTask
// is the lifetime-bounded handle the connection layer holds until it calls
// ReportSegmentDone; its ID is how log lines and Event.Target correlate a
// transfer across its begin/end.
func (c *Core) NextSegmentFor(user queue.UserID, wantedSize, lastSpeed int64) (*queue.QueueItem, queue.DownloadTask, error) {
	qi, ok := c.Users.NextFor(user, queue.Lowest, c.Scheduler, func() int { return c.Files.RunningCount(0) }, c.Config.FileSlots, true)
	if !ok {
		return nil, queue.DownloadTask{}, qerr.Wrap(qerr.KindScheduling, "Core.NextSegmentFor", qerr.ErrAllSlotsTaken)
	}
	blockSize := int64(64 * 1024)
	if t := qi.Tree(); t != nil {
		blockSize = t.BlockSize()
	}
	var bits []byte
	if rec, ok := qi.Source(user); ok && rec.Partial != nil {
		bits = rec.Partial.Parts
	}
	seg, err := c.Scheduler.NextSegment(qi, blockSize, wantedSize, lastSpeed, bits)
	if err != nil {
		return qi, queue.DownloadTask{}, err
	}
	qi.AddRunning(seg)
	c.Users.SetRunning(user, qi)
	task := queue.DownloadTask{
		ID:      newDownloadID(),
		Target:  qi.Target(),
		User:    user,
		Segment: seg,
	}
	return qi, task, nil
}

// ReportSegmentDone records completed bytes, checks for item completion,
// and moves the file to its final target once finished. The Finished
// event only fires after the move completes.
func (c *Core) ReportSegmentDone(qi *queue.QueueItem, task queue.DownloadTask) error {
	qi.RemoveRunning(task.Segment)
	qi.AddSegment(task.Segment.Start, task.Segment.Size)
	c.Users.ClearRunning(task.User)
	if qi.IsBad(task.User) {
		qi.PromoteSource(task.User)
	}

	if !qi.IsFinished() {
		return nil
	}
	if err := moveToFinalTarget(qi.TempTarget(), qi.Target()); err != nil {
		c.Logger.Levelf(log.Warning, "core: move %s -> %s failed: %v", qi.TempTarget(), qi.Target(), err)
		return qerr.Wrap(qerr.KindIO, "ReportSegmentDone", qerr.ErrMoveFailed)
	}
	c.Events.Publish(Event{Kind: EventFinished, Target: qi.Target()})
	if !c.Config.KeepFinishedFiles {
		c.Files.Remove(qi)
	}
	return nil
}

// RunAutoSearch picks one candidate item via FileQueue.FindAutoSearch and
// returns it for the hub layer to re-search, tracking it in a small recent
// ring so the same item isn't re-picked back-to-back.
func (c *Core) RunAutoSearch() (*queue.QueueItem, bool) {
	qi, ok := c.Files.FindAutoSearch(c.recentAutoSearch, c.Config.MaxAutoMatchSources)
	if !ok {
		return nil, false
	}
	if len(c.recentAutoSearch) > 64 {
		c.recentAutoSearch = make(map[string]struct{})
	}
	c.recentAutoSearch[qi.Target()] = struct{}{}
	return qi, true
}

// runningSegmentInfo adapts FileQueue/QueueItem running state into the
// shape scheduler.Scheduler needs for overlap displacement; speed tracking
// itself lives in the transfer-worker layer external to this core, so this
// leaves AverageSpeed at zero for every segment; the scheduler never treats
// a zero-speed segment as slow, so overlap displacement does not trigger
// through Core.
func (c *Core) runningSegmentInfo(target string) []scheduler.RunningSegmentInfo {
	qi, ok := c.Files.Find(target)
	if !ok {
		return nil
	}
	running := qi.Running()
	out := make([]scheduler.RunningSegmentInfo, len(running))
	for i, seg := range running {
		out[i] = scheduler.RunningSegmentInfo{Segment: seg}
	}
	return out
}

func (c *Core) lookupSidecarTree(path string, size int64, mtime time.Time) (*tigertree.TigerTree, bool) {
	if c.Catalogue == nil {
		return nil, false
	}
	root, ok := c.Catalogue.CheckTth(path, path, size, mtime)
	if !ok {
		return nil, false
	}
	tree, _, ok := c.Catalogue.GetTree(root)
	return tree, ok
}

func (c *Core) onHashDone(res hashpipeline.Result) {
	if c.Catalogue != nil {
		_ = c.Catalogue.AddFile(catalogue.FileRecord{
			PathID:  res.Path,
			Name:    res.Path,
			ModTime: res.ModTime,
			Tree:    res.Tree,
			Size:    res.Size,
		})
	}
	if qi, ok := c.Files.Find(res.Path); ok {
		qi.SetTree(res.Tree)
	}
	c.Events.Publish(Event{Kind: EventTTHDone, Target: res.Path})
}

func (c *Core) findTargetForPreview(target string) (*queue.QueueItem, bool) {
	return c.Files.Find(target)
}

// newDownloadID generates a stable identifier for a DownloadTask, grounded
// on the pack's use of google/uuid for handle generation.
func newDownloadID() string {
	return uuid.NewString()
}
