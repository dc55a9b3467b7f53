// Package hashpipeline implements the background Tiger-tree hasher: a
// job queue keyed by path, hashed with bounded memory and an optional
// throughput cap, with pause/resume, abort-by-prefix, and rebuild support.
// Jobs are taken in the order they were enqueued; there is no per-job
// priority.
package hashpipeline

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/flylinkdc/queuecore/tigertree"
)

// DefaultBufferSize is the read buffer size a worker uses per job:
// 16 MiB, aligned down to the OS page size.
const DefaultBufferSize = 16 << 20

const pageSize = 4096

// Job is one unit of hashing work.
type Job struct {
	PathID string
	Path   string
	Size   int64
}

// Result is what a finished job produces, handed to OnDone.
type Result struct {
	Job
	Root      tigertree.Hash192
	Tree      *tigertree.TigerTree
	ModTime   time.Time
	SpeedBps  float64
	FromCache bool
}

// SidecarLookup checks whether a persisted tree for (path, size, mtime)
// already exists and is trustworthy enough to adopt without re-reading the
// file. Returning ok=false means "hash it".
type SidecarLookup func(path string, size int64, mtime time.Time) (tree *tigertree.TigerTree, ok bool)

// Stats is a snapshot of pipeline activity, for UI/diagnostics.
type Stats struct {
	Queued     int
	Processed  int64
	BytesTotal int64
	Paused     bool
}

// Pipeline is the background hasher. Safe for concurrent use.
type Pipeline struct {
	logger             log.Logger
	bufferSize         int64
	throughputCapB     int64 // bytes/sec, 0 = unlimited
	lookup             SidecarLookup
	onDone             func(Result)
	workers            int
	ntfsStream         bool
	minStreamedSizeMiB int64

	mu       sync.Mutex
	jobs     []Job
	jobCond  *sync.Cond
	paused   bool
	pauseSem chan struct{}

	processed int64
	bytes     int64

	stop chansync.SetOnce
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithThroughputCap limits aggregate read speed to capMBs megabytes/sec.
func WithThroughputCap(capMBs int64) Option {
	return func(p *Pipeline) { p.throughputCapB = capMBs << 20 }
}

// WithWorkers sets how many jobs may hash concurrently, letting callers
// raise it above 1 when FAST_HASH is enabled.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithNTFSStream enables persisting finished trees to a "<path>.gltth"
// sidecar (an NTFS-stream-layout file, portable to non-NTFS filesystems)
// and adopting them on a later SidecarLookup miss, for files at least
// minStreamedMiB megabytes.
func WithNTFSStream(minStreamedMiB int64) Option {
	return func(p *Pipeline) {
		p.ntfsStream = true
		p.minStreamedSizeMiB = minStreamedMiB
	}
}

// New creates a Pipeline. onDone is called once per completed job,
// including jobs adopted from the sidecar store without re-reading bytes.
func New(lookup SidecarLookup, onDone func(Result), logger log.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:     logger,
		bufferSize: DefaultBufferSize - (DefaultBufferSize % pageSize),
		lookup:     lookup,
		onDone:     onDone,
		workers:    1,
	}
	p.jobCond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue adds a job to the back of the queue.
func (p *Pipeline) Enqueue(pathID, path string, size int64) {
	p.mu.Lock()
	p.jobs = append(p.jobs, Job{PathID: pathID, Path: path, Size: size})
	p.mu.Unlock()
	p.jobCond.Signal()
}

// Pause blocks new jobs from starting until Resume is called. Safe to call
// repeatedly; only the first call has an effect, since the pipeline has no
// nested pause/resume call sites of its own to count.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume undoes Pause and wakes any worker blocked on it.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.jobCond.Broadcast()
}

// StopPrefix drops every queued (not yet started) job whose path is
// under dir — abort-by-prefix.
func (p *Pipeline) StopPrefix(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.jobs[:0]
	for _, j := range p.jobs {
		if !strings.HasPrefix(j.Path, dir) {
			kept = append(kept, j)
		}
	}
	p.jobs = kept
}

// Rebuild appends every job in jobs to the queue (callers typically pass
// the full catalogue listing after a rebuild request). The jobs go through
// the same sidecar lookups as any other job, so one whose tree is still
// cached is adopted rather than re-read.
func (p *Pipeline) Rebuild(jobs []Job) {
	p.mu.Lock()
	p.jobs = append(p.jobs, jobs...)
	p.mu.Unlock()
	p.jobCond.Broadcast()
}

// Stats returns a point-in-time snapshot.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:     len(p.jobs),
		Processed:  p.processed,
		BytesTotal: p.bytes,
		Paused:     p.paused,
	}
}

// Stop signals every worker to exit after its current job.
func (p *Pipeline) Stop() {
	p.stop.Set()
	p.jobCond.Broadcast()
}

// Run drives p.workers concurrent workers (via errgroup when >1, matching
// the domain-stack decision to use golang.org/x/sync for bounded fan-out
// under FAST_HASH) until Stop is called or ctx-equivalent die signal fires.
// It returns once every worker has exited.
func (p *Pipeline) Run() error {
	if p.workers <= 1 {
		p.workerLoop()
		return nil
	}
	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.workerLoop()
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) workerLoop() {
	for {
		job, ok := p.nextJob()
		if !ok {
			return
		}
		p.process(job)
	}
}

// nextJob blocks until a job is available, the pipeline is unpaused, or
// Stop has been called.
func (p *Pipeline) nextJob() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.stop.IsSet() {
			return Job{}, false
		}
		if !p.paused && len(p.jobs) > 0 {
			job := p.jobs[0]
			p.jobs = p.jobs[1:]
			return job, true
		}
		p.jobCond.Wait()
	}
}

func (p *Pipeline) process(job Job) {
	info, err := os.Stat(job.Path)
	if err != nil {
		p.logger.Levelf(log.Warning, "hashpipeline: stat %s: %v", job.Path, err)
		return
	}
	mtime := info.ModTime()

	if p.lookup != nil {
		if tree, ok := p.lookup(job.Path, job.Size, mtime); ok {
			p.finish(job, Result{Job: job, Root: tree.Root(), Tree: tree, ModTime: mtime, FromCache: true})
			return
		}
	}
	if p.ntfsStream {
		if tree, ok, err := tigertree.LoadTree(job.Path, job.Size, mtime, p.minStreamedSizeMiB); err == nil && ok {
			p.finish(job, Result{Job: job, Root: tree.Root(), Tree: tree, ModTime: mtime, FromCache: true})
			return
		}
	}

	f, err := os.Open(job.Path)
	if err != nil {
		p.logger.Levelf(log.Warning, "hashpipeline: open %s: %v", job.Path, err)
		return
	}
	defer f.Close()

	tree := tigertree.New(job.Size, 0)
	buf := make([]byte, p.bufferSize)
	start := time.Now()
	var read int64
	for {
		if p.stop.IsSet() {
			return
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			tree.Update(buf[:n])
			read += int64(n)
			p.throttle(int64(n), start, read)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			p.logger.Levelf(log.Warning, "hashpipeline: read %s: %v", job.Path, rerr)
			return
		}
	}
	root := tree.Finalize()
	elapsed := time.Since(start).Seconds()
	speed := float64(read)
	if elapsed > 0 {
		speed = float64(read) / elapsed
	}
	p.logger.Levelf(log.Debug, "hashpipeline: hashed %s (%s) at %s/s", job.Path, humanize.Bytes(uint64(read)), humanize.Bytes(uint64(speed)))
	if p.ntfsStream {
		if err := tigertree.SaveTree(job.Path, tree, mtime, p.minStreamedSizeMiB); err != nil {
			p.logger.Levelf(log.Debug, "hashpipeline: save stream for %s: %v", job.Path, err)
		}
	} else {
		// Config may have turned streaming off since a previous run saved
		// one; clear it so a stale stream doesn't outlive the setting.
		_ = tigertree.DeleteStream(job.Path)
	}
	p.finish(job, Result{Job: job, Root: root, Tree: tree, ModTime: mtime, SpeedBps: speed})
}

// throttle sleeps proportionally when a throughput cap is configured.
func (p *Pipeline) throttle(n int64, start time.Time, totalRead int64) {
	if p.throughputCapB <= 0 {
		return
	}
	expected := time.Duration(float64(totalRead) / float64(p.throughputCapB) * float64(time.Second))
	elapsed := time.Since(start)
	if expected > elapsed {
		time.Sleep(expected - elapsed)
	}
}

func (p *Pipeline) finish(job Job, res Result) {
	p.mu.Lock()
	p.processed++
	p.bytes += job.Size
	p.mu.Unlock()
	if p.onDone != nil {
		p.onDone(res)
	}
}
