// Package sharedfile provides reference-counted, positional-I/O file
// handles shared by multiple transfer workers writing disjoint byte ranges
// of the same queued file concurrently.
package sharedfile

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
)

// Flags control how a Stream is opened.
type Flags uint32

const (
	// NoCacheHint requests that the OS page cache be bypassed where the
	// platform supports it. Honoring this is best-effort; callers remain
	// responsible for quantizing buffers to the sector size when it
	// matters.
	NoCacheHint Flags = 1 << iota
	// Preallocate reserves fileSize bytes on open ("anti-fragmentation"),
	// so the allocator doesn't have to grow the file piecemeal as
	// segments land out of order.
	Preallocate
)

// registry deduplicates open Streams by canonical path: multiple workers
// asking for the same file share one *os.File, and the last holder to
// Close it actually closes the OS handle.
type registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

var global = &registry{streams: make(map[string]*Stream)}

// Stream is a shared, reference-counted handle to a file opened for
// concurrent positional read+write. Callers must not issue overlapping
// writes; disjoint-range writes are safe to run concurrently.
type Stream struct {
	path string
	f    *os.File

	mu       sync.Mutex
	refCount int
}

// Open returns a shared Stream for path, creating the underlying file if it
// doesn't exist. With Preallocate, the first Open of a path sets the file's
// length to fileSize whether or not it already existed. Each Open must
// be matched with a Close; the OS file is only actually closed when the
// reference count drops to zero.
func Open(path string, fileSize int64, flags Flags, logger log.Logger) (*Stream, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if s, ok := global.streams[abs]; ok {
		s.mu.Lock()
		s.refCount++
		s.mu.Unlock()
		return s, nil
	}

	existed := missinggo.FilePathExists(abs)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if !existed {
		logger.Levelf(log.Debug, "sharedfile: creating new temp file %s", abs)
	}
	if flags&Preallocate != 0 && fileSize > 0 {
		if err := f.Truncate(fileSize); err != nil {
			logger.Levelf(log.Warning, "sharedfile: preallocate %s to %d failed: %v", abs, fileSize, err)
		}
	}
	s := &Stream{path: abs, f: f, refCount: 1}
	global.streams[abs] = s
	return s, nil
}

// Path returns the canonical path this Stream was opened with.
func (s *Stream) Path() string { return s.path }

// ReadAt performs a positional read; it never moves a shared seek cursor.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// WriteAt performs a positional write; it never moves a shared seek
// cursor. Overlapping concurrent writes from different callers are not
// safe — callers must partition ranges before calling WriteAt.
func (s *Stream) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}

// SetSize truncates or extends the underlying file to exactly size bytes.
func (s *Stream) SetSize(size int64) error {
	return s.f.Truncate(size)
}

// Flush forces buffered writes to stable storage.
func (s *Stream) Flush() error {
	return s.f.Sync()
}

// Close releases this caller's reference. The OS file descriptor is
// closed once the last reference is released.
func (s *Stream) Close() error {
	global.mu.Lock()
	defer global.mu.Unlock()

	s.mu.Lock()
	s.refCount--
	remaining := s.refCount
	s.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	delete(global.streams, s.path)
	return s.f.Close()
}

// RefCount reports the current number of live holders, for tests and
// diagnostics.
func (s *Stream) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}
