// Package queue implements the download queue core: QueueItem, the
// target/TTH-indexed FileQueue, and the per-user UserQueue.
package queue

import (
	"time"

	"github.com/flylinkdc/queuecore/roadmap"
	"github.com/flylinkdc/queuecore/tigertree"
)

// Priority is the QueueItem download priority, ordered low to high.
type Priority int

const (
	Paused Priority = iota
	Lowest
	Low
	Normal
	High
	Highest
)

// Default is a sentinel passed to FileQueue.Add meaning "compute the
// priority from the size buckets"; it is never stored on a QueueItem and
// deliberately falls outside the Paused..Highest ordered range.
const Default Priority = -1

func (p Priority) String() string {
	switch p {
	case Default:
		return "default"
	case Paused:
		return "paused"
	case Lowest:
		return "lowest"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Highest:
		return "highest"
	default:
		return "unknown"
	}
}

// Flags are per-QueueItem bits describing what kind of thing is queued.
type Flags uint32

const (
	FlagUserList Flags = 1 << iota
	FlagPartialList
	FlagUserCheck
	FlagText
	FlagDCLST
	FlagMatchQueue
)

// SourceFlags describe why a source is good, suspect, or bad.
type SourceFlags uint32

const (
	SourcePartial SourceFlags = 1 << iota
	SourceNoTree
	SourceFileNotAvailable
	SourceTTHInconsistency
	SourceSlowUser
)

// UserID identifies a remote peer. The connection layer holds only this
// plus a target string — never a pointer into the queue — avoiding a
// cyclic item/download/connection reference.
type UserID string

// PartialSource is the bitmap-bearing metadata kept for a source known to
// have less than the whole file.
type PartialSource struct {
	MyNick         string
	HubIPPort      string
	IP             [4]byte
	UDPPort        uint16
	Parts          []byte // one bit per block of QueueItem's tree block size, LSB-first per byte
	PendingQueries uint32
	NextQueryTime  time.Time
}

// SourceRec is the per-user record kept in a QueueItem's good or bad
// source map.
type SourceRec struct {
	Flags   SourceFlags
	Partial *PartialSource
}

// TransferType distinguishes what a DownloadTask is fetching.
type TransferType int

const (
	TransferFile TransferType = iota
	TransferTree
	TransferFullList
	TransferPartialList
)

// DownloadTask is the lifetime-bounded record of one in-flight transfer:
// a QueueItem target, the serving user, and the Segment being fetched.
// It is removed from the item's running set on completion or error.
type DownloadTask struct {
	ID           string
	Target       string
	User         UserID
	Segment      roadmap.Segment
	TransferType TransferType
	Overlap      bool
}
