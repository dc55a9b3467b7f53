package queuecore

import "github.com/flylinkdc/queuecore/qerr"

// Re-exported for callers that only import the root package. See
// qerr.Kind / qerr.QueueError for the full taxonomy and errors.Is/As
// usage; subsystem packages (queue, scheduler, pfs, hashpipeline,
// preview) return qerr values directly.
const (
	KindUnknown         = qerr.KindUnknown
	KindQueueStructural = qerr.KindQueueStructural
	KindScheduling      = qerr.KindScheduling
	KindIO              = qerr.KindIO
	KindNetwork         = qerr.KindNetwork
)

type QueueError = qerr.QueueError

var (
	ErrDuplicateTarget = qerr.ErrDuplicateTarget
	ErrSizeMismatch    = qerr.ErrSizeMismatch
	ErrTthMismatch     = qerr.ErrTthMismatch
	ErrAlreadyFinished = qerr.ErrAlreadyFinished
	ErrDuplicateSource = qerr.ErrDuplicateSource
	ErrNoSourceForUser = qerr.ErrNoSourceForUser
	ErrTargetRemoved   = qerr.ErrTargetRemoved

	ErrAllSlotsTaken        = qerr.ErrAllSlotsTaken
	ErrNoFreeBlock          = qerr.ErrNoFreeBlock
	ErrNoNeededPart         = qerr.ErrNoNeededPart
	ErrDownloadFinishedIdle = qerr.ErrDownloadFinishedIdle

	ErrFileNotFound      = qerr.ErrFileNotFound
	ErrPermission        = qerr.ErrPermission
	ErrDiskFull          = qerr.ErrDiskFull
	ErrTruncated         = qerr.ErrTruncated
	ErrChecksumMismatch  = qerr.ErrChecksumMismatch
	ErrMoveFailed        = qerr.ErrMoveFailed
	ErrStreamUnavailable = qerr.ErrStreamUnavailable

	ErrTimeout          = qerr.ErrTimeout
	ErrConnectionReset  = qerr.ErrConnectionReset
	ErrSocksHandshake   = qerr.ErrSocksHandshake
	ErrListenerFailed   = qerr.ErrListenerFailed
	ErrConnectivityLost = qerr.ErrConnectivityLost
)
