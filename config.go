package queuecore

import "time"

// Config carries every knob the queue core observes, as one flat struct
// passed by pointer. Defaults are set by DefaultConfig; call sites mutate
// the returned struct before passing it to New.
type Config struct {
	// Resource caps.
	FileSlots           int
	SegmentsManual       bool
	NumberOfSegments     int
	MaxAutoMatchSources  int

	// Auto-search.
	AutoSearchLimit int
	AutoSearchTime  time.Duration

	// Slow-source policy.
	DisconnectFileSpeed int64 // bytes/sec
	RemoveSpeed         int64 // bytes/sec
	DropMultisourceOnly bool

	// Completion / housekeeping.
	KeepFinishedFiles       bool
	KeepLists               bool
	SkipZeroByteFiles       bool

	// Hashing.
	FastHash                bool
	SaveTTHInNTFSFilestream bool
	MinStreamedFileSizeMiB  int64

	// Preview server.
	PreviewServerPort     int
	PreviewServerSpeedKBs int64
	PreviewUseVideoScroll bool

	// Priority size buckets, in bytes (PRIO_*_SIZE).
	PrioHighestSize int64
	PrioHighSize    int64
	PrioNormalSize  int64
	PrioLowSize     int64
	PrioLowest      bool

	// Partial file sharing.
	PartialShareMinBlocks int64
	PFSRepublishInterval  time.Duration
}

// DefaultConfig returns a Config with conservative defaults (1h PFS
// republish interval, a four-block partial-share minimum).
func DefaultConfig() *Config {
	return &Config{
		FileSlots:           8,
		SegmentsManual:      false,
		NumberOfSegments:    3,
		MaxAutoMatchSources: 5,

		AutoSearchLimit: 1,
		AutoSearchTime:  10 * time.Minute,

		DisconnectFileSpeed: 5 * 1024,  // 5 KiB/s
		RemoveSpeed:         1 * 1024,  // 1 KiB/s
		DropMultisourceOnly: true,

		KeepFinishedFiles: false,
		KeepLists:         false,
		SkipZeroByteFiles: false,

		FastHash:                false,
		SaveTTHInNTFSFilestream: false,
		MinStreamedFileSizeMiB:  1,

		PreviewServerPort:     0,
		PreviewServerSpeedKBs: 1024,
		PreviewUseVideoScroll: true,

		PrioHighestSize: 1 << 20,   // 1 MiB
		PrioHighSize:    16 << 20,  // 16 MiB
		PrioNormalSize:  256 << 20, // 256 MiB
		PrioLowSize:     1 << 30,   // 1 GiB
		PrioLowest:      true,

		PartialShareMinBlocks: 4,
		PFSRepublishInterval:  time.Hour,
	}
}
