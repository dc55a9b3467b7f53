package tigertree

import (
	"encoding/binary"
	"errors"
	"os"
	"time"
)

// Persisted tree layout: a fixed header followed by the raw leaf hashes,
// the layout of the NTFS alternate stream "<path>:.gltth". SaveTree and
// LoadTree always use a plain sidecar file "<path>.gltth" with that layout,
// on every platform; they do not read or write NTFS alternate streams.
const (
	streamMagic      uint32 = 0x5454484c
	streamHeaderSize        = 4 + 4 + 8 + 8 + tigerSize + 8
	streamSuffix            = ".gltth"
)

var (
	// ErrStreamShort is returned when a stream's header is truncated.
	ErrStreamShort = errors.New("tigertree: stream header too short")
	// ErrStreamMagic is returned when a stream's magic number doesn't match.
	ErrStreamMagic = errors.New("tigertree: stream magic mismatch")
	// ErrStreamChecksum is returned when a stream's header checksum is wrong.
	ErrStreamChecksum = errors.New("tigertree: stream checksum mismatch")
)

// StreamHeader is the fixed 56-byte header prefixing a persisted tree:
// magic, a self-checksum, the file's size and mtime at save time, the
// tree's root, and its block size.
type StreamHeader struct {
	FileSize  int64
	TimeStamp int64
	Root      Hash192
	BlockSize int64
}

// EncodeStreamHeader serializes h with its checksum field set so the XOR
// of every 32-bit word of the returned header equals zero.
func EncodeStreamHeader(h StreamHeader) []byte {
	buf := make([]byte, streamHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], streamMagic)
	// buf[4:8] (checksum) stays zero until the XOR pass below.
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.FileSize))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.TimeStamp))
	copy(buf[24:24+tigerSize], h.Root[:])
	binary.LittleEndian.PutUint64(buf[24+tigerSize:32+tigerSize], uint64(h.BlockSize))

	var sum uint32
	for i := 0; i+4 <= streamHeaderSize; i += 4 {
		sum ^= binary.LittleEndian.Uint32(buf[i : i+4])
	}
	binary.LittleEndian.PutUint32(buf[4:8], sum)
	return buf
}

// DecodeStreamHeader parses and validates a header encoded by
// EncodeStreamHeader, checking the magic number and checksum.
func DecodeStreamHeader(buf []byte) (StreamHeader, error) {
	if len(buf) < streamHeaderSize {
		return StreamHeader{}, ErrStreamShort
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != streamMagic {
		return StreamHeader{}, ErrStreamMagic
	}
	var sum uint32
	for i := 0; i+4 <= streamHeaderSize; i += 4 {
		sum ^= binary.LittleEndian.Uint32(buf[i : i+4])
	}
	if sum != 0 {
		return StreamHeader{}, ErrStreamChecksum
	}
	var h StreamHeader
	h.FileSize = int64(binary.LittleEndian.Uint64(buf[8:16]))
	h.TimeStamp = int64(binary.LittleEndian.Uint64(buf[16:24]))
	copy(h.Root[:], buf[24:24+tigerSize])
	h.BlockSize = int64(binary.LittleEndian.Uint64(buf[24+tigerSize : 32+tigerSize]))
	return h, nil
}

func streamPath(path string) string {
	return path + streamSuffix
}

// SaveTree persists tree next to path, gated on fileSize meeting
// minStreamedMiB (mirroring SETTING(SET_MIN_LENGHT_TTH_IN_NTFS_FILESTREAM):
// below the threshold, saving is silently skipped rather than treated as
// an error). mtime should be the file's on-disk modification time at save
// time, recorded in the header so a later LoadTree can detect staleness.
func SaveTree(path string, tree *TigerTree, mtime time.Time, minStreamedMiB int64) error {
	if tree.FileSize() < minStreamedMiB<<20 {
		return nil
	}
	header := EncodeStreamHeader(StreamHeader{
		FileSize:  tree.FileSize(),
		TimeStamp: mtime.Unix(),
		Root:      tree.Root(),
		BlockSize: tree.BlockSize(),
	})
	buf := make([]byte, 0, len(header)+len(tree.Leaves())*tigerSize)
	buf = append(buf, header...)
	for _, leaf := range tree.Leaves() {
		buf = append(buf, leaf[:]...)
	}
	return os.WriteFile(streamPath(path), buf, 0o644)
}

// LoadTree reads a tree persisted by SaveTree, returning ok=false (no
// error) if no stream exists or it no longer matches fileSize/mtime —
// both are routine "needs re-hashing" outcomes, not failures.
func LoadTree(path string, fileSize int64, mtime time.Time, minStreamedMiB int64) (*TigerTree, bool, error) {
	if fileSize < minStreamedMiB<<20 {
		return nil, false, nil
	}
	buf, err := os.ReadFile(streamPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	header, err := DecodeStreamHeader(buf)
	if err != nil {
		return nil, false, nil
	}
	if header.FileSize != fileSize || header.TimeStamp != mtime.Unix() {
		return nil, false, nil
	}
	leafBytes := buf[streamHeaderSize:]
	numLeaves := NumLeaves(header.FileSize, header.BlockSize)
	if int64(len(leafBytes)) != numLeaves*tigerSize {
		return nil, false, nil
	}
	leaves := make([]Hash192, numLeaves)
	for i := range leaves {
		copy(leaves[i][:], leafBytes[i*tigerSize:(i+1)*tigerSize])
	}
	tree := FromLeaves(header.FileSize, header.BlockSize, leaves)
	if tree.Root() != header.Root {
		return nil, false, nil
	}
	return tree, true, nil
}

// DeleteStream removes a persisted tree, ignoring a not-exist error.
func DeleteStream(path string) error {
	err := os.Remove(streamPath(path))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
