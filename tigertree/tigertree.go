// Package tigertree implements an incremental Tiger-tree (TTH) hash: a
// Merkle tree over Tiger-192 hashes of fixed-size blocks, used by the queue
// core to content-address queued files and verify bytes as they arrive.
package tigertree

import "fmt"

// Hash192 is a raw 24-byte Tiger digest, used both as a tree leaf and as
// the TTH root.
type Hash192 [tigerSize]byte

func (h Hash192) String() string {
	return fmt.Sprintf("%x", [tigerSize]byte(h))
}

const (
	// MinBlockSize is the smallest leaf block size a TigerTree will use.
	MinBlockSize int64 = 64 * 1024
	// MaxLeaves bounds the number of leaves a tree is allowed to grow to;
	// BlockSizeFor picks the smallest power-of-two block size keeping the
	// leaf count at or below this.
	MaxLeaves int64 = 1024

	leafPrefix = 0x00
	nodePrefix = 0x01
)

// BlockSizeFor returns the smallest power of two block size satisfying
// block >= max(fileSize/MaxLeaves, MinBlockSize).
func BlockSizeFor(fileSize int64) int64 {
	min := (fileSize + MaxLeaves - 1) / MaxLeaves
	if min < MinBlockSize {
		min = MinBlockSize
	}
	block := MinBlockSize
	for block < min {
		block <<= 1
	}
	return block
}

// NumLeaves returns ceil(fileSize/blockSize), with a zero-size file still
// requiring one (empty) leaf.
func NumLeaves(fileSize, blockSize int64) int64 {
	if fileSize <= 0 {
		return 1
	}
	n := fileSize / blockSize
	if fileSize%blockSize != 0 {
		n++
	}
	return n
}

// TigerTree is an incrementally-built Merkle tree over Tiger-192 leaf
// hashes. Create with New, feed bytes with Update, and call Finalize to
// compute Root. Once finalized, a TigerTree is immutable.
type TigerTree struct {
	fileSize  int64
	blockSize int64
	leaves    []Hash192

	cur        *tigerDigest
	curWritten int64
	total      int64
	finalized  bool
	root       Hash192
}

// New creates a TigerTree for a file of the given size, choosing
// blockSize via BlockSizeFor if blockSize <= 0.
func New(fileSize int64, blockSize int64) *TigerTree {
	if blockSize <= 0 {
		blockSize = BlockSizeFor(fileSize)
	}
	t := &TigerTree{
		fileSize:  fileSize,
		blockSize: blockSize,
		leaves:    make([]Hash192, 0, NumLeaves(fileSize, blockSize)),
		cur:       newTigerDigest(),
	}
	t.cur.Write([]byte{leafPrefix})
	return t
}

// FromLeaves reconstructs an already-finalized TigerTree from a persisted
// leaf sequence (e.g. loaded from the catalogue or a .gltth stream), and
// recomputes Root via Fold.
func FromLeaves(fileSize, blockSize int64, leaves []Hash192) *TigerTree {
	t := &TigerTree{
		fileSize:  fileSize,
		blockSize: blockSize,
		leaves:    append([]Hash192(nil), leaves...),
		finalized: true,
	}
	t.root = Fold(t.leaves)
	return t
}

func (t *TigerTree) FileSize() int64    { return t.fileSize }
func (t *TigerTree) BlockSize() int64   { return t.blockSize }
func (t *TigerTree) Leaves() []Hash192  { return t.leaves }
func (t *TigerTree) Root() Hash192      { return t.root }
func (t *TigerTree) Finalized() bool    { return t.finalized }

// Update feeds a streaming chunk of file bytes, in order. It may be called
// with arbitrarily-sized chunks; leaf boundaries are tracked internally
// regardless of how the caller chunks its reads.
func (t *TigerTree) Update(p []byte) {
	if t.finalized {
		panic("tigertree: Update after Finalize")
	}
	for len(p) > 0 {
		room := t.blockSize - t.curWritten
		n := int64(len(p))
		if n > room {
			n = room
		}
		t.cur.Write(p[:n])
		t.curWritten += n
		t.total += n
		p = p[n:]
		if t.curWritten == t.blockSize {
			t.emitLeaf()
		}
	}
}

// emitLeaf closes out the current block's digest. Each leaf is
// Tiger(0x00 || blockBytes); the 0x00 prefix was written as the first byte
// of t.cur back in New/emitLeaf, before any block bytes arrived.
func (t *TigerTree) emitLeaf() {
	sum := t.cur.Sum192()
	t.leaves = append(t.leaves, Hash192(sum))
	t.cur = newTigerDigest()
	t.cur.Write([]byte{leafPrefix})
	t.curWritten = 0
}

// Finalize flushes any trailing partial block and computes Root by folding
// the leaf sequence. Safe to call once; a second call is a no-op returning
// the same root.
func (t *TigerTree) Finalize() Hash192 {
	if t.finalized {
		return t.root
	}
	if t.curWritten > 0 || len(t.leaves) == 0 {
		t.emitLeaf()
	}
	t.finalized = true
	t.root = Fold(t.leaves)
	return t.root
}

// ValidateAgainst reports whether a finalized tree's root matches the
// expected root.
func (t *TigerTree) ValidateAgainst(expected Hash192) bool {
	return t.finalized && t.root == expected
}

// Fold computes the Tiger-tree root from a leaf sequence via the canonical
// pairwise reduction: a lone leaf is the root directly (conceptually
// prefixed 0x00, already baked into the leaf hash itself); internal nodes
// combine two children as Tiger(0x01 || left || right); an odd node at
// the end of a level is promoted unchanged to the next level.
func Fold(leaves []Hash192) Hash192 {
	if len(leaves) == 0 {
		return Hash192(newTigerDigest().Sum192())
	}
	level := leaves
	for len(level) > 1 {
		next := make([]Hash192, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

func combine(left, right Hash192) Hash192 {
	d := newTigerDigest()
	d.Write([]byte{nodePrefix})
	d.Write(left[:])
	d.Write(right[:])
	return Hash192(d.Sum192())
}
