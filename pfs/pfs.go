// Package pfs implements the partial-file-sharing protocol: periodic
// exchange of owned-block bitmaps with partial-source peers, and
// absorption of inbound parts info.
package pfs

import (
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/bradfitz/iter"

	"github.com/flylinkdc/queuecore/qerr"
	"github.com/flylinkdc/queuecore/queue"
	"github.com/flylinkdc/queuecore/roadmap"
	"github.com/flylinkdc/queuecore/tigertree"
)

const (
	// PFSRepublishTime is the partial-sharing republish interval. Nothing
	// in this package reads it: ShouldAnswerProbe gates only on item size
	// and temp-file existence.
	PFSRepublishTime = time.Hour
	// queryInterval is how often an overdue partial source is re-queried.
	queryInterval = 5 * time.Minute
	// maxQueriesPerTick caps how many PartsInfoRequests one tick emits, so
	// a PFS tick never floods the UDP socket.
	maxQueriesPerTick = 10
)

// PartsInfoRequest is sent by UDP to a partial source's (ip,udp_port),
// carrying this peer's own bitmap for the item — the ADC `PSR` command.
type PartsInfoRequest struct {
	MyNick    string
	HubIPPort string
	TTH       tigertree.Hash192
	Parts     []byte
}

// PartsInfoResponse is received back, or pushed unsolicited by a peer
// announcing updated availability.
type PartsInfoResponse struct {
	TTH    tigertree.Hash192
	Parts  []byte
	Sender queue.UserID
	IP     [4]byte
	Port   uint16
}

// Sender delivers an encoded PartsInfoRequest over UDP; production code
// wires this to the ADC `PSR` command, tests use an in-memory fake.
type Sender interface {
	SendPSR(req PartsInfoRequest, addr net.UDPAddr) error
}

// Protocol runs the periodic PFS timer task and handles inbound responses.
// It is deliberately storage-agnostic: findByTTH is the only way it reaches
// into the queue, mirroring queue.FileQueue's read path.
type Protocol struct {
	logger    log.Logger
	sender    Sender
	findByTTH func(tigertree.Hash192) []*queue.QueueItem
	now       func() time.Time

	stop chansync.SetOnce
}

// New creates a Protocol. findByTTH is normally queue.FileQueue.FindByTTH.
func New(sender Sender, findByTTH func(tigertree.Hash192) []*queue.QueueItem, logger log.Logger) *Protocol {
	return &Protocol{
		sender:    sender,
		findByTTH: findByTTH,
		now:       time.Now,
		logger:    logger,
	}
}

// Stop signals the periodic task to exit at its next tick.
func (p *Protocol) Stop() { p.stop.Set() }

// RunTimer blocks, calling items once per interval and feeding the result
// to QueryDue, until Stop is called.
func (p *Protocol) RunTimer(interval time.Duration, items func() []*queue.QueueItem, myNick, hubIPPort string) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop.Done():
			return
		case <-t.C:
			p.QueryDue(items(), myNick, hubIPPort)
		}
	}
}

// QueryDue sends PartsInfoRequests to up to maxQueriesPerTick of the
// overdue partial sources found across items, using qi's tree block size
// and current Done() roadmap to build this peer's own bitmap.
func (p *Protocol) QueryDue(items []*queue.QueueItem, myNick, hubIPPort string) {
	now := p.now()
	type due struct {
		qi   *queue.QueueItem
		user queue.UserID
	}
	var dues []due
	for _, qi := range items {
		for user, rec := range qi.Sources() {
			if rec.Flags&queue.SourcePartial == 0 || rec.Partial == nil {
				continue
			}
			if rec.Partial.NextQueryTime.After(now) {
				continue
			}
			dues = append(dues, due{qi, user})
		}
	}
	if len(dues) > maxQueriesPerTick {
		dues = dues[:maxQueriesPerTick]
	}
	for _, d := range dues {
		rec, ok := d.qi.Source(d.user)
		if !ok || rec.Partial == nil {
			continue
		}
		blockSize := int64(64 * 1024)
		if t := d.qi.Tree(); t != nil {
			blockSize = t.BlockSize()
		}
		req := PartsInfoRequest{
			MyNick:    myNick,
			HubIPPort: hubIPPort,
			TTH:       d.qi.TTH(),
			Parts:     EncodeParts(d.qi.Done(), blockSize, d.qi.Size()),
		}
		addr := net.UDPAddr{
			IP:   net.IPv4(rec.Partial.IP[0], rec.Partial.IP[1], rec.Partial.IP[2], rec.Partial.IP[3]),
			Port: int(rec.Partial.UDPPort),
		}
		if p.sender != nil {
			if err := p.sender.SendPSR(req, addr); err != nil {
				p.logger.Levelf(log.Debug, "pfs: send PSR to %s failed: %v", d.user, err)
			}
		}
		rec.Partial.NextQueryTime = now.Add(queryInterval)
		rec.Partial.PendingQueries++
	}
}

// HandleResponse absorbs an inbound PartsInfoResponse: finds the item by
// TTH, adds the sender as a bad (FLAG_PARTIAL) source if unknown — it is
// promoted to good only on its first successful transfer, via
// QueueItem.PromoteSource — or replaces an existing source's bitmap
// wholesale otherwise.
func (p *Protocol) HandleResponse(resp PartsInfoResponse) error {
	items := p.findByTTH(resp.TTH)
	if len(items) == 0 {
		return qerr.Structural("Protocol.HandleResponse", qerr.ErrNoSourceForUser)
	}
	for _, qi := range items {
		ps := &queue.PartialSource{IP: resp.IP, UDPPort: resp.Port, Parts: resp.Parts}
		_, goodOK := qi.Source(resp.Sender)
		if !goodOK && !qi.IsBad(resp.Sender) {
			qi.MarkBad(resp.Sender, queue.SourcePartial)
		}
		qi.UpdatePartial(resp.Sender, ps)
	}
	return nil
}

// IsNeededPart reports whether bits (a peer's bitmap, one bit per block of
// blockSize) covers any block still missing from done — there exists a
// missing block covered by bits.
func IsNeededPart(done *roadmap.RoadMap, bits []byte, blockSize, fileSize int64) bool {
	numBlocks := (fileSize + blockSize - 1) / blockSize
	owned := decodeBitmap(bits, numBlocks)
	for i := range iter.N(int(numBlocks)) {
		if !owned.Contains(bitmap.BitIndex(i)) {
			continue
		}
		start := int64(i) * blockSize
		end := start + blockSize
		if end > fileSize {
			end = fileSize
		}
		if !done.Contains(start, end-start) {
			return true
		}
	}
	return false
}

// decodeBitmap turns a wire-format parts bitmap (one bit per block,
// LSB-first per byte) into a bitmap.Bitmap of owned block indices.
func decodeBitmap(bits []byte, numBlocks int64) bitmap.Bitmap {
	var bm bitmap.Bitmap
	for i := range iter.N(int(numBlocks)) {
		if hasBit(bits, int64(i)) {
			bm.Add(bitmap.BitIndex(i))
		}
	}
	return bm
}

// ShouldAnswerProbe reports whether this peer should answer a partial
// search probe with its own bitmap: the item must be at least
// minShareSize bytes and its temp file must still exist.
func ShouldAnswerProbe(qi *queue.QueueItem, minShareSize int64, tempExists func(string) bool) bool {
	if qi.Size() < minShareSize {
		return false
	}
	return tempExists(qi.TempTarget())
}

// EncodeParts builds a parts bitmap from done: one bit per block of
// blockSize, LSB-first within each byte, set iff that block is fully
// present. This is the wire format sent over the PFS UDP channel.
func EncodeParts(done *roadmap.RoadMap, blockSize, fileSize int64) []byte {
	numBlocks := (fileSize + blockSize - 1) / blockSize
	out := make([]byte, (numBlocks+7)/8)
	for i := range iter.N(int(numBlocks)) {
		start := int64(i) * blockSize
		end := start + blockSize
		if end > fileSize {
			end = fileSize
		}
		if done.Contains(start, end-start) {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func hasBit(bits []byte, i int64) bool {
	byteIdx := i / 8
	if int(byteIdx) >= len(bits) {
		return false
	}
	return bits[byteIdx]&(1<<uint(i%8)) != 0
}
