// Package xmlqueue reads the legacy <Downloads> XML queue format:
// read-only, used only on first start before the catalogue becomes
// authoritative. After a successful migration the legacy file is deleted.
package xmlqueue

import (
	"encoding/base32"
	"encoding/xml"
	"os"
	"time"

	"github.com/flylinkdc/queuecore/catalogue"
	"github.com/flylinkdc/queuecore/queue"
	"github.com/flylinkdc/queuecore/roadmap"
	"github.com/flylinkdc/queuecore/tigertree"
)

type xmlDownloads struct {
	XMLName   xml.Name      `xml:"Downloads"`
	Downloads []xmlDownload `xml:"Download"`
}

type xmlDownload struct {
	Target       string       `xml:"Target,attr"`
	TempTarget   string       `xml:"TempTarget,attr"`
	Size         int64        `xml:"Size,attr"`
	Downloaded   int64        `xml:"Downloaded,attr"`
	Priority     int          `xml:"Priority,attr"`
	Added        int64        `xml:"Added,attr"`
	TTH          string       `xml:"TTH,attr"`
	AutoPriority bool         `xml:"AutoPriority,attr"`
	MaxSegments  uint8        `xml:"MaxSegments,attr"`
	Segments     []xmlSegment `xml:"Segment"`
	Sources      []xmlSource  `xml:"Source"`
}

type xmlSegment struct {
	Start int64 `xml:"Start,attr"`
	Size  int64 `xml:"Size,attr"`
}

type xmlSource struct {
	CID     string `xml:"CID,attr"`
	Nick    string `xml:"Nick,attr"`
	HubHint string `xml:"HubHint,attr"`
}

// Source is a queued file's source, carried through from the legacy format
// so the caller can re-add it to a QueueItem after loading.
type Source struct {
	CID     string
	Nick    string
	HubHint string
}

// Item is one parsed <Download>, with its segments and sources alongside
// the catalogue.QueueItemRecord shape it will be migrated into.
type Item struct {
	Record  catalogue.QueueItemRecord
	Sources []Source
}

// Load parses path (the legacy queue XML file) into Items. It does not
// touch the catalogue or delete the file — callers run migration and
// deletion as a separate, explicit step (Migrate).
func Load(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc xmlDownloads
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(doc.Downloads))
	for _, d := range doc.Downloads {
		root, err := parseTTH(d.TTH)
		if err != nil {
			continue
		}
		segs := make([]roadmap.Segment, 0, len(d.Segments))
		for _, s := range d.Segments {
			segs = append(segs, roadmap.Segment{Start: s.Start, Size: s.Size})
		}
		srcs := make([]Source, 0, len(d.Sources))
		for _, s := range d.Sources {
			srcs = append(srcs, Source{CID: s.CID, Nick: s.Nick, HubHint: s.HubHint})
		}
		items = append(items, Item{
			Record: catalogue.QueueItemRecord{
				ID:           d.Target,
				Target:       d.Target,
				TempTarget:   d.TempTarget,
				Size:         d.Size,
				Root:         root,
				Priority:     queue.Priority(d.Priority),
				AutoPriority: d.AutoPriority,
				Added:        time.Unix(d.Added, 0),
				MaxSegments:  d.MaxSegments,
				Done:         segs,
			},
			Sources: srcs,
		})
	}
	return items, nil
}

// parseTTH decodes a base32 TTH string into a 24-byte root. The legacy
// format always stores TTH as base32 without padding, per DC++ convention.
func parseTTH(s string) (tigertree.Hash192, error) {
	var root tigertree.Hash192
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return root, err
	}
	copy(root[:], decoded)
	return root, nil
}

// Migrate loads path, hands every parsed Item to onItem for insertion into
// the live queue/catalogue, and on success deletes the legacy file — it is
// never read again once the catalogue is authoritative.
func Migrate(path string, onItem func(Item) error) error {
	items, err := Load(path)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := onItem(it); err != nil {
			return err
		}
	}
	return os.Remove(path)
}
