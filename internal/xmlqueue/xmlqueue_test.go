package xmlqueue

import (
	"encoding/base32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylinkdc/queuecore/tigertree"
)

func writeLegacyQueue(t *testing.T, tth string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "Queue.xml")
	doc := `<Downloads>
  <Download Target="/downloads/a.bin" TempTarget="/downloads/a.bin.!dctmp" Size="10" Downloaded="4" Priority="3" Added="1700000000" TTH="` + tth + `" AutoPriority="false" MaxSegments="2">
    <Segment Start="0" Size="4"/>
    <Segment Start="6" Size="4"/>
    <Source CID="abc" Nick="bob" HubHint="hub.example.com"/>
  </Download>
</Downloads>`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadParsesDownloadsSegmentsAndSources(t *testing.T) {
	var root tigertree.Hash192
	for i := range root {
		root[i] = byte(i)
	}
	tth := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(root[:])
	path := writeLegacyQueue(t, tth)

	items, err := Load(path)
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	assert.Equal(t, "/downloads/a.bin", it.Record.Target)
	assert.EqualValues(t, 10, it.Record.Size)
	assert.Equal(t, root, it.Record.Root)
	assert.Len(t, it.Record.Done, 2)
	require.Len(t, it.Sources, 1)
	assert.Equal(t, "bob", it.Sources[0].Nick)
}

func TestMigrateDeletesLegacyFileOnSuccess(t *testing.T) {
	var root tigertree.Hash192
	tth := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(root[:])
	path := writeLegacyQueue(t, tth)

	var seen int
	err := Migrate(path, func(Item) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
