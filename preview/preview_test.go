package preview

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRangeOpenEnded(t *testing.T) {
	start, end := parseRange("Range: bytes=0-\r\n")
	assert.EqualValues(t, 0, start)
	assert.EqualValues(t, -1, end)
}

func TestParseRangeBounded(t *testing.T) {
	start, end := parseRange("Range: bytes=100-199\r\n")
	assert.EqualValues(t, 100, start)
	assert.EqualValues(t, 199, end)
}

func TestParseRangeMissingHeader(t *testing.T) {
	start, end := parseRange("Host: localhost\r\n")
	assert.EqualValues(t, 0, start)
	assert.EqualValues(t, -1, end)
}

func TestPaceDelayZeroWhenUnlimited(t *testing.T) {
	assert.Zero(t, paceDelay(0, BlockSize))
}
