package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCRC16RoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	framed := FrameCRC16(payload)
	require.Len(t, framed, len(payload)+2)

	unframed, err := UnframeCRC16(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, unframed)
}

func TestUnframeCRC16DetectsCorruption(t *testing.T) {
	framed := FrameCRC16([]byte{0xAA, 0xBB, 0xCC})
	framed[0] ^= 0xFF

	_, err := UnframeCRC16(framed)
	assert.Error(t, err)
}

func TestUnframeCRC16RejectsShortInput(t *testing.T) {
	_, err := UnframeCRC16([]byte{0x01})
	assert.Error(t, err)
}
