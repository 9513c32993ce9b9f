package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

// modbusTable is the CRC16/MODBUS polynomial table, the checksum used by
// serial and debug-link transports that need delimiter-free framing over
// a raw byte stream, grounded on the same crc16Modbus checksum
// transports in this domain commonly use for line framing.
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// FrameCRC16 appends a little-endian CRC16/MODBUS checksum of payload to
// itself, producing a self-checking frame for transports with no other
// integrity mechanism.
func FrameCRC16(payload []byte) []byte {
	sum := crc16.Checksum(payload, modbusTable)
	framed := make([]byte, len(payload)+2)
	copy(framed, payload)
	binary.LittleEndian.PutUint16(framed[len(payload):], sum)
	return framed
}

// UnframeCRC16 verifies and strips a trailing CRC16/MODBUS checksum
// appended by FrameCRC16.
func UnframeCRC16(framed []byte) ([]byte, error) {
	if len(framed) < 2 {
		return nil, fmt.Errorf("wire: crc16 framed payload too short: %d bytes", len(framed))
	}
	payload := framed[:len(framed)-2]
	want := binary.LittleEndian.Uint16(framed[len(payload):])
	got := crc16.Checksum(payload, modbusTable)
	if got != want {
		return nil, fmt.Errorf("wire: crc16 mismatch: frame says %#04x, computed %#04x", want, got)
	}
	return payload, nil
}
