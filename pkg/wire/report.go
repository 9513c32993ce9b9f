package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/iotile/coretools/pkg/model"
)

// Report format codes, the first byte of every report on the wire.
const (
	FormatIndividual byte = 1
	FormatSignedList byte = 2
)

const (
	individualReportSize = 20
	signedListHeaderSize = 20
	signedListReadingSize = 16
	signedListFooterSize = 24
)

// EncodeIndividualReport produces the 20-byte Individual report layout,
// per spec §6.
func EncodeIndividualReport(r model.IndividualReport) []byte {
	buf := make([]byte, individualReportSize)
	buf[0] = FormatIndividual
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:], r.Reading.StreamID)
	binary.LittleEndian.PutUint32(buf[4:], r.Reading.ReadingID)
	binary.LittleEndian.PutUint32(buf[8:], r.Reading.Timestamp)
	binary.LittleEndian.PutUint32(buf[12:], r.Reading.Value)
	binary.LittleEndian.PutUint32(buf[16:], r.SentTime)
	return buf
}

// DecodeIndividualReport parses a 20-byte Individual report. deviceID is
// supplied by the caller because it is not carried on the wire; the
// connection it arrived on identifies the device.
func DecodeIndividualReport(data []byte, deviceID model.DeviceIdentifier) (model.IndividualReport, error) {
	if len(data) != individualReportSize {
		return model.IndividualReport{}, fmt.Errorf("wire: individual report must be %d bytes, got %d", individualReportSize, len(data))
	}
	if data[0] != FormatIndividual {
		return model.IndividualReport{}, fmt.Errorf("wire: expected format_code %d, got %d", FormatIndividual, data[0])
	}
	return model.IndividualReport{
		DeviceID: deviceID,
		Reading: model.Reading{
			StreamID:  binary.LittleEndian.Uint16(data[2:]),
			ReadingID: binary.LittleEndian.Uint32(data[4:]),
			Timestamp: binary.LittleEndian.Uint32(data[8:]),
			Value:     binary.LittleEndian.Uint32(data[12:]),
		},
		SentTime: binary.LittleEndian.Uint32(data[16:]),
	}, nil
}

// signedListLength extracts the 24-bit report length the header splits
// across length_low (16 bits) and the low 8 bits of
// length_high_and_flags (32 bits), per spec §6's "length_high_and_flags
// (low 24 bits length, top 8 flags)". The spec leaves open whether the
// combined field is 24 or 32 bits wide; this package resolves it as
// 24 bits everywhere: length_low contributes the low 16 bits and the low
// 8 bits of length_high_and_flags contribute bits 16-23, with the top 8
// bits of length_high_and_flags reserved for flags.
func signedListLength(lengthLow uint16, lengthHighAndFlags uint32) (length uint32, flagsByte byte) {
	length = uint32(lengthLow) | ((lengthHighAndFlags & 0xFF) << 16)
	flagsByte = byte(lengthHighAndFlags >> 24)
	return length, flagsByte
}

func packSignedListLength(length uint32, flagsByte byte) (lengthLow uint16, lengthHighAndFlags uint32) {
	lengthLow = uint16(length & 0xFFFF)
	lengthHighAndFlags = ((length >> 16) & 0xFF) | (uint32(flagsByte) << 24)
	return lengthLow, lengthHighAndFlags
}

// flag bits packed into the top byte of length_high_and_flags.
const (
	signedListFlagEncrypted = 1 << 0
	signedListKeyTypeMask   = 0x06
	signedListKeyTypeShift  = 1
)

// EncodeSignedListReport produces the full SignedList report: a 20-byte
// header, N 16-byte reading records and a 24-byte footer, per spec §6.
// The signature field is copied verbatim from r; pkg/signedreport
// computes it before calling this function.
//
// The header's offset-8 word carries ReportID rather than an explicit
// reading count: per spec §3's invariant
// "SignedListReport.length == len(header) + N*16 + len(footer)", N is
// always recoverable from the total length, so a redundant reading_count
// field would only ever restate what length already encodes. Spending
// that word on ReportID instead lets this format carry the per-batch
// identifier spec §4.5's nonce derivation and the worked examples both
// require without growing the header past 20 bytes.
func EncodeSignedListReport(r model.SignedListReport, signature [16]byte) []byte {
	total := signedListHeaderSize + signedListReadingSize*len(r.Readings) + signedListFooterSize
	buf := make([]byte, total)

	var flagsByte byte
	if r.Flags.Encrypted {
		flagsByte |= signedListFlagEncrypted
	}
	flagsByte |= (r.Flags.KeyType << signedListKeyTypeShift) & signedListKeyTypeMask

	lengthLow, lengthHighAndFlags := packSignedListLength(uint32(total), flagsByte)

	buf[0] = FormatSignedList
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:], lengthLow)
	binary.LittleEndian.PutUint32(buf[4:], lengthHighAndFlags)
	binary.LittleEndian.PutUint32(buf[8:], r.ReportID)
	binary.LittleEndian.PutUint32(buf[12:], uint32(uint64(r.DeviceID)&0xFFFFFFFF))
	binary.LittleEndian.PutUint32(buf[16:], uint32(uint64(r.DeviceID)>>32))

	off := signedListHeaderSize
	var lowest, highest uint32
	for i, reading := range r.Readings {
		binary.LittleEndian.PutUint16(buf[off:], reading.StreamID)
		binary.LittleEndian.PutUint16(buf[off+2:], 0) // reserved
		binary.LittleEndian.PutUint32(buf[off+4:], reading.ReadingID)
		binary.LittleEndian.PutUint32(buf[off+8:], reading.Timestamp)
		binary.LittleEndian.PutUint32(buf[off+12:], reading.Value)
		off += signedListReadingSize

		if i == 0 || reading.ReadingID < lowest {
			lowest = reading.ReadingID
		}
		if i == 0 || reading.ReadingID > highest {
			highest = reading.ReadingID
		}
	}

	binary.LittleEndian.PutUint32(buf[off:], lowest)
	binary.LittleEndian.PutUint32(buf[off+4:], highest)
	copy(buf[off+8:off+8+16], signature[:])

	return buf
}

// DecodeSignedListReport parses a SignedList report's header and reading
// records, leaving verification/decryption to pkg/signedreport. The
// returned signature is the raw 16-byte footer field; it is verified by
// the caller, not here.
func DecodeSignedListReport(data []byte) (model.SignedListReport, [16]byte, error) {
	var sig [16]byte

	if len(data) < signedListHeaderSize+signedListFooterSize {
		return model.SignedListReport{}, sig, fmt.Errorf("wire: signed list report too short: %d bytes", len(data))
	}
	if data[0] != FormatSignedList {
		return model.SignedListReport{}, sig, fmt.Errorf("wire: expected format_code %d, got %d", FormatSignedList, data[0])
	}

	lengthLow := binary.LittleEndian.Uint16(data[2:])
	lengthHighAndFlags := binary.LittleEndian.Uint32(data[4:])
	length, flagsByte := signedListLength(lengthLow, lengthHighAndFlags)
	if int(length) != len(data) {
		return model.SignedListReport{}, sig, fmt.Errorf("wire: signed list report declares length %d, got %d bytes", length, len(data))
	}

	reportID := binary.LittleEndian.Uint32(data[8:])
	deviceIDLow := binary.LittleEndian.Uint32(data[12:])
	deviceIDHigh := binary.LittleEndian.Uint32(data[16:])
	deviceID := model.DeviceIdentifier(uint64(deviceIDHigh)<<32 | uint64(deviceIDLow))

	readingBytes := len(data) - signedListHeaderSize - signedListFooterSize
	if readingBytes < 0 || readingBytes%signedListReadingSize != 0 {
		return model.SignedListReport{}, sig, fmt.Errorf("wire: signed list report length %d does not divide evenly into readings", len(data))
	}
	readingCount := readingBytes / signedListReadingSize

	readings := make([]model.Reading, readingCount)
	off := signedListHeaderSize
	for i := range readings {
		readings[i] = model.Reading{
			StreamID:  binary.LittleEndian.Uint16(data[off:]),
			ReadingID: binary.LittleEndian.Uint32(data[off+4:]),
			Timestamp: binary.LittleEndian.Uint32(data[off+8:]),
			Value:     binary.LittleEndian.Uint32(data[off+12:]),
		}
		off += signedListReadingSize
	}

	copy(sig[:], data[off+8:off+8+16])

	report := model.SignedListReport{
		DeviceID: deviceID,
		ReportID: reportID,
		Flags: model.ReportFlags{
			Encrypted: flagsByte&signedListFlagEncrypted != 0,
			KeyType:   (flagsByte & signedListKeyTypeMask) >> signedListKeyTypeShift,
		},
		Readings:  readings,
		RawLength: len(data),
	}
	return report, sig, nil
}

// PeekDeclaredLength inspects the first signedListHeaderSize bytes of a
// report frame (whichever format) and returns the total frame length a
// streaming assembler must buffer before the report is complete, per
// spec §4.4 step 1-2 ("Read the first 4 bytes... continue buffering
// until length bytes have accumulated"). Individual reports have no
// length field on the wire; their length is the fixed 20-byte layout
// itself. The signed-list length field itself only needs the first 8
// bytes; this requires the full 20-byte header up front purely so a
// caller can hand it a single fixed-size peek buffer regardless of
// which format_code shows up.
func PeekDeclaredLength(header []byte) (uint32, error) {
	if len(header) < signedListHeaderSize {
		return 0, fmt.Errorf("wire: need at least %d header bytes to peek declared length, got %d", signedListHeaderSize, len(header))
	}
	switch header[0] {
	case FormatIndividual:
		return individualReportSize, nil
	case FormatSignedList:
		lengthLow := binary.LittleEndian.Uint16(header[2:])
		lengthHighAndFlags := binary.LittleEndian.Uint32(header[4:])
		length, _ := signedListLength(lengthLow, lengthHighAndFlags)
		return length, nil
	default:
		return 0, fmt.Errorf("wire: unknown report format_code %d", header[0])
	}
}

// SignaturePayload returns the byte range of a SignedList report that is
// covered by its HMAC signature: everything except the 16-byte signature
// field itself, per spec §4.5 ("signature covers everything except
// itself").
func SignaturePayload(data []byte) []byte {
	if len(data) < 16 {
		return data
	}
	return data[:len(data)-16]
}
