package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/model"
)

func TestIndividualReportRoundTrip(t *testing.T) {
	r := model.IndividualReport{
		DeviceID: 42,
		Reading: model.Reading{
			StreamID:  0x1001,
			ReadingID: 7,
			Timestamp: 1000,
			Value:     55,
		},
		SentTime: 1005,
	}

	buf := EncodeIndividualReport(r)
	require.Len(t, buf, individualReportSize)
	assert.Equal(t, FormatIndividual, buf[0])

	decoded, err := DecodeIndividualReport(buf, r.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestDecodeIndividualReportRejectsWrongSize(t *testing.T) {
	_, err := DecodeIndividualReport(make([]byte, 10), 1)
	assert.Error(t, err)
}

func TestDecodeIndividualReportRejectsWrongFormatCode(t *testing.T) {
	buf := make([]byte, individualReportSize)
	buf[0] = FormatSignedList
	_, err := DecodeIndividualReport(buf, 1)
	assert.Error(t, err)
}

func TestSignedListReportRoundTrip(t *testing.T) {
	report := model.SignedListReport{
		DeviceID: model.DeviceIdentifier(0x0102030405060708),
		ReportID: 7,
		Flags: model.ReportFlags{
			Encrypted: true,
			KeyType:   2,
		},
		Readings: []model.Reading{
			{StreamID: 0x1001, ReadingID: 1, Timestamp: 100, Value: 10},
			{StreamID: 0x1001, ReadingID: 2, Timestamp: 200, Value: 20},
			{StreamID: 0x1001, ReadingID: 3, Timestamp: 300, Value: 30},
		},
	}
	var sig [16]byte
	for i := range sig {
		sig[i] = byte(i)
	}

	buf := EncodeSignedListReport(report, sig)
	require.Len(t, buf, signedListHeaderSize+signedListReadingSize*3+signedListFooterSize)

	decoded, gotSig, err := DecodeSignedListReport(buf)
	require.NoError(t, err)
	assert.Equal(t, sig, gotSig)
	assert.Equal(t, report.DeviceID, decoded.DeviceID)
	assert.Equal(t, report.ReportID, decoded.ReportID)
	assert.Equal(t, report.Flags, decoded.Flags)
	assert.Equal(t, report.Readings, decoded.Readings)
}

func TestDecodeSignedListReportRejectsLengthMismatch(t *testing.T) {
	report := model.SignedListReport{
		DeviceID: 1,
		Readings: []model.Reading{{StreamID: 1, ReadingID: 1, Timestamp: 1, Value: 1}},
	}
	buf := EncodeSignedListReport(report, [16]byte{})
	buf = append(buf, 0x00) // corrupt declared length vs actual size

	_, _, err := DecodeSignedListReport(buf)
	assert.Error(t, err)
}

func TestDecodeSignedListReportRejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeSignedListReport(make([]byte, 10))
	assert.Error(t, err)
}

func TestSignedListLengthIs24Bit(t *testing.T) {
	// Resolves the spec's open question: the combined length field is
	// 24 bits (length_low + the low byte of length_high_and_flags), with
	// the top byte of length_high_and_flags reserved for flags.
	length := uint32(0x00FFFFFF)
	lengthLow, lengthHighAndFlags := packSignedListLength(length, 0xAB)
	gotLength, gotFlags := signedListLength(lengthLow, lengthHighAndFlags)
	assert.Equal(t, length, gotLength)
	assert.Equal(t, byte(0xAB), gotFlags)
}

func TestSignaturePayloadExcludesSignatureField(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	payload := SignaturePayload(data)
	assert.Len(t, payload, 24)
	assert.Equal(t, data[:24], payload)
}
