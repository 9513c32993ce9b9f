package model

import "time"

// ReportSelector names the stream/spec key that a report is addressed to,
// per spec §3. The gateway treats it as an opaque routing key and never
// interprets its bits.
type ReportSelector uint16

// ReportFlags carries the SignedList header flags the gateway must
// interpret to decrypt or verify a report, per spec §6.
type ReportFlags struct {
	Encrypted bool
	KeyType   uint8
	Selector  ReportSelector
}

// Report is satisfied by both report shapes the gateway accepts from an
// adapter, per spec §3 ("two report shapes: Individual and SignedList").
type Report interface {
	DeviceIdentifier() DeviceIdentifier
	ReportLength() int
}

// IndividualReport is a single unsigned reading delivered outside of any
// streaming session, per spec §3. SentTime is the adapter-stamped send
// time carried alongside the reading itself on the wire, per spec §6.
type IndividualReport struct {
	DeviceID DeviceIdentifier
	Reading  Reading
	SentTime uint32
}

// DeviceIdentifier implements Report.
func (r IndividualReport) DeviceIdentifier() DeviceIdentifier { return r.DeviceID }

// ReportLength implements Report. Individual reports are always 20 bytes
// on the wire, per spec §6.
func (r IndividualReport) ReportLength() int { return 20 }

// SignedListReport is a signed, optionally-encrypted batch of readings
// for one stream selector, per spec §6. Readings is the decoded payload;
// callers obtain it via pkg/signedreport after verification (and
// decryption, if Flags.Encrypted).
type SignedListReport struct {
	DeviceID DeviceIdentifier

	// ReportID distinguishes this batch from every other batch the same
	// device has ever sent, independent of the reading_ids it carries
	// (a device may resend the same readings under a new ReportID after
	// a partial delivery). It is the value the AES-CTR nonce is derived
	// from via device_id ⊕ report_id, per spec §4.5.
	ReportID uint32

	Flags      ReportFlags
	StreamerID uint8

	// SentTime is not carried on the wire: the bit-exact SignedList
	// layout in spec §6 has no header field for it. pkg/wire's decoder
	// leaves it zero and no adapter in this module sets it.
	SentTime time.Time

	Readings []Reading

	// RawLength is the total on-wire report length, 20-byte header plus
	// 16 bytes per reading plus a 24-byte footer, per spec §6. The
	// decoder records it verbatim and ReportLength returns it in
	// preference to recomputing from Readings; EncodeSignedListReport
	// always sizes its output from Readings and does not read it.
	RawLength int
}

// DeviceIdentifier implements Report.
func (r SignedListReport) DeviceIdentifier() DeviceIdentifier { return r.DeviceID }

// ReportLength implements Report.
func (r SignedListReport) ReportLength() int {
	if r.RawLength > 0 {
		return r.RawLength
	}
	return 20 + 16*len(r.Readings) + 24
}
