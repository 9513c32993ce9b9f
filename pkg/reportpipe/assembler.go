package reportpipe

import (
	"context"
	"sync/atomic"

	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/wire"
)

// DefaultMaxReportBytes is max_report_bytes from spec §4.4.
const DefaultMaxReportBytes = 1 << 20

// VerifyFunc matches signedreport.Codec.Verify's signature. It is
// supplied by the caller rather than imported directly so the assembler
// stays decoupled from the AuthProvider chain, per spec §9's
// composition-over-inheritance guidance; signedreport.Codec satisfies
// this type without adaptation.
type VerifyFunc func(ctx context.Context, data []byte, report model.SignedListReport, sig [16]byte) error

// Assembler implements spec §4.4's report state machine for one open
// streaming or tracing interface: it buffers fragments until a complete,
// self-delimited report has accumulated, validates it, and returns it
// for hand-off to a Demux.
//
// An Assembler instance must be fed by exactly one logical writer per
// spec §4.4's "single active writer per interface" rule; Feed detects a
// concurrent second writer and reports a fatal protocol error instead of
// silently interleaving two reports' bytes.
type Assembler struct {
	expectedDevice model.DeviceIdentifier // 0 means accept any device (wildcard)
	maxBytes       int
	verify         VerifyFunc

	writing atomic.Bool
	buf     []byte
}

// NewAssembler builds an Assembler expecting reports from expectedDevice
// (0 to accept any), bounding buffered bytes at maxBytes (0 selects
// DefaultMaxReportBytes per spec §4.4), optionally running verify on
// every assembled SignedList report before it is returned.
func NewAssembler(expectedDevice model.DeviceIdentifier, maxBytes int, verify VerifyFunc) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReportBytes
	}
	return &Assembler{expectedDevice: expectedDevice, maxBytes: maxBytes, verify: verify}
}

// Feed appends fragment to the in-progress report buffer. It returns a
// fully assembled, validated Report with complete=true once enough bytes
// have accumulated; otherwise it returns complete=false and a nil error,
// meaning the caller should feed more bytes. Any non-nil error is fatal
// to the interface per spec §7 ("the offending report is dropped, the
// interface closed, and an audit event emitted"); the caller must close
// the interface and must not call Feed again on this Assembler.
func (a *Assembler) Feed(ctx context.Context, fragment []byte) (model.Report, bool, error) {
	if !a.writing.CompareAndSwap(false, true) {
		return nil, false, gwerrors.New(gwerrors.MalformedReport, "reportpipe: concurrent write detected, violating single-active-writer per interface")
	}
	defer a.writing.Store(false)

	a.buf = append(a.buf, fragment...)

	if len(a.buf) > a.maxBytes {
		a.buf = nil
		return nil, false, gwerrors.New(gwerrors.ReportTooLarge, "reportpipe: report exceeds max_report_bytes (%d)", a.maxBytes)
	}

	const minHeader = 20
	if len(a.buf) < minHeader {
		return nil, false, nil
	}

	declared, err := wire.PeekDeclaredLength(a.buf[:minHeader])
	if err != nil {
		a.buf = nil
		return nil, false, gwerrors.Wrap(gwerrors.MalformedReport, err, "reportpipe: cannot determine report length")
	}
	if int(declared) > a.maxBytes {
		a.buf = nil
		return nil, false, gwerrors.New(gwerrors.ReportTooLarge, "reportpipe: declared length %d exceeds max_report_bytes (%d)", declared, a.maxBytes)
	}
	if len(a.buf) < int(declared) {
		return nil, false, nil
	}

	data := a.buf[:declared]
	rest := a.buf[declared:]
	a.buf = append([]byte(nil), rest...)

	report, err := a.decode(ctx, data)
	if err != nil {
		return nil, false, err
	}
	return report, true, nil
}

func (a *Assembler) decode(ctx context.Context, data []byte) (model.Report, error) {
	switch data[0] {
	case wire.FormatIndividual:
		report, err := wire.DecodeIndividualReport(data, a.expectedDevice)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.MalformedReport, err, "reportpipe: decode individual report")
		}
		return report, nil

	case wire.FormatSignedList:
		report, sig, err := wire.DecodeSignedListReport(data)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.MalformedReport, err, "reportpipe: decode signed list report")
		}
		if a.expectedDevice != 0 && report.DeviceID != a.expectedDevice {
			return nil, gwerrors.New(gwerrors.MalformedReport, "reportpipe: report device_id %d does not match expected %d", report.DeviceID, a.expectedDevice)
		}
		if a.verify != nil {
			if err := a.verify(ctx, data, report, sig); err != nil {
				return nil, err
			}
		}
		return report, nil

	default:
		return nil, gwerrors.New(gwerrors.MalformedReport, "reportpipe: unknown format_code %d", data[0])
	}
}

// Reset discards any partially-buffered report, used when the owning
// interface is reopened after a protocol-violation close.
func (a *Assembler) Reset() {
	a.buf = nil
}
