package journal

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/iotile/coretools/pkg/model"
	"github.com/iotile/coretools/pkg/reportpipe"
)

// DefaultCapacity bounds how many reports one ring retains when a
// caller doesn't specify its own.
const DefaultCapacity = 32

// record is the on-disk shape of one retained report: its routing key
// plus the report itself, so a reload can rebuild the in-memory rings
// without any other source of truth.
type record struct {
	DeviceID uint64                 `cbor:"1,keyasint"`
	Selector uint16                 `cbor:"2,keyasint"`
	Report   model.SignedListReport `cbor:"3,keyasint"`
}

// ring is a capacity-bounded FIFO of reports for one (device, selector)
// key. The oldest report is dropped once capacity is exceeded.
type ring struct {
	capacity int
	entries  []model.SignedListReport
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity}
}

func (r *ring) append(report model.SignedListReport) {
	r.entries = append(r.entries, report)
	if over := len(r.entries) - r.capacity; over > 0 {
		r.entries = r.entries[over:]
	}
}

// since returns every retained report with a ReportID strictly greater
// than sinceReportID, oldest first.
func (r *ring) since(sinceReportID uint32) []model.SignedListReport {
	out := make([]model.SignedListReport, 0, len(r.entries))
	for _, e := range r.entries {
		if e.ReportID > sinceReportID {
			out = append(out, e)
		}
	}
	return out
}

// Journal is the bounded retransmission window spec.md §1 calls for:
// a per-(device_id, selector) ring of the most recently assembled
// SignedListReport batches, so a client that reconnects after a gap can
// be replayed what it missed instead of only ever seeing reports
// produced after it resubscribes.
//
// Grounded on pkg/log.FileLogger's append-only CBOR persistence (same
// github.com/fxamacker/cbor/v2 dependency) and on pkg/reportpipe.Demux's
// (device_id, selector) keying, which Journal reuses directly so a
// caller can key a replay request exactly the way it keys a live
// subscription.
type Journal struct {
	mu       sync.Mutex
	capacity int
	rings    map[reportpipe.Key]*ring

	persistFile *os.File
	encoder     *cbor.Encoder
}

// New builds an in-memory-only Journal with the given per-key capacity.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		capacity: capacity,
		rings:    make(map[reportpipe.Key]*ring),
	}
}

// Open builds a Journal backed by a CBOR-encoded file at path: existing
// records are replayed into the in-memory rings before Open returns, and
// every future Append is persisted as an additional record.
func Open(capacity int, path string) (*Journal, error) {
	j := New(capacity)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	dec := decMode.NewDecoder(f)
	for {
		var rec record
		if decErr := dec.Decode(&rec); decErr != nil {
			if decErr == io.EOF {
				break
			}
			f.Close()
			return nil, fmt.Errorf("journal: replay %s: %w", path, decErr)
		}
		key := reportpipe.Key{
			DeviceID: model.DeviceIdentifier(rec.DeviceID),
			Selector: model.ReportSelector(rec.Selector),
		}
		j.ringFor(key).append(rec.Report)
	}

	j.persistFile = f
	j.encoder = encMode.NewEncoder(f)
	return j, nil
}

func (j *Journal) ringFor(key reportpipe.Key) *ring {
	r, ok := j.rings[key]
	if !ok {
		r = newRing(j.capacity)
		j.rings[key] = r
	}
	return r
}

// Append retains report under key, evicting the oldest retained report
// for that key once capacity is exceeded. If the Journal was opened
// against a file, the report is also persisted; a persistence failure is
// returned but does not undo the in-memory retention, since an
// in-process replay should still work even if the disk write failed.
func (j *Journal) Append(key reportpipe.Key, report model.SignedListReport) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.ringFor(key).append(report)

	if j.encoder == nil {
		return nil
	}
	rec := record{
		DeviceID: uint64(key.DeviceID),
		Selector: uint16(key.Selector),
		Report:   report,
	}
	if err := j.encoder.Encode(rec); err != nil {
		return fmt.Errorf("journal: persist report: %w", err)
	}
	return nil
}

// Replay returns every report retained for key with a ReportID greater
// than sinceReportID, oldest first. It returns nil if key has no ring
// or nothing in the ring qualifies.
func (j *Journal) Replay(key reportpipe.Key, sinceReportID uint32) []model.SignedListReport {
	j.mu.Lock()
	defer j.mu.Unlock()

	r, ok := j.rings[key]
	if !ok {
		return nil
	}
	return r.since(sinceReportID)
}

// Close closes the backing file, if any. A Journal created with New has
// nothing to close.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.persistFile == nil {
		return nil
	}
	return j.persistFile.Close()
}
