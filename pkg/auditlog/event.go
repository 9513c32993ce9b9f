package auditlog

import "time"

// Category classifies an audit event, grounded on the teacher's
// log.Category vocabulary (MESSAGE/CONTROL/STATE/ERROR) narrowed to the
// three kinds this gateway actually emits.
type Category uint8

const (
	// CategoryState marks a connection/interface/session state
	// transition (connfsm, aggregator fallback routing, session open/close).
	CategoryState Category = iota
	// CategoryProtocolViolation marks a fatal protocol error that closed
	// an interface, per spec §4.4 ("the interface is closed and the
	// adapter logs an audit event").
	CategoryProtocolViolation
	// CategoryError marks any other error worth recording for an operator.
	CategoryError
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one audit record. DeviceID and ConnectionHandle are plain
// values, never pointers to the live objects they describe, per spec §9's
// non-owning-reference design note: the bus must not keep a session or
// connection alive just because an event referencing it exists.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Category  Category  `cbor:"2,keyasint"`

	// DeviceID and ConnectionHandle are 0 when not applicable to this event.
	DeviceID         uint64 `cbor:"3,keyasint,omitempty"`
	ConnectionHandle uint64 `cbor:"4,keyasint,omitempty"`

	// SessionID is the non-owning session back-reference spec §9 calls for.
	SessionID string `cbor:"5,keyasint,omitempty"`

	OldState string `cbor:"6,keyasint,omitempty"`
	NewState string `cbor:"7,keyasint,omitempty"`
	Reason   string `cbor:"8,keyasint,omitempty"`
}
