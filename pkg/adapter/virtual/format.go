package virtual

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/iotile/coretools/pkg/gwerrors"
)

// token is one parsed element of a format descriptor string, grounded
// on the original VirtualTile's struct-format argument/result
// descriptors (e.g. "H6sBBBB"): a run of digits followed by a type
// character denotes a fixed-size field, with 's' meaning a byte string
// of that many bytes and no digits meaning a count of 1.
type token struct {
	kind string // "B", "H", "L", or "s"
	size int    // field width in bytes (string length for "s")
}

// parseFormat parses a format descriptor into its ordered tokens,
// validating that every character is one of the four kinds this gateway
// supports: B (u8), H (u16), L (u32), Ns (an N-byte string).
func parseFormat(format string) ([]token, error) {
	var tokens []token
	digits := ""
	for _, c := range format {
		switch {
		case c >= '0' && c <= '9':
			digits += string(c)
		case c == 'B':
			tokens = append(tokens, token{kind: "B", size: 1})
			digits = ""
		case c == 'H':
			tokens = append(tokens, token{kind: "H", size: 2})
			digits = ""
		case c == 'L':
			tokens = append(tokens, token{kind: "L", size: 4})
			digits = ""
		case c == 's':
			n := 1
			if digits != "" {
				var err error
				n, err = strconv.Atoi(digits)
				if err != nil {
					return nil, fmt.Errorf("virtual: invalid string length %q in format %q", digits, format)
				}
			}
			tokens = append(tokens, token{kind: "s", size: n})
			digits = ""
		default:
			return nil, fmt.Errorf("virtual: unsupported format token %q in %q", c, format)
		}
	}
	if digits != "" {
		return nil, fmt.Errorf("virtual: format %q ends with a dangling count", format)
	}
	return tokens, nil
}

// sizeOf returns the total byte size a format descriptor packs to.
func sizeOf(format string) (int, error) {
	tokens, err := parseFormat(format)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tk := range tokens {
		total += tk.size
	}
	return total, nil
}

// pack encodes values according to format, little-endian, matching the
// original VirtualTile's "<" struct prefix. Each token consumes exactly
// one value: "B"/"H"/"L" tokens expect an integer type, "Ns" tokens
// expect a []byte or string of at most N bytes (short values are
// zero-padded; padName is what space-pads tile names).
func pack(format string, values []any) ([]byte, error) {
	tokens, err := parseFormat(format)
	if err != nil {
		return nil, err
	}
	if len(values) != len(tokens) {
		return nil, gwerrors.New(gwerrors.RPCInvalidArgs, "format %q expects %d values, got %d", format, len(tokens), len(values))
	}

	size, _ := sizeOf(format)
	buf := make([]byte, size)
	off := 0
	for i, tk := range tokens {
		switch tk.kind {
		case "B":
			v, err := asUint(values[i])
			if err != nil {
				return nil, err
			}
			buf[off] = byte(v)
		case "H":
			v, err := asUint(values[i])
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(v))
		case "L":
			v, err := asUint(values[i])
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		case "s":
			raw, err := asBytes(values[i])
			if err != nil {
				return nil, err
			}
			if len(raw) > tk.size {
				return nil, gwerrors.New(gwerrors.RPCInvalidArgs, "string value of %d bytes exceeds %d byte field", len(raw), tk.size)
			}
			copy(buf[off:off+tk.size], raw)
		}
		off += tk.size
	}
	return buf, nil
}

// unpack decodes data according to format, the inverse of pack.
func unpack(format string, data []byte) ([]any, error) {
	tokens, err := parseFormat(format)
	if err != nil {
		return nil, err
	}
	size, _ := sizeOf(format)
	if len(data) != size {
		return nil, gwerrors.New(gwerrors.RPCInvalidArgs, "format %q expects a %d byte payload, got %d", format, size, len(data))
	}

	values := make([]any, len(tokens))
	off := 0
	for i, tk := range tokens {
		switch tk.kind {
		case "B":
			values[i] = data[off]
		case "H":
			values[i] = binary.LittleEndian.Uint16(data[off:])
		case "L":
			values[i] = binary.LittleEndian.Uint32(data[off:])
		case "s":
			values[i] = append([]byte(nil), data[off:off+tk.size]...)
		}
		off += tk.size
	}
	return values, nil
}

func asUint(v any) (uint64, error) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int:
		return uint64(n), nil
	default:
		return 0, gwerrors.New(gwerrors.RPCInvalidArgs, "value %v is not an integer type", v)
	}
}

func asBytes(v any) ([]byte, error) {
	switch s := v.(type) {
	case []byte:
		return s, nil
	case string:
		return []byte(s), nil
	case [6]byte:
		return s[:], nil
	default:
		return nil, gwerrors.New(gwerrors.RPCInvalidArgs, "value %v is not a byte string", v)
	}
}

// padName right-pads name with spaces to exactly 6 bytes, or returns an
// error if it is longer, matching the original VirtualTile's
// _check_convert_name.
func padName(name string) ([]byte, error) {
	b := []byte(name)
	if len(b) > 6 {
		return nil, gwerrors.New(gwerrors.BadArgument, "tile name %q is longer than 6 bytes", name)
	}
	if len(b) < 6 {
		b = append(b, []byte(strings.Repeat(" ", 6-len(b)))...)
	}
	return b, nil
}
