package gwerrors

import "fmt"

// Error is the gateway's uniform error type: a stable Kind, a human message,
// and an optional structured detail map, per spec §7 ("every error carries
// a stable kind identifier, a human-readable message, and an optional
// structured detail map").
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any

	// wrapped is the underlying cause, if any. Kept private so callers use
	// errors.Is/As against Kind comparisons via Is, not chain-walking.
	wrapped error
}

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: cause}
}

// WithDetail attaches a structured detail and returns the receiver for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.wrapped }

// KindOf extracts the Kind from an error, returning 0 (the zero Kind, which
// never matches a real error) when err is not a *Error.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ge *Error
	if as(err, &ge) {
		return ge.Kind
	}
	return 0
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
