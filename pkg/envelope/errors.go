package envelope

import (
	"errors"
	"fmt"
)

// Parse and validation failures return one of these sentinels, usually
// wrapped in a FieldError naming the offending field. Callers branch with
// errors.Is; the gateway maps each sentinel to a system/error reason.
var (
	// ErrMalformed — the frame is not a JSON object.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnsupportedVersion — the protocol tag is missing or not accepted.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrMissingField — a mandatory field is absent or empty.
	ErrMissingField = errors.New("missing mandatory field")
	// ErrInvalidField — a field is present but violates the schema.
	ErrInvalidField = errors.New("invalid field")
)

// FieldError wraps a schema sentinel with the field name and optional detail.
type FieldError struct {
	Field  string
	Detail string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("field %q: %v: %s", e.Field, e.Err, e.Detail)
	}
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(field string, sentinel error, detail string) error {
	return &FieldError{Field: field, Detail: detail, Err: sentinel}
}
