package registry

import (
	"errors"
	"fmt"
)

// ValidationError kinds.
const (
	KindDuplicateID     = "duplicate_id"
	KindNotFound        = "not_found"
	KindIDMismatch      = "id_mismatch"
	KindDanglingRef     = "dangling_reference"
	KindInUse           = "in_use"
	KindProtected       = "protected"
	KindMalformedSchema = "malformed_schema"
	KindInvalidDocument = "invalid_document"
)

// ValidationError reports a failed registry invariant. The HTTP layer maps
// not_found to 404 and everything else to 400.
type ValidationError struct {
	Kind   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func validationErrorf(kind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a not_found validation error.
func IsNotFound(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Kind == KindNotFound
}

// AsValidationError extracts a ValidationError if err wraps one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}
