package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Application error codes. The HTTP edge maps them to status codes.
const (
	ECONFLICT     = "conflict"     // 409 - concurrent modification or duplicate
	EINTERNAL     = "internal"     // 500 - details are logged, never returned
	EINVALID      = "invalid"      // 400 - bad input or provider metadata
	ENOTFOUND     = "not_found"    // 404
	EUNAUTHORIZED = "unauthorized" // 401
	EUNAVAILABLE  = "unavailable"  // 503 - provider or datastore unreachable
)

// GenericMessage replaces the message of internal errors before it leaves the process.
const GenericMessage = "An internal error occurred. Please try again later."

// Error is an application error carrying a code for the edge, an operation
// for the logs and an optional cause.
type Error struct {
	// Code is one of the E* constants.
	Code string

	// Message is safe to return to callers unless Code is EINTERNAL.
	Message string

	// Op names where the error happened, e.g. "ledger.adjust".
	Op string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches package-level sentinels (which carry no Op) by code and message,
// so a store can return a copy annotated with its own Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// ErrorCode returns the code of err. Unknown errors are EINTERNAL; nil is "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return EINVALID
	}
	return EINTERNAL
}

// ErrorMessage returns the caller-facing message for err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	var e *Error
	if errors.As(err, &e) && e.Code != EINTERNAL {
		return e.Message
	}
	return GenericMessage
}

// ErrorOp returns the operation recorded on err, if any.
func ErrorOp(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Op
	}
	return ""
}

// Errorf creates an error with a formatted message.
//
//	domain.Errorf(domain.EINVALID, "billing.decode_event", "unknown plan %q", plan)
func Errorf(code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code, op and message to err. It returns nil for a nil err.
func WrapError(err error, code, op, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// Invalid reports bad input.
func Invalid(op, message string) error {
	return &Error{Code: EINVALID, Op: op, Message: message}
}

// Conflict reports a lost race or a duplicate.
func Conflict(op, message string) error {
	return &Error{Code: ECONFLICT, Op: op, Message: message}
}

// Internal wraps an unexpected failure. Only the logs see err and message.
func Internal(err error, op, message string) error {
	return &Error{Code: EINTERNAL, Op: op, Message: message, Err: err}
}

// ValidationError lists per-field problems with provider metadata.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	prefix := ""
	if e.Op != "" {
		prefix = e.Op + ": "
	}
	if len(e.Fields) == 1 {
		for field, msg := range e.Fields {
			return fmt.Sprintf("%s%s: %s", prefix, field, msg)
		}
	}

	names := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		names = append(names, field)
	}
	sort.Strings(names)
	return fmt.Sprintf("%svalidation failed for fields %s", prefix, strings.Join(names, ", "))
}

// NewValidationError creates a validation error for one field.
func NewValidationError(op, field, message string) error {
	return &ValidationError{Op: op, Fields: map[string]string{field: message}}
}

// GetValidationFields returns the field errors of err, or nil.
func GetValidationFields(err error) map[string]string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// Store sentinels. Match them with errors.Is.
var (
	ErrSubscriptionNotFound = &Error{Code: ENOTFOUND, Message: "subscription not found"}
	ErrSubscriptionExists   = &Error{Code: ECONFLICT, Message: "subscription already exists"}
	ErrVersionConflict      = &Error{Code: ECONFLICT, Message: "subscription was modified concurrently"}
	ErrWebhookEventNotFound = &Error{Code: ENOTFOUND, Message: "webhook event not found"}
)
