package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCode is the stable error taxonomy of the wire contract shared between
// HTTP responses, codec outcomes, and peer RPCs.
type ErrCode string

const (
	ErrUnknownType       ErrCode = "unknown_type"
	ErrUnsupportedEntity ErrCode = "unsupported_entity"
	ErrInvalidPayload    ErrCode = "invalid_payload"
	ErrSerializeFailed   ErrCode = "serialize_failed"
	ErrDeserializeFailed ErrCode = "deserialize_failed"
	ErrNoRootSpots       ErrCode = "no_root_spots"
	ErrTransfersDisabled ErrCode = "transfers_disabled"
	ErrUnknownServer     ErrCode = "unknown_server"
	ErrUnreachableServer ErrCode = "unreachable_server"
	ErrWorldNotFound     ErrCode = "world_not_found"
	ErrConnectionNotFound ErrCode = "connection_not_found"
	ErrTransferNotFound  ErrCode = "transfer_not_found"
	ErrDegradedRunner    ErrCode = "degraded_runner"
)

// Error is the tagged cross-component error record of §7: every
// cross-component boundary returns this (or nil) instead of raising.
type Error struct {
	Code    ErrCode
	Message string
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithContext(k string, v any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[k] = v
	return e
}

// CodeOf extracts the ErrCode from err if it (or something it wraps) is a
// *Error, and the empty string otherwise.
func CodeOf(err error) ErrCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given tagged code.
func IsCode(err error, code ErrCode) bool { return CodeOf(err) == code }

// Wrap annotates err with a message and a stack trace at the log boundary,
// via github.com/pkg/errors, without losing the underlying *Error for
// CodeOf/IsCode callers further up.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
