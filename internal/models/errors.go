package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them without string
// matching.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindValidation   ErrorKind = "validation"
	KindInternal     ErrorKind = "internal"
)

// Codes refining a kind. All but CodeBufferLost are carried by conflicts.
const (
	CodeOffsetMismatch    = "offset_mismatch"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeSessionExists     = "session_exists"
	CodeInvalidTransition = "invalid_transition"
	CodeIncomplete        = "upload_incomplete"
	CodeChunkGap          = "chunk_gap"
	CodeBufferLost        = "buffer_lost"
)

// Error is the error type returned by every core operation.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Offset is the authoritative offset for offset conflicts, -1 otherwise.
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a caller may blindly retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindInternal && e.Code != CodeBufferLost
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// NotFound reports an absent resource or one the caller does not own.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// Validation reports malformed input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// Conflict reports a state conflict the caller can resolve by re-reading.
func Conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// OffsetConflict reports an append at the wrong offset together with the
// authoritative one.
func OffsetConflict(current int64) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    CodeOffsetMismatch,
		Message: fmt.Sprintf("offset mismatch, current offset is %d", current),
		Offset:  current,
	}
}

// QuotaExceeded reports that a channel already holds the maximum number of
// active keys.
func QuotaExceeded(channelID string, limit int) *Error {
	return Conflict(CodeQuotaExceeded, "channel %s already has %d active stream keys", channelID, limit)
}

// Internal wraps a durable store failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: op, Err: err, Offset: -1}
}

// BufferLost reports an upload whose buffered bytes are gone. Retrying cannot
// recover it; the upload has to start over.
func BufferLost(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Code: CodeBufferLost, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// KindOf extracts the kind of err, defaulting to internal for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the conflict code carried by err, if any.
func CodeOf(err error) string {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ""
}

// AsError returns the core error carried by err, wrapping foreign errors as
// internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return Internal("internal error", err)
}
