package models

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide between rejecting,
// surfacing as session state, or logging.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindLaunch     Kind = "launch"
	KindHandshake  Kind = "handshake"
	KindRuntime    Kind = "runtime"
	KindCleanup    Kind = "cleanup"
)

// Error is the orchestrator's classified error. Two errors match under
// errors.Is when their codes are equal, so wrapped copies of a sentinel still
// compare equal to the sentinel.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func sentinel(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidKey        = sentinel(KindValidation, "invalid_key", "invalid stream key")
	ErrInvalidRequest    = sentinel(KindValidation, "invalid_request", "invalid request")
	ErrSchemaViolation   = sentinel(KindValidation, "schema_violation", "request does not match schema")
	ErrUnknownQuality    = sentinel(KindValidation, "unknown_quality", "unknown quality preset")
	ErrAlreadyActive     = sentinel(KindConflict, "already_active", "stream session already active")
	ErrCapacityExceeded  = sentinel(KindConflict, "capacity_exceeded", "maximum concurrent sessions reached")
	ErrCleanupInProgress = sentinel(KindConflict, "cleanup_in_progress", "artifact cleanup is in progress")
	ErrNotRestartable    = sentinel(KindConflict, "not_restartable", "session is not in a restartable state")
	ErrSessionNotFound   = sentinel(KindNotFound, "session_not_found", "stream session not found")

	ErrDuplicateJob = sentinel(KindConflict, "duplicate_job", "transcode job already running")
	ErrJobNotFound  = sentinel(KindNotFound, "job_not_found", "transcode job not found")
	ErrLaunch       = sentinel(KindLaunch, "launch_failed", "transcode job failed to launch")
	ErrJobFailed    = sentinel(KindRuntime, "job_failed", "transcode job failed")

	ErrUnknownTransport         = sentinel(KindNotFound, "unknown_transport", "unknown transport")
	ErrUnknownProducer          = sentinel(KindNotFound, "unknown_producer", "unknown producer")
	ErrUnknownConsumer          = sentinel(KindNotFound, "unknown_consumer", "unknown consumer")
	ErrAlreadyConnected         = sentinel(KindConflict, "already_connected", "transport already connected")
	ErrTransportNotConnected    = sentinel(KindConflict, "transport_not_connected", "transport not connected")
	ErrIncompatibleCapabilities = sentinel(KindValidation, "incompatible_capabilities", "remote capabilities cannot consume producer")
	ErrUnsupportedCodec         = sentinel(KindValidation, "unsupported_codec", "codec not supported by router")
	ErrHandshake                = sentinel(KindHandshake, "handshake_failed", "transport handshake failed")

	ErrCleanup = sentinel(KindCleanup, "cleanup_failed", "artifact cleanup failed")
)

// Wrap returns a copy of the sentinel carrying cause.
func Wrap(base *Error, cause error) error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message, Err: cause}
}

// Errorf returns a copy of the sentinel with a formatted message.
func Errorf(base *Error, format string, args ...any) error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification of err, or "" when err is not an
// orchestrator error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf extracts the stable code of err, or "internal" when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
