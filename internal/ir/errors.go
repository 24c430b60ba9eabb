package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures across the data layer.
type ErrorCode string

const (
	// CodeStorageUnavailable: the durable store cannot open. Fatal at boot.
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// CodeAppendFailure: a durable journal write failed; nothing was applied.
	CodeAppendFailure ErrorCode = "APPEND_FAILURE"

	// CodeReplayCorruption: a historical entry could not be applied and was skipped.
	CodeReplayCorruption ErrorCode = "REPLAY_CORRUPTION"

	// CodeRemoteUnavailable: no remote configured or endpoint unreachable.
	CodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"

	// CodePushFailure: an outbound push failed; retried by the background loop.
	CodePushFailure ErrorCode = "PUSH_FAILURE"

	// CodeSubscriptionFailure: the realtime channel could not be established.
	CodeSubscriptionFailure ErrorCode = "SUBSCRIPTION_FAILURE"

	// CodeInvalidAction: an action violates structural or schema rules.
	CodeInvalidAction ErrorCode = "INVALID_ACTION"

	// CodeCompactionUnsafe: compaction requested past the durable snapshot.
	CodeCompactionUnsafe ErrorCode = "COMPACTION_UNSAFE"

	// CodeSnapshotCorrupt: the snapshot slot failed its checksum.
	CodeSnapshotCorrupt ErrorCode = "SNAPSHOT_CORRUPT"
)

// Error is a coded error with the failing operation and an optional cause.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds a coded error around err. Returns nil if err is nil.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether any error in err's chain carries code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// CodeOf returns the outermost error code in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
