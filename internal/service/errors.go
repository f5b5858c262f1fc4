package service

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidKey Kind = "INVALID_KEY"
	KindEncoding   Kind = "ENCODING_ERROR"
	KindSigning    Kind = "SIGNING_ERROR"
	KindNetwork    Kind = "NETWORK_ERROR"
	KindSubmission Kind = "SUBMISSION_ERROR"
	KindTimeout    Kind = "TIMEOUT"
)

// Stages name the step of a submission that failed.
const (
	StageKey         = "load_key"
	StageEncode      = "encode_payload"
	StageTransaction = "build_transaction"
	StageBatch       = "build_batch"
	StageSubmit      = "submit"
	StagePoll        = "poll"
	StageStatus      = "status"
)

// Error is returned by every exported operation in this package. A ledger
// rejection is not an Error; it is Result.Status == INVALID.
type Error struct {
	Kind      Kind
	Stage     string
	Action    string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	prefix := string(e.Kind) + " at " + e.Stage
	if e.Action != "" {
		prefix += " (" + e.Action + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return prefix + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(kind Kind, stage, msg string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      kind,
		Stage:     stage,
		Message:   msg,
		Retryable: retryable,
		Cause:     cause,
	}
}

func (e *Error) withAction(action string) *Error {
	e.Action = action
	return e
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable
}
