// Package fault classifies pipeline errors so callers can decide
// between retrying, skipping a snapshot and aborting outright.
package fault

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

type Kind int

const (
	// Unknown covers errors that carry no classification.
	Unknown Kind = iota
	// Transient provider errors (throttling, eventual-consistency lag).
	Transient
	// Fatal provider errors (permission denied, not found).
	Fatal
	// Busy local resources (device or mount point in use).
	Busy
	// Integrity failures in archived data (missing part, hash mismatch).
	Integrity
	// Config rejects invalid option combinations before any resource is acquired.
	Config
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Busy:
		return "busy"
	case Integrity:
		return "integrity"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err, keeping the original chain intact.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf returns the innermost classification found in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return Unknown
}

func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

func IsIntegrity(err error) bool {
	return KindOf(err) == Integrity
}

func IsConfig(err error) bool {
	return KindOf(err) == Config
}

// Throttling and consistency-lag codes the provider reports for calls
// that succeed on a later attempt.
var transientCodes = map[string]bool{
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestThrottled":     true,
	"RequestLimitExceeded": true,
	"ServiceUnavailable":   true,
	"InternalError":        true,
	"IncorrectState":       true,
	"VolumeInUse":          true,
}

// FromProvider classifies an AWS SDK error. Anything that is not a
// recognized throttling or consistency code is treated as fatal so the
// pipeline surfaces it instead of spinning.
func FromProvider(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return Wrap(Fatal, err)
	}
	if transientCodes[ae.ErrorCode()] {
		return Wrap(Transient, err)
	}
	return Wrap(Fatal, err)
}
