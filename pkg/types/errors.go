package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure that crosses a package boundary
type ErrorKind string

const (
	KindDataQuality     ErrorKind = "data_quality"
	KindSignalRejected  ErrorKind = "signal_rejected"
	KindRiskUnavailable ErrorKind = "risk_unavailable"
	KindEmergencyHalt   ErrorKind = "emergency_halt"
	KindConfiguration   ErrorKind = "configuration"
)

type kindSentinel ErrorKind

func (k kindSentinel) Error() string { return string(k) }

// Sentinels for errors.Is matching against *Error values.
var (
	ErrDataQuality     error = kindSentinel(KindDataQuality)
	ErrSignalRejected  error = kindSentinel(KindSignalRejected)
	ErrRiskUnavailable error = kindSentinel(KindRiskUnavailable)
	ErrEmergencyHalt   error = kindSentinel(KindEmergencyHalt)
	ErrConfiguration   error = kindSentinel(KindConfiguration)
)

// Error is a classified error
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && ErrorKind(k) == e.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// ConfigError creates a ConfigurationError with a formatted reason.
func ConfigError(op, format string, args ...any) *Error {
	return NewError(KindConfiguration, op, fmt.Sprintf(format, args...), nil)
}

// DataQualityError creates a DataQuality error with a formatted reason.
func DataQualityError(op, format string, args ...any) *Error {
	return NewError(KindDataQuality, op, fmt.Sprintf(format, args...), nil)
}

// RejectedError creates a SignalRejected error carrying the rejection reason.
func RejectedError(op, reason string) *Error {
	return NewError(KindSignalRejected, op, reason, nil)
}

// RiskUnavailableError creates a RiskUnavailable error with a formatted reason.
func RiskUnavailableError(op, format string, args ...any) *Error {
	return NewError(KindRiskUnavailable, op, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of a classified error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ReasonOf returns the reason of a classified error, or the error text.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
