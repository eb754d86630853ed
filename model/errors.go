package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData is returned when no inbound record has been acquired yet.
	ErrNoData = errors.New("no data available")
	// ErrConversion marks values that cannot be represented in the requested type.
	ErrConversion = errors.New("value conversion failed")
	// ErrUnknownName is returned for qualified names the backend cannot resolve.
	ErrUnknownName = errors.New("unknown qualified name")
	// ErrUnsupported is returned by operations a backend does not implement.
	ErrUnsupported = errors.New("operation not supported by model access")
)

// ConversionError describes a failed narrowing or type conversion.
type ConversionError struct {
	Value  interface{}
	Target string
	Reason string
}

func (e *ConversionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("cannot convert %v (%T) to %s", e.Value, e.Value, e.Target)
	}
	return fmt.Sprintf("cannot convert %v (%T) to %s: %s", e.Value, e.Value, e.Target, e.Reason)
}

func (e *ConversionError) Unwrap() error {
	return ErrConversion
}

func conversionError(value interface{}, target, reason string) error {
	return &ConversionError{Value: value, Target: target, Reason: reason}
}

func unknownName(qName string) error {
	return fmt.Errorf("%w: %q", ErrUnknownName, qName)
}

// ErrNesting is returned by StepInto for segments that are empty or contain the separator.
var ErrNesting = errors.New("invalid qualified name segment")
