package transform

import (
	"errors"
	"fmt"
)

var (
	ErrEmptySequence         = errors.New("empty sequence")
	ErrExpectedCurrencyShape = errors.New("expected a currency object or a number")
)

type FieldNotFoundError struct {
	Segment string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("field not found: %s", e.Segment)
}

// UnsupportedTransformError is returned for transforms that are declared but have no implementation.
type UnsupportedTransformError struct {
	Name string
}

func (e *UnsupportedTransformError) Error() string {
	return fmt.Sprintf("custom transform %q is not implemented", e.Name)
}

type MissingRequiredFieldError struct {
	Field string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// FieldError wraps a transform failure with the mapping it happened on.
type FieldError struct {
	SourceField string
	TargetField string
	Err         error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("transform %s -> %s: %v", e.SourceField, e.TargetField, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }
