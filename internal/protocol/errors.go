package protocol

import (
	"fmt"

	"github.com/juju/errors"
)

// FramingError is malformed envelope or chunk frame.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "framing: " + e.Reason }

func framingf(format string, args ...interface{}) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// SizeMismatchError is declared payload size different from received one.
type SizeMismatchError struct {
	Index    uint16
	Declared int
	Actual   int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch index=%d declared=%d actual=%d", e.Index, e.Declared, e.Actual)
}

// OrderingError is chunk index different from its position in whole-file sequence.
type OrderingError struct {
	Index    uint16
	Expected int
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("ordering index=%d expected=%d", e.Index, e.Expected)
}

type VersionParseError struct {
	Input string
}

func (e *VersionParseError) Error() string {
	return fmt.Sprintf("version parse %q expected major.minor.build", e.Input)
}

// TransportError wraps connect/subscribe/publish failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransport(err) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

func IsFraming(err error) bool {
	_, ok := errors.Cause(err).(*FramingError)
	return ok
}

func IsSizeMismatch(err error) bool {
	_, ok := errors.Cause(err).(*SizeMismatchError)
	return ok
}

func IsOrdering(err error) bool {
	_, ok := errors.Cause(err).(*OrderingError)
	return ok
}

func IsVersionParse(err error) bool {
	_, ok := errors.Cause(err).(*VersionParseError)
	return ok
}

func IsTransport(err error) bool {
	_, ok := errors.Cause(err).(*TransportError)
	return ok
}

// IsValidation reports reassembly validation failure which aborts current transfer.
func IsValidation(err error) bool {
	return IsFraming(err) || IsSizeMismatch(err) || IsOrdering(err)
}
