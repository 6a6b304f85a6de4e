package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the execution system.
var (
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrSymbolNotTrading = errors.New("symbol not currently trading")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunNotActive     = errors.New("run is not active")
	ErrNoPrice          = errors.New("cannot get current price")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// ErrorKind classifies a failure so callers can branch on category
// instead of matching error strings.
type ErrorKind int

const (
	// KindValidation marks bad input detected before any order was placed.
	// Never retried.
	KindValidation ErrorKind = iota + 1
	// KindGateway marks a network or exchange failure on a single order
	// operation.
	KindGateway
	// KindConsistency marks a partial multi-order failure that required a
	// compensating action.
	KindConsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindGateway:
		return "gateway"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error is a tagged error carrying the failure category and the operation
// that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationErr wraps err as a validation failure for op.
func ValidationErr(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Validationf builds a validation failure from a format string.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// GatewayErr wraps err as a gateway failure for op.
func GatewayErr(op string, err error) *Error {
	return &Error{Kind: KindGateway, Op: op, Err: err}
}

// ConsistencyErr wraps err as a consistency failure for op.
func ConsistencyErr(op string, err error) *Error {
	return &Error{Kind: KindConsistency, Op: op, Err: err}
}

// KindOf returns the error's kind, or 0 if err carries no kind tag.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsGateway reports whether err is a gateway failure.
func IsGateway(err error) bool { return KindOf(err) == KindGateway }

// IsConsistency reports whether err is a consistency failure.
func IsConsistency(err error) bool { return KindOf(err) == KindConsistency }
