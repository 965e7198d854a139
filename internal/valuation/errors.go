package valuation

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable category of a valuation failure
type Kind string

const (
	KindInvalidInput           Kind = "InvalidInput"
	KindFormulaNotFound        Kind = "FormulaNotFound"
	KindDistrictNotFound       Kind = "DistrictNotFound"
	KindNoMethodAvailable      Kind = "NoMethodAvailable"
	KindInconsistentComparable Kind = "InconsistentComparable"
	KindInternal               Kind = "Internal"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrFormulaNotFound        = errors.New("formula not found")
	ErrDistrictNotFound       = errors.New("district not found")
	ErrNoMethodAvailable      = errors.New("no valuation method available")
	ErrInconsistentComparable = errors.New("inconsistent comparable sale")
	ErrInternal               = errors.New("internal error")

	// Reasons a method is skipped without any lookup failing
	ErrNoComparables = errors.New("no comparable sales supplied")
	ErrNoRentalData  = errors.New("no rental estimate or rent table available")
)

var sentinels = map[Kind]error{
	KindInvalidInput:           ErrInvalidInput,
	KindFormulaNotFound:        ErrFormulaNotFound,
	KindDistrictNotFound:       ErrDistrictNotFound,
	KindNoMethodAvailable:      ErrNoMethodAvailable,
	KindInconsistentComparable: ErrInconsistentComparable,
	KindInternal:               ErrInternal,
}

// Error is the typed failure returned by the engine
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf reports the kind carried by err, if any
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}
