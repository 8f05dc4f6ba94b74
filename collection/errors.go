package collection

import "errors"

// Sentinel errors for the collection package. NotFound is not included
// here: a miss on get/remove is represented by a zero Value and
// ok=false, not an error.
var (
	// ErrInvalidArgument is returned for an IndexOnlySet put where
	// value != index. Nil and wrong-typed keys or values are not checked
	// and do not produce it.
	ErrInvalidArgument = errors.New("collection: invalid argument")

	// ErrLogicError indicates the growth contract was violated: a mutator
	// that requires space was called on a full Contents. Callers never see
	// this through Collection, which always grows before it can happen.
	ErrLogicError = errors.New("collection: logic error (table is full)")
)
