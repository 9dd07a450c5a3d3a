package codegen

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBlockType is matched by every *UnknownBlockTypeError.
	ErrUnknownBlockType = errors.New("codegen: unknown block type")

	// ErrMisplacedBlock reports a statement block plugged into a value
	// input, or the reverse where no naked form exists.
	ErrMisplacedBlock = errors.New("codegen: block cannot be used here")

	// ErrInvalidField reports a field value the emission rule cannot use.
	ErrInvalidField = errors.New("codegen: invalid field value")
)

// UnknownBlockTypeError names a block whose type has no emission rule.
type UnknownBlockTypeError struct {
	BlockID string
	Type    string
}

func (e *UnknownBlockTypeError) Error() string {
	return fmt.Sprintf("codegen: unknown block type %q (block %s)", e.Type, e.BlockID)
}

func (e *UnknownBlockTypeError) Is(target error) bool { return target == ErrUnknownBlockType }
