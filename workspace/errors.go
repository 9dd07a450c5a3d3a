package workspace

import (
	"errors"
	"fmt"
)

// ErrMalformedSnapshot is the sentinel matched by every *MalformedError.
var ErrMalformedSnapshot = errors.New("workspace: malformed snapshot")

// MalformedError describes why a snapshot was rejected. BlockID is empty when
// the problem is not tied to a single block.
type MalformedError struct {
	BlockID string
	Reason  string
}

func (e *MalformedError) Error() string {
	if e.BlockID == "" {
		return fmt.Sprintf("workspace: malformed snapshot: %s", e.Reason)
	}
	return fmt.Sprintf("workspace: malformed snapshot: block %q: %s", e.BlockID, e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformedSnapshot }

func malformed(blockID, format string, args ...any) error {
	return &MalformedError{BlockID: blockID, Reason: fmt.Sprintf(format, args...)}
}
