package rollout

import (
	"fmt"

	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Domain errors for release records. They carry a Kind so callers can match
// them with errors.Is against the kind alone.
var (
	// ErrReleaseNotFound indicates no release is tracked for the key.
	ErrReleaseNotFound = rerrors.New(rerrors.KindNotFound, "release not found")

	// ErrInvalidKey indicates a record without project or tag.
	ErrInvalidKey = rerrors.New(rerrors.KindValidation, "release key requires project and tag")
)

// StateTransitionError reports an attempt to move a release backwards or
// sideways in its lifecycle.
type StateTransitionError struct {
	Key   Key
	From  State
	Event string
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("release %s cannot handle %s while %s", e.Key, e.Event, e.From)
}

// Unwrap classifies the error as a state error.
func (e *StateTransitionError) Unwrap() error {
	return rerrors.New(rerrors.KindState, "invalid state transition")
}
