package director

import (
	"errors"
	"fmt"
)

// ErrNoSpecsAvailable is returned by ClaimNextSpec when every spec of the
// group is completed or held by a live claim. Workers should stop polling.
var ErrNoSpecsAvailable = errors.New("no specs available")

// ValidationError rejects a malformed submission before any state is
// written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}

	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown run, group or instance.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ClaimConflictError is returned when every claim attempt lost its race.
type ClaimConflictError struct {
	RunID    string
	GroupID  string
	Attempts int
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf(
		"claim on %s/%s lost %d races", e.RunID, e.GroupID, e.Attempts,
	)
}

// StorageError wraps a store failure. The operation is safe to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ArtifactUpdateFailedError reports an artifact URL that could not be
// recorded. Run state is unaffected.
type ArtifactUpdateFailedError struct {
	InstanceID string
	ArtifactID string
	Err        error
}

func (e *ArtifactUpdateFailedError) Error() string {
	return fmt.Sprintf(
		"recording artifact %s of instance %s: %v",
		e.ArtifactID, e.InstanceID, e.Err,
	)
}

func (e *ArtifactUpdateFailedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is transient and the caller may retry.
func IsRetryable(err error) bool {
	var (
		storeErr    *StorageError
		conflictErr *ClaimConflictError
	)

	return errors.As(err, &storeErr) || errors.As(err, &conflictErr)
}
