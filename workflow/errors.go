package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/storage"
)

// Structural errors. Business-rule violations are reported as a false result instead.
var (
	ErrDefinitionNotFound     = errors.New("definition not found")
	ErrInstanceNotFound       = errors.New("instance not found")
	ErrTaskNotFound           = errors.New("task not found")
	ErrDefinitionNotPublished = errors.New("definition is not published")
	// ErrConcurrentModification is the one retryable error; the engine never retries it.
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidDefinition      = errors.New("invalid definition")
	ErrAssigneeUnresolved     = errors.New("assignee could not be resolved")
	ErrActionNotRegistered    = errors.New("action not registered")
)

// storeError maps a storage error onto the engine's sentinels.
// notFound is used for storage.ErrNotFound and may be nil to keep the store error.
func storeError(err error, notFound error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound) && notFound != nil:
		return fmt.Errorf("%w: %s", notFound, msg)
	case errors.Is(err, storage.ErrConcurrentModification), errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%w: %s: %v", ErrConcurrentModification, msg, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
