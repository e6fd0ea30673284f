package progress

import (
	"errors"
	"fmt"

	apperrors "github.com/kbukum/pipeguard/errors"
)

var (
	// ErrTaskNotFound matches *TaskNotFoundError via errors.Is.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidPercent is returned for progress outside 0..100.
	ErrInvalidPercent = errors.New("percent must be between 0 and 100")
)

// TaskNotFoundError is returned for ids that were never created or have
// been purged.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

func (e *TaskNotFoundError) Is(target error) bool { return target == ErrTaskNotFound }

// AppError converts to the transport error model.
func (e *TaskNotFoundError) AppError() *apperrors.AppError {
	return apperrors.TaskNotFound(e.TaskID)
}
