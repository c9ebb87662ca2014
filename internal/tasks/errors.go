package tasks

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrUnknownTask = errors.New("no handler registered for task")

// ExecutionError reports a message whose task could not be completed. The
// message is left on the queue for redelivery.
type ExecutionError struct {
	TaskID    string
	Task      string
	MessageID string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.Task, e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }
