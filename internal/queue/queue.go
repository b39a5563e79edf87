// Package queue carries step tasks from the API to the worker. The
// TaskQueue interface is the only thing orchestration code sees; the
// in-process pool below is the default implementation. Queue task ids are
// diagnostic only, the database rows remain the source of truth.
package queue

import (
	"context"
	"errors"
	"fmt"
)

// Task is one unit of work: a registered task name plus its keyword
// payload.
type Task struct {
	ID      string
	Name    string
	Payload map[string]any
}

// Handler executes one task. A returned error marks the task failed at
// the queue level; step-level status handling is the handler's job.
type Handler func(ctx context.Context, task Task) error

// TaskQueue enqueues a task for asynchronous execution and returns the
// queue-assigned task id.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskName string, payload map[string]any) (string, error)
}

var (
	ErrUnknownTask = errors.New("unknown task name")
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// UnknownTaskError wraps ErrUnknownTask with the offending name.
func UnknownTaskError(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}
