package workq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcputter/resoto/pkg/bus"
)

// Well-known worker task names.
const (
	TaskValidateConfig = "validate_config"
)

// WorkerFailure is the terminal error of a worker task: the worker returned an
// error or the task timed out after all retries.
type WorkerFailure struct {
	TaskID string
	Reason string
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("worker task %s failed: %s", e.TaskID, e.Reason)
}

// Future is the single-completion result slot of a worker task. The queue is
// the only writer; it completes the future exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	data bus.Json
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(data bus.Json, err error) {
	f.once.Do(func() {
		f.data = data
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future completes or ctx is cancelled. A cancelled
// wait returns the context error; the task itself keeps running in the queue.
func (f *Future) Result(ctx context.Context) (bus.Json, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Task is one typed unit of work dispatched to an attached worker.
type Task struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	Data    bus.Json          `json:"data,omitempty"`
	Timeout time.Duration     `json:"timeout"`

	future *Future
}

// NewTask creates a task with a fresh id and an uncompleted future.
func NewTask(name string, attrs map[string]string, data bus.Json, timeout time.Duration) *Task {
	return &Task{
		ID:      uuid.NewString(),
		Name:    name,
		Attrs:   attrs,
		Data:    data,
		Timeout: timeout,
		future:  newFuture(),
	}
}

// Future returns the task's result future.
func (t *Task) Future() *Future {
	return t.future
}

// Description registers a worker's capability: it accepts tasks with the given
// name whose attributes satisfy the filter. A filter key matches when the
// task's attribute equals one of the listed values; missing attributes fail.
type Description struct {
	Name   string              `json:"name"`
	Filter map[string][]string `json:"filter,omitempty"`
}

// Matches reports whether the description accepts the task.
func (d Description) Matches(t *Task) bool {
	if d.Name != t.Name {
		return false
	}
	for key, allowed := range d.Filter {
		value, ok := t.Attrs[key]
		if !ok {
			return false
		}
		found := false
		for _, v := range allowed {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
