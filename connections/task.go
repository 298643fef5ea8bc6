package connections

import (
	"context"
	"fmt"
)

// Task is a handle on a goroutine running one unit of connection work: the
// hosted application, or a single transport request.
type Task struct {
	done chan struct{}
	err  error
}

// Go runs fn on a new goroutine. A panic in fn is recovered and reported as
// the task's error.
func Go(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("panic: %v", r)
			}
		}()
		t.err = fn()
	}()
	return t
}

// Done is closed once the task has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Completed reports whether the task has returned.
func (t *Task) Completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task returns or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WhenAny blocks until one of the tasks has returned and reports which. A
// nil task never completes.
func WhenAny(ctx context.Context, a, b *Task) (*Task, error) {
	select {
	case <-doneOf(a):
		return a, nil
	case <-doneOf(b):
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FirstDone blocks until one of the tasks has returned and reports which.
// At least one task must be non-nil.
func FirstDone(a, b *Task) *Task {
	select {
	case <-doneOf(a):
		return a
	case <-doneOf(b):
		return b
	}
}

func doneOf(t *Task) <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
