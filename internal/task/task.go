// Package task runs per-VM migration jobs in the background: one running
// task per VM, cancellation via context, progress reporting for the CLI.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrTaskNotRunning  = errors.New("process is not running")
	ErrTaskInterrupted = errors.New("process was interrupted")
)

// Task defines the interface for an asynchronous migration job.
type Task interface {
	Main() error

	OnSuccess() error
	OnFailure(error)

	Wait()
	Cancel() error
	IsRunning() bool

	Err() error
	Ctx() context.Context

	ID() string
	ShortID() string
	Key() string
	CreationTime() time.Time

	SetProgress(int)

	Stat() *TaskStat
}

// GenericTask is a thread-safe base implementation meant to be embedded
// in concrete task types:
//
//	type MigrationTask struct {
//		*task.GenericTask
//
//		vmname string
//	}
type GenericTask struct {
	sync.Mutex

	id  string
	key string

	createdAt time.Time

	Logger *log.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	released  chan struct{}
	completed bool

	progress int

	err error
}

func (t *GenericTask) init(ctx context.Context, id, key string) {
	t.Lock()
	defer t.Unlock()

	t.id = id
	t.key = key

	t.createdAt = time.Now()

	t.ctx, t.cancel = context.WithCancel(ctx)

	t.released = make(chan struct{})

	t.Logger = log.WithFields(log.Fields{"task-id": t.shortID(), "task-key": key})
}

func (t *GenericTask) release(err error) {
	t.Lock()
	defer t.Unlock()

	t.cancel()

	t.cancel = nil
	t.completed = true

	if t.err == nil {
		t.err = err
	} else if err != nil {
		// In case the task was cancelled manually
		t.err = fmt.Errorf("%w: %w", t.err, err)
	}

	close(t.released)
}

// OnSuccess is a hook called after successful task completion.
// By default, it does nothing and returns nil.
func (t *GenericTask) OnSuccess() error {
	return nil
}

// OnFailure is a hook called after task failure with the encountered
// error. By default, it does nothing.
func (t *GenericTask) OnFailure(_ error) {
}

// Wait blocks until the task is released, i.e., completed or cancelled or failed.
func (t *GenericTask) Wait() {
	<-t.released
}

// Cancel attempts to cancel the running task by invoking its cancel function.
// Returns ErrTaskNotRunning if the task is not currently running.
func (t *GenericTask) Cancel() error {
	t.Lock()
	defer t.Unlock()

	if t.cancel == nil {
		return ErrTaskNotRunning
	}

	// This error indicates that the task was manually canceled
	t.err = ErrTaskInterrupted

	t.cancel()

	return nil
}

func (t *GenericTask) IsRunning() bool {
	return t.Stat().State == StateRunning
}

func (t *GenericTask) IsInterrupted() bool {
	return t.Stat().Interrupted
}

func (t *GenericTask) Err() error {
	t.Lock()
	defer t.Unlock()

	return t.err
}

// Stat returns the current status of the task. Safe for concurrent use.
func (t *GenericTask) Stat() *TaskStat {
	t.Lock()
	defer t.Unlock()

	st := TaskStat{
		ID:       t.id,
		ShortID:  t.shortID(),
		Key:      t.key,
		Progress: t.progress,
	}

	switch {
	case t.completed:
		if t.err == nil {
			st.State = StateCompleted
		} else {
			st.State = StateFailed
			st.StateDesc = t.err.Error()

			st.Interrupted = errors.Is(t.err, ErrTaskInterrupted)
		}
	case t.cancel != nil:
		st.State = StateRunning
	}

	return &st
}

// SetProgress updates the progress value (percent).
func (t *GenericTask) SetProgress(v int) {
	t.Lock()
	defer t.Unlock()

	if v > t.progress {
		t.progress = v
	}
}

func (t *GenericTask) Ctx() context.Context {
	t.Lock()
	defer t.Unlock()

	return t.ctx
}

func (t *GenericTask) ID() string {
	t.Lock()
	defer t.Unlock()

	return t.id
}

func (t *GenericTask) shortID() string {
	return strings.Split(t.id, "-")[0]
}

func (t *GenericTask) ShortID() string {
	t.Lock()
	defer t.Unlock()

	return t.shortID()
}

// Key returns the object (VM) this task exclusively owns.
func (t *GenericTask) Key() string {
	t.Lock()
	defer t.Unlock()

	return t.key
}

func (t *GenericTask) CreationTime() time.Time {
	t.Lock()
	defer t.Unlock()

	return t.createdAt
}

// ConcurrentRunningError indicates that another task already owns the
// same target object.
type ConcurrentRunningError struct {
	Key string
}

func (e *ConcurrentRunningError) Error() string {
	return fmt.Sprintf("concurrent process is already running: object = %s", e.Key)
}

func IsConcurrentRunningError(err error) bool {
	if _, ok := err.(*ConcurrentRunningError); ok {
		return true
	}

	return false
}
