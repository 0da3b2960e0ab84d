package task

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrPoolClosed = errors.New("pool is closed")

// Pool tracks running migration tasks keyed by the object they own.
// Two tasks with the same key never run at the same time.
type Pool struct {
	mu    sync.Mutex
	table map[string]Task

	wg       sync.WaitGroup
	isClosed bool
}

func NewPool() *Pool {
	return &Pool{
		table: make(map[string]Task),
	}
}

// StartTask registers and launches a task for the given key.
// Returns the task ID.
func (p *Pool) StartTask(ctx context.Context, key string, t Task) (string, error) {
	// The low level embedded task interface
	eti, ok := t.(interface {
		init(context.Context, string, string)
		release(error)
	})
	if !ok {
		return "", errors.New("invalid embedded interface")
	}

	p.mu.Lock()

	if p.isClosed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}

	if prev, found := p.table[key]; found {
		if prev.IsRunning() {
			p.mu.Unlock()
			return "", &ConcurrentRunningError{key}
		}

		// A struct of a previous completed task, safe to drop
		delete(p.table, key)
	}

	id := uuid.New().String()

	eti.init(ctx, id, key)

	p.table[key] = t

	p.wg.Add(1)

	p.mu.Unlock()

	go func() {
		var err error

		defer func() {
			eti.release(err)

			p.wg.Done()
		}()

		err = t.Main()

		if err == nil {
			err = t.OnSuccess()
		} else {
			t.OnFailure(err)
		}
	}()

	return id, nil
}

// RunFunc executes fn as a task and waits for its completion.
func (p *Pool) RunFunc(ctx context.Context, key string, fn func(*FuncTask) error) error {
	t := FuncTask{GenericTask: new(GenericTask), fn: fn}

	if _, err := p.StartTask(ctx, key, &t); err != nil {
		return err
	}

	t.Wait()

	return t.Err()
}

func (p *Pool) Get(key string) Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.table[key]
}

func (p *Pool) Stat(key string) *TaskStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, found := p.table[key]; found {
		return t.Stat()
	}

	return nil
}

func (p *Pool) Cancel(key string) error {
	if t := p.Get(key); t != nil {
		return t.Cancel()
	}

	return ErrTaskNotRunning
}

func (p *Pool) Wait(key string) {
	if t := p.Get(key); t != nil {
		t.Wait()
	}
}

func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.table))

	for key := range p.table {
		keys = append(keys, key)
	}

	return keys
}

// WaitAndClosePool waits for all running tasks and rejects new ones.
func (p *Pool) WaitAndClosePool() {
	p.mu.Lock()
	p.isClosed = true
	p.mu.Unlock()

	p.wg.Wait()
}
