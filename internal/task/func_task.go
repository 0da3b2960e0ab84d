package task

// FuncTask wraps a plain function as a Task.
type FuncTask struct {
	*GenericTask

	fn func(*FuncTask) error
}

func (t *FuncTask) Main() error {
	return t.fn(t)
}
