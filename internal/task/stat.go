package task

type TaskState int

const (
	StatePending TaskState = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}

	return "pending"
}

type TaskStat struct {
	ID          string    `json:"id"`
	ShortID     string    `json:"short_id"`
	Key         string    `json:"key"`
	Progress    int       `json:"progress"`
	State       TaskState `json:"state"`
	StateDesc   string    `json:"state_desc,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
}
