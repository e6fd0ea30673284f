package progress

import "time"

// Status is the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further updates can follow s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a copy of a task's state at one point in time.
type Snapshot struct {
	ID          string    `json:"task_id"`
	Status      Status    `json:"status"`
	CurrentStep string    `json:"current_step"`
	Percent     int       `json:"percent"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EventType classifies events delivered to subscribers.
type EventType string

const (
	// EventUpdate carries a changed snapshot.
	EventUpdate EventType = "update"
	// EventKeepAlive repeats the latest snapshot while nothing changes.
	EventKeepAlive EventType = "keepalive"
	// EventTerminal carries the final snapshot; the subscription ends after it.
	EventTerminal EventType = "terminal"
	// EventTimeout is sent when a task stays silent for IdleTimeout; the
	// subscription ends after it.
	EventTimeout EventType = "timeout"
)

// Event is one item of a subscription. Seq increases with every change to
// the task, so readers can detect events lost to queue overflow.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Snapshot  Snapshot  `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

// ends reports whether the subscription closes after e.
func (e Event) ends() bool {
	return e.Type == EventTerminal || e.Type == EventTimeout
}
