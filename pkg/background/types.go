package background

import (
	"context"
	"errors"
	"time"
)

// ErrTaskRunning is returned by Claim when a running task owns the id
var ErrTaskRunning = errors.New("background task already running")

// DefaultRemovalDelay is how long a finished task stays visible before removal
const DefaultRemovalDelay = 3 * time.Second

// Task is a session kept running after its caller moved on
type Task struct {
	TaskID    string    `json:"taskId"`
	SessionID string    `json:"sessionId"`
	IsRunning bool      `json:"isRunning"`
	StartedAt time.Time `json:"startedAt"`
	Prompt    string    `json:"prompt"`

	// Cancel stops the task's underlying run. It is never exposed in snapshots.
	Cancel context.CancelFunc `json:"-"`
}

// Listener receives the ordered task snapshot after every mutation
type Listener func(tasks []Task)

// Stats contains coordinator statistics
type Stats struct {
	Total          int `json:"total"`
	Running        int `json:"running"`
	Finished       int `json:"finished"`
	PendingRemoval int `json:"pendingRemoval"`
	Subscribers    int `json:"subscribers"`
}
