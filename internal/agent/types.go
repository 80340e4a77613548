// Package agent runs conversational agents as actors. Each agent owns its
// history and status inside one goroutine and is reached only through its
// inbox.
package agent

import "time"

type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusWorking Status = "working"
	StatusError   Status = "error"
	// StatusStopped is only seen in snapshots of actors that are shutting
	// down; listings skip them.
	StatusStopped Status = "stopped"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	AssignedAt  time.Time `json:"assignedAt"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Snapshot is a read-only copy of an actor's state.
type Snapshot struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SystemPrompt    string    `json:"systemPrompt"`
	Status          Status    `json:"status"`
	History         []Message `json:"history"`
	CurrentTask     *Task     `json:"currentTask,omitempty"`
	LastTask        *Task     `json:"lastTask,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.History = append([]Message(nil), s.History...)
	if s.CurrentTask != nil {
		t := *s.CurrentTask
		c.CurrentTask = &t
	}
	if s.LastTask != nil {
		t := *s.LastTask
		c.LastTask = &t
	}
	return &c
}

func (s *Snapshot) Summary() Summary {
	return Summary{
		ID:           s.ID,
		Name:         s.Name,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Working int `json:"working"`
	Error   int `json:"error"`
}
