package bus

import "time"

// StateChange is published on TopicAgentState whenever an agent changes
// status or finishes a direct message.
type StateChange struct {
	AgentID      string    `json:"agentId"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
}

const (
	TaskStarted   = "started"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskEvent is published on TopicAgentTask for task lifecycle changes.
type TaskEvent struct {
	AgentID     string    `json:"agentId"`
	TaskID      string    `json:"taskId"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Notification is published on TopicNotification by the send_notification
// tool.
type Notification struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
