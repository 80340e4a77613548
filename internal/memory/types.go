package memory

import "time"

const (
	MaxContentLength    = 10000
	DefaultSearchLimit  = 5
	DefaultRecallLimit  = 10
	DefaultImportance   = 0.7
	DefaultMinRecall    = 0.8
	DefaultSimilarity   = 0.7
	DefaultKeepRecent   = 100
	DefaultKeepAbove    = 0.8
	DefaultEphemeralAge = 7 * 24 * time.Hour
)

// Entry is one ephemeral key/value pair owned by an agent.
type Entry struct {
	AgentID   string    `json:"agentId"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Record is a persistent memory. Only Importance and UpdatedAt change after
// insert.
type Record struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agentId"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"-"`
	Importance float64           `json:"importance"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type ScoredRecord struct {
	Record
	Similarity float64 `json:"similarity"`
}
