package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/errs"
)

// Ephemeral is the process-wide key/value cache shared by all agents.
// Entries expire only when Sweep runs; reads never check age.
type Ephemeral struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
	maxAge  time.Duration
	now     func() time.Time
}

type EphemeralOption func(*Ephemeral)

func WithMaxAge(d time.Duration) EphemeralOption {
	return func(e *Ephemeral) {
		if d > 0 {
			e.maxAge = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) EphemeralOption {
	return func(e *Ephemeral) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEphemeral(opts ...EphemeralOption) *Ephemeral {
	e := &Ephemeral{
		entries: make(map[string]map[string]Entry),
		maxAge:  DefaultEphemeralAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Ephemeral) Store(agentID, key, value string) error {
	if agentID == "" || key == "" {
		return goerr.Wrap(errs.ErrValidation, "agent id and key are required",
			goerr.V("agent_id", agentID), goerr.V("key", key))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	bucket, ok := e.entries[agentID]
	if !ok {
		bucket = make(map[string]Entry)
		e.entries[agentID] = bucket
	}
	bucket[key] = Entry{AgentID: agentID, Key: key, Value: value, UpdatedAt: e.now().UTC()}
	return nil
}

func (e *Ephemeral) Retrieve(agentID, key string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[agentID][key]
	if !ok {
		return "", goerr.Wrap(errs.ErrNotFound, "memory key not found",
			goerr.V("agent_id", agentID), goerr.V("key", key))
	}
	return entry.Value, nil
}

// Search returns the agent's entries whose key or value contains term,
// ordered by key.
func (e *Ephemeral) Search(agentID, term string) []Entry {
	e.mu.RLock()
	out := make([]Entry, 0)
	for _, entry := range e.entries[agentID] {
		if strings.Contains(entry.Key, term) || strings.Contains(entry.Value, term) {
			out = append(out, entry)
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (e *Ephemeral) Delete(agentID, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	bucket, ok := e.entries[agentID]
	if !ok {
		return false
	}
	if _, ok := bucket[key]; !ok {
		return false
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(e.entries, agentID)
	}
	return true
}

// ClearAgent drops every entry owned by agentID and returns how many were
// removed.
func (e *Ephemeral) ClearAgent(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.entries[agentID])
	delete(e.entries, agentID)
	return n
}

// Sweep removes entries last written more than maxAge ago. Candidates are
// collected under the read lock so writers only wait for the deletes.
func (e *Ephemeral) Sweep() int {
	cutoff := e.now().Add(-e.maxAge)

	type victim struct{ agentID, key string }
	var victims []victim
	e.mu.RLock()
	for agentID, bucket := range e.entries {
		for key, entry := range bucket {
			if entry.UpdatedAt.Before(cutoff) {
				victims = append(victims, victim{agentID, key})
			}
		}
	}
	e.mu.RUnlock()
	if len(victims) == 0 {
		return 0
	}

	removed := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range victims {
		bucket := e.entries[v.agentID]
		entry, ok := bucket[v.key]
		// rewritten since the scan
		if !ok || !entry.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(bucket, v.key)
		removed++
		if len(bucket) == 0 {
			delete(e.entries, v.agentID)
		}
	}
	return removed
}

func (e *Ephemeral) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, bucket := range e.entries {
		n += len(bucket)
	}
	return n
}
