package memory

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"
	"github.com/stellarlinkco/clawpool/internal/errs"
)

// ChromemStore is an in-process vector store. Each agent gets its own
// collection; a side index holds the mutable importance and timestamps that
// chromem documents cannot update in place.
type ChromemStore struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	records     map[string]map[string]Record
}

func NewChromemStore() *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		records:     make(map[string]map[string]Record),
	}
}

func (s *ChromemStore) collection(agentID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[agentID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[agentID]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection("agent_"+agentID, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "create collection", goerr.V("agent_id", agentID))
	}
	s.collections[agentID] = col
	s.records[agentID] = make(map[string]Record)
	return col, nil
}

func (s *ChromemStore) Insert(ctx context.Context, rec Record) error {
	col, err := s.collection(rec.AgentID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Embedding...),
		Metadata:  copyMetadata(rec.Metadata),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "add document", goerr.V("id", rec.ID), goerr.V("agent_id", rec.AgentID))
	}

	s.mu.Lock()
	rec.Metadata = copyMetadata(rec.Metadata)
	s.records[rec.AgentID][rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *ChromemStore) snapshot(agentID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.records[agentID]
	out := make([]Record, 0, len(idx))
	for _, rec := range idx {
		out = append(out, rec)
	}
	return out
}

func (s *ChromemStore) Recent(_ context.Context, agentID string, limit int) ([]Record, error) {
	records := s.snapshot(agentID)
	sortRecent(records)
	return limitRecords(records, limit), nil
}

func (s *ChromemStore) Important(_ context.Context, agentID string, min float64, limit int) ([]Record, error) {
	all := s.snapshot(agentID)
	records := all[:0]
	for _, rec := range all {
		if rec.Importance >= min {
			records = append(records, rec)
		}
	}
	sortImportant(records)
	return limitRecords(records, limit), nil
}

func (s *ChromemStore) Nearest(ctx context.Context, agentID string, query []float32, limit int) ([]ScoredRecord, error) {
	s.mu.RLock()
	col, ok := s.collections[agentID]
	s.mu.RUnlock()
	if !ok {
		return []ScoredRecord{}, nil
	}

	// chromem rejects nResults above the collection size
	n := col.Count()
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []ScoredRecord{}, nil
	}

	results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "chromem query", goerr.V("agent_id", agentID))
	}

	s.mu.RLock()
	idx := s.records[agentID]
	scored := make([]ScoredRecord, 0, len(results))
	for _, res := range results {
		rec, ok := idx[res.ID]
		if !ok {
			continue
		}
		scored = append(scored, ScoredRecord{Record: rec, Similarity: float64(res.Similarity)})
	}
	s.mu.RUnlock()

	sortScored(scored)
	return scored, nil
}

func (s *ChromemStore) UpdateImportance(_ context.Context, agentID, id string, importance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[agentID][id]
	if !ok {
		return goerr.Wrap(errs.ErrNotFound, "update importance", goerr.V("id", id), goerr.V("agent_id", agentID))
	}
	rec.Importance = importance
	rec.UpdatedAt = time.Now().UTC()
	s.records[agentID][id] = rec
	return nil
}

func (s *ChromemStore) Delete(ctx context.Context, agentID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.RLock()
	col, ok := s.collections[agentID]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	present := make([]string, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		if _, ok := s.records[agentID][id]; ok {
			present = append(present, id)
		}
	}
	s.mu.RUnlock()
	if len(present) == 0 {
		return 0, nil
	}

	if err := col.Delete(ctx, nil, nil, present...); err != nil {
		return 0, goerr.Wrap(err, "delete documents", goerr.V("agent_id", agentID))
	}

	s.mu.Lock()
	for _, id := range present {
		delete(s.records[agentID], id)
	}
	s.mu.Unlock()
	return len(present), nil
}

func (s *ChromemStore) Close() error { return nil }
