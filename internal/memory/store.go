package memory

import (
	"context"
	"sort"
)

// Store is the durable backend for persistent memory. Every query is
// scoped to one agent.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	// Recent returns records newest first. limit <= 0 returns all.
	Recent(ctx context.Context, agentID string, limit int) ([]Record, error)
	// Important returns records with importance >= min, ordered by
	// importance then recency. limit <= 0 returns all.
	Important(ctx context.Context, agentID string, min float64, limit int) ([]Record, error)
	// Nearest returns up to limit records ordered by cosine similarity to
	// query, highest first.
	Nearest(ctx context.Context, agentID string, query []float32, limit int) ([]ScoredRecord, error)
	UpdateImportance(ctx context.Context, agentID, id string, importance float64) error
	Delete(ctx context.Context, agentID string, ids []string) (int, error)
	Close() error
}

func sortRecent(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func sortImportant(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Importance != records[j].Importance {
			return records[i].Importance > records[j].Importance
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func sortScored(records []ScoredRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Similarity != records[j].Similarity {
			return records[i].Similarity > records[j].Similarity
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func limitRecords[T any](records []T, limit int) []T {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
