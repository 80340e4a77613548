package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/logging"
)

type PersistentOptions struct {
	// Similarity is the default SearchSemantic threshold.
	Similarity   float64
	EmbedTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Persistent is the long-term, importance-scored memory tier. It validates
// and embeds content, then hands records to a Store.
type Persistent struct {
	store        Store
	embedder     Embedder
	similarity   float64
	embedTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewPersistent(store Store, embedder Embedder, opts PersistentOptions) *Persistent {
	p := &Persistent{
		store:        store,
		embedder:     embedder,
		similarity:   opts.Similarity,
		embedTimeout: opts.EmbedTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if p.similarity <= 0 || p.similarity > 1 {
		p.similarity = DefaultSimilarity
	}
	if p.logger == nil {
		p.logger = logging.Component("memory")
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Persistent) Similarity() float64 { return p.similarity }

func (p *Persistent) Store(ctx context.Context, agentID, content string, metadata map[string]string, importance float64) (*Record, error) {
	if err := validateRecord(agentID, content, importance); err != nil {
		return nil, err
	}

	vec, err := p.embed(ctx, content)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	rec := Record{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Content:    content,
		Metadata:   copyMetadata(metadata),
		Embedding:  vec,
		Importance: importance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	p.logger.Debug("memory stored",
		"agent_id", agentID, "id", rec.ID, "importance", importance, "chars", utf8.RuneCountInString(content))
	return &rec, nil
}

// SearchSemantic ranks the agent's records by cosine similarity to query and
// keeps those at or above threshold, at most limit of them.
func (p *Persistent) SearchSemantic(ctx context.Context, agentID, query string, limit int, threshold float64) ([]ScoredRecord, error) {
	if agentID == "" {
		return nil, goerr.Wrap(errs.ErrValidation, "agent id is required")
	}
	if query == "" {
		return nil, goerr.Wrap(errs.ErrValidation, "query is required", goerr.V("agent_id", agentID))
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if math.IsNaN(threshold) {
		threshold = p.similarity
	}

	vec, err := p.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	candidates, err := p.store.Nearest(ctx, agentID, vec, limit)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredRecord, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity >= threshold {
			out = append(out, c)
		}
	}
	sortScored(out)
	return limitRecords(out, limit), nil
}

func (p *Persistent) GetRecent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	return p.store.Recent(ctx, agentID, limit)
}

func (p *Persistent) GetImportant(ctx context.Context, agentID string, minImportance float64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	return p.store.Important(ctx, agentID, minImportance, limit)
}

// Cleanup keeps the union of the keepRecent newest records and every record
// with importance >= keepAbove, and deletes the rest of the agent's records.
func (p *Persistent) Cleanup(ctx context.Context, agentID string, keepRecent int, keepAbove float64) (int, error) {
	keep := make(map[string]struct{})
	if keepRecent > 0 {
		recent, err := p.store.Recent(ctx, agentID, keepRecent)
		if err != nil {
			return 0, err
		}
		for _, rec := range recent {
			keep[rec.ID] = struct{}{}
		}
	}
	important, err := p.store.Important(ctx, agentID, keepAbove, 0)
	if err != nil {
		return 0, err
	}
	for _, rec := range important {
		keep[rec.ID] = struct{}{}
	}

	all, err := p.store.Recent(ctx, agentID, 0)
	if err != nil {
		return 0, err
	}
	victims := make([]string, 0, len(all))
	for _, rec := range all {
		if _, ok := keep[rec.ID]; !ok {
			victims = append(victims, rec.ID)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	n, err := p.store.Delete(ctx, agentID, victims)
	if err != nil {
		return n, err
	}
	p.logger.Info("memory cleanup", "agent_id", agentID, "deleted", n, "kept", len(keep))
	return n, nil
}

func (p *Persistent) Delete(ctx context.Context, agentID, id string) error {
	n, err := p.store.Delete(ctx, agentID, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return goerr.Wrap(errs.ErrNotFound, "memory record not found", goerr.V("agent_id", agentID), goerr.V("id", id))
	}
	return nil
}

// Rescore changes a record's importance, the only mutation a record allows.
func (p *Persistent) Rescore(ctx context.Context, agentID, id string, importance float64) error {
	if !validImportance(importance) {
		return goerr.Wrap(errs.ErrValidation, "importance must be within [0, 1]", goerr.V("importance", importance))
	}
	return p.store.UpdateImportance(ctx, agentID, id, importance)
}

func (p *Persistent) Close() error {
	return p.store.Close()
}

func (p *Persistent) embed(ctx context.Context, text string) ([]float32, error) {
	if p.embedder == nil {
		return nil, goerr.Wrap(errs.ErrProvider, "embedding provider not configured")
	}
	if p.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.embedTimeout)
		defer cancel()
	}
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(errs.ErrProvider, err), "embed text")
	}
	return vec, nil
}

func validateRecord(agentID, content string, importance float64) error {
	if agentID == "" {
		return goerr.Wrap(errs.ErrValidation, "agent id is required")
	}
	if !validImportance(importance) {
		return goerr.Wrap(errs.ErrValidation, "importance must be within [0, 1]", goerr.V("importance", importance))
	}
	n := utf8.RuneCountInString(content)
	if n < 1 || n > MaxContentLength {
		return goerr.Wrap(errs.ErrValidation, "content length must be within [1, 10000]", goerr.V("length", n))
	}
	return nil
}

func validImportance(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
