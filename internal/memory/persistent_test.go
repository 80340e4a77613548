package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawpool/internal/errs"
)

// tableEmbedder returns fixed vectors per text and counts calls.
type tableEmbedder struct {
	vectors map[string][]float32
	calls   atomic.Int32
	err     error
}

func (e *tableEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

type stepClock struct {
	mu   sync.Mutex
	next time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = c.next.Add(time.Minute)
	return c.next
}

func newTestPersistent(t *testing.T, emb Embedder) *Persistent {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clock := &stepClock{next: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	return NewPersistent(s, emb, PersistentOptions{Now: clock.Now})
}

func TestPersistentStoreRejectsBeforeEmbedding(t *testing.T) {
	emb := &tableEmbedder{}
	p := newTestPersistent(t, emb)
	ctx := context.Background()

	cases := []struct {
		name       string
		agentID    string
		content    string
		importance float64
	}{
		{"importance above one", "a1", "fact", 1.5},
		{"negative importance", "a1", "fact", -0.1},
		{"empty content", "a1", "", 0.5},
		{"content too long", "a1", strings.Repeat("x", MaxContentLength+1), 0.5},
		{"missing agent", "", "fact", 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Store(ctx, tc.agentID, tc.content, nil, tc.importance)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
	assert.Equal(t, int32(0), emb.calls.Load())

	rec, err := p.Store(ctx, "a1", strings.Repeat("é", MaxContentLength), nil, 1.0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int32(1), emb.calls.Load())
}

func TestPersistentStoreEmbeddingFailure(t *testing.T) {
	emb := &tableEmbedder{err: errors.New("backend down")}
	p := newTestPersistent(t, emb)

	_, err := p.Store(context.Background(), "a1", "fact", nil, 0.5)
	assert.ErrorIs(t, err, errs.ErrProvider)

	recent, err := p.GetRecent(context.Background(), "a1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 0)
}

func TestPersistentSearchSemantic(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string][]float32{
		"go is fast":          {1, 0, 0},
		"go compiles quickly": {0.95, 0.05, 0},
		"go has goroutines":   {0.8, 0.6, 0},
		"cats sleep a lot":    {0, 1, 0},
		"tell me about go":    {1, 0, 0},
	}}
	p := newTestPersistent(t, emb)
	ctx := context.Background()

	for _, content := range []string{"go is fast", "go compiles quickly", "go has goroutines", "cats sleep a lot"} {
		_, err := p.Store(ctx, "a1", content, map[string]string{"category": "fact"}, 0.5)
		require.NoError(t, err)
	}
	_, err := p.Store(ctx, "a2", "go is fast", nil, 0.5)
	require.NoError(t, err)

	got, err := p.SearchSemantic(ctx, "a1", "tell me about go", 10, 0.7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "go is fast", got[0].Content)
	assert.Equal(t, "go compiles quickly", got[1].Content)
	assert.Equal(t, "go has goroutines", got[2].Content)
	for i, r := range got {
		assert.True(t, r.Similarity >= 0.7)
		assert.Equal(t, "a1", r.AgentID)
		if i > 0 {
			assert.True(t, got[i-1].Similarity >= r.Similarity)
		}
	}

	limited, err := p.SearchSemantic(ctx, "a1", "tell me about go", 2, 0.7)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	strict, err := p.SearchSemantic(ctx, "a1", "tell me about go", 10, 0.999)
	require.NoError(t, err)
	require.Len(t, strict, 1)

	_, err = p.SearchSemantic(ctx, "a1", "", 5, 0.7)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestPersistentRecentAndImportant(t *testing.T) {
	p := newTestPersistent(t, &tableEmbedder{})
	ctx := context.Background()

	for i, imp := range []float64{0.3, 0.9, 0.85, 0.9} {
		_, err := p.Store(ctx, "a1", "fact "+string(rune('A'+i)), nil, imp)
		require.NoError(t, err)
	}

	recent, err := p.GetRecent(ctx, "a1", 2)
	require.NoError(t, err)
	assert.Equal(t, "fact D", recent[0].Content)
	assert.Equal(t, "fact C", recent[1].Content)

	important, err := p.GetImportant(ctx, "a1", 0.8, 10)
	require.NoError(t, err)
	require.Len(t, important, 3)
	assert.Equal(t, "fact D", important[0].Content)
	assert.Equal(t, "fact B", important[1].Content)
	assert.Equal(t, "fact C", important[2].Content)
}

func TestPersistentCleanup(t *testing.T) {
	p := newTestPersistent(t, &tableEmbedder{})
	ctx := context.Background()

	importances := []float64{0.1, 0.95, 0.2, 0.3, 0.99}
	stored := make([]string, 0, len(importances))
	for i, imp := range importances {
		rec, err := p.Store(ctx, "a1", "record "+string(rune('1'+i)), nil, imp)
		require.NoError(t, err)
		stored = append(stored, rec.ID)
	}
	_, err := p.Store(ctx, "a2", "untouched", nil, 0.1)
	require.NoError(t, err)

	deleted, err := p.Cleanup(ctx, "a1", 2, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	left, err := p.GetRecent(ctx, "a1", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{stored[4], stored[3], stored[1]}, ids(left))

	other, err := p.GetRecent(ctx, "a2", 100)
	require.NoError(t, err)
	require.Len(t, other, 1)

	again, err := p.Cleanup(ctx, "a1", 2, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

func TestPersistentDeleteAndRescore(t *testing.T) {
	p := newTestPersistent(t, &tableEmbedder{})
	ctx := context.Background()

	rec, err := p.Store(ctx, "a1", "fact", nil, 0.2)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Rescore(ctx, "a1", rec.ID, 2), errs.ErrValidation)
	require.NoError(t, p.Rescore(ctx, "a1", rec.ID, 0.95))
	important, err := p.GetImportant(ctx, "a1", 0.9, 5)
	require.NoError(t, err)
	require.Len(t, important, 1)

	require.NoError(t, p.Delete(ctx, "a1", rec.ID))
	assert.ErrorIs(t, p.Delete(ctx, "a1", rec.ID), errs.ErrNotFound)
}
