package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	topics []bus.Topic
	sent   []bus.Notification
	err    error
}

func (n *recordingNotifier) Publish(topic bus.Topic, _ string, payload any) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topics = append(n.topics, topic)
	n.sent = append(n.sent, payload.(bus.Notification))
	return nil
}

var fixedNow = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func newExecutor(t *testing.T) (*Executor, *memory.Ephemeral, *recordingNotifier) {
	t.Helper()
	eph := memory.NewEphemeral()
	pers := memory.NewPersistent(memory.NewChromemStore(), memory.NewHashEmbedder(384), memory.PersistentOptions{Similarity: 0.3})
	n := &recordingNotifier{}
	e := New(Options{
		Ephemeral:  eph,
		Persistent: pers,
		Notifier:   n,
		Now:        func() time.Time { return fixedNow },
	})
	return e, eph, n
}

var agent = CallContext{AgentID: "agent-1"}

func TestExecuteUnknownTool(t *testing.T) {
	e, _, _ := newExecutor(t)
	_, err := e.Execute(context.Background(), "rm_rf", nil, agent)
	assert.True(t, errors.Is(err, errs.ErrUnknownTool))
}

func TestCatalogue(t *testing.T) {
	e, _, _ := newExecutor(t)
	specs := e.Catalogue()
	require.Len(t, specs, 13)
	assert.Equal(t, "calculate", specs[0].Name)
	assert.Equal(t, "calculate(expression)", specs[0].Signature)
	for _, s := range specs {
		assert.NotEmpty(t, s.Description, s.Name)
		assert.True(t, strings.HasPrefix(s.Signature, s.Name+"("), s.Name)
	}
	assert.Contains(t, e.Names(), "send_notification")
}

func TestCalculateTool(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()

	got, err := e.Execute(ctx, "calculate", map[string]string{"expression": "2+2*3"}, agent)
	require.NoError(t, err)
	assert.Equal(t, "8", got)

	_, err = e.Execute(ctx, "calculate", map[string]string{}, agent)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameters))

	_, err = e.Execute(ctx, "calculate", map[string]string{"expression": "2+"}, agent)
	assert.True(t, errors.Is(err, errs.ErrCalculation))
}

func TestCurrentTimeIsAlwaysUTC(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()

	got, err := e.Execute(ctx, "get_current_time", nil, agent)
	require.NoError(t, err)
	assert.Equal(t, "2026-04-05T06:07:08Z (UTC)", got)

	got, err = e.Execute(ctx, "get_current_time", map[string]string{"timezone": "Asia/Tokyo"}, agent)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "2026-04-05T06:07:08Z"))
	assert.Contains(t, got, `"Asia/Tokyo" is not supported`)
}

func TestEphemeralTools(t *testing.T) {
	e, eph, _ := newExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, "store_memory", map[string]string{"key": "color", "value": "blue"}, agent)
	require.NoError(t, err)
	v, err := eph.Retrieve("agent-1", "color")
	require.NoError(t, err)
	assert.Equal(t, "blue", v)

	got, err := e.Execute(ctx, "retrieve_memory", map[string]string{"key": "color"}, agent)
	require.NoError(t, err)
	assert.Equal(t, "blue", got)

	got, err = e.Execute(ctx, "search_memory", map[string]string{"term": "blu"}, agent)
	require.NoError(t, err)
	assert.Equal(t, "color: blue", got)

	_, err = e.Execute(ctx, "retrieve_memory", map[string]string{"key": "color"}, CallContext{AgentID: "agent-2"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = e.Execute(ctx, "forget_memory", map[string]string{"key": "color"}, CallContext{AgentID: "agent-2"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	got, err = e.Execute(ctx, "forget_memory", map[string]string{"key": "color"}, agent)
	require.NoError(t, err)
	assert.Equal(t, `Forgot "color"`, got)
	_, err = eph.Retrieve("agent-1", "color")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = e.Execute(ctx, "store_memory", map[string]string{"key": "k"}, agent)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameters))
}

func TestMemoryToolsNeedAgentContext(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()
	for _, name := range []string{"store_memory", "retrieve_memory", "search_memory", "forget_memory", "store_knowledge", "search_knowledge", "recall_important_knowledge"} {
		_, err := e.Execute(ctx, name, map[string]string{"key": "k", "value": "v", "term": "t", "content": "c", "query": "q"}, CallContext{})
		assert.True(t, errors.Is(err, errs.ErrNoAgentContext), name)
	}
}

func TestKnowledgeTools(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()

	got, err := e.Execute(ctx, "store_knowledge", map[string]string{
		"content":  "the deploy window is friday afternoon",
		"category": "ops",
	}, agent)
	require.NoError(t, err)
	assert.Contains(t, got, "importance 0.70")

	_, err = e.Execute(ctx, "store_knowledge", map[string]string{"content": "db password rotates monthly", "importance": "0.95"}, agent)
	require.NoError(t, err)

	_, err = e.Execute(ctx, "store_knowledge", map[string]string{"content": "x", "importance": "1.5"}, agent)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = e.Execute(ctx, "store_knowledge", map[string]string{"content": "x", "importance": "high"}, agent)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameters))

	got, err = e.Execute(ctx, "search_knowledge", map[string]string{"query": "deploy window friday"}, agent)
	require.NoError(t, err)
	assert.Contains(t, got, "the deploy window is friday afternoon")

	got, err = e.Execute(ctx, "recall_important_knowledge", nil, agent)
	require.NoError(t, err)
	assert.Equal(t, "1. [0.95] db password rotates monthly", got)

	got, err = e.Execute(ctx, "recall_important_knowledge", map[string]string{"min_importance": "0.99"}, agent)
	require.NoError(t, err)
	assert.Contains(t, got, "No knowledge")

	_, err = e.Execute(ctx, "search_knowledge", map[string]string{"query": "q", "limit": "-1"}, agent)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameters))
}

func TestGenerateID(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()

	a, err := e.Execute(ctx, "generate_id", nil, agent)
	require.NoError(t, err)
	b, err := e.Execute(ctx, "generate_id", nil, agent)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)

	p, err := e.Execute(ctx, "generate_id", map[string]string{"prefix": "task"}, agent)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, "task_"))
}

func TestMockedTools(t *testing.T) {
	e, _, _ := newExecutor(t)
	ctx := context.Background()

	got, err := e.Execute(ctx, "weather", map[string]string{"location": "Paris"}, agent)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Weather in Paris: "))
	assert.Contains(t, got, "(sample data)")

	got, err = e.Execute(ctx, "search_web", map[string]string{"query": "golang"}, agent)
	require.NoError(t, err)
	assert.Len(t, strings.Split(got, "\n"), 4)

	_, err = e.Execute(ctx, "weather", nil, agent)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameters))
}

func TestSendNotification(t *testing.T) {
	e, _, n := newExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, "send_notification", map[string]string{"message": "build done"}, agent)
	require.NoError(t, err)
	_, err = e.Execute(ctx, "send_notification", map[string]string{"message": "disk full", "priority": "URGENT"}, agent)
	require.NoError(t, err)

	require.Len(t, n.sent, 2)
	assert.Equal(t, bus.TopicNotification, n.topics[0])
	assert.Equal(t, bus.PriorityMedium, n.sent[0].Priority)
	assert.Equal(t, bus.PriorityUrgent, n.sent[1].Priority)
	assert.Equal(t, "agent-1", n.sent[1].AgentID)
	assert.Equal(t, fixedNow, n.sent[1].CreatedAt)

	_, err = e.Execute(ctx, "send_notification", map[string]string{"message": "x", "priority": "critical"}, agent)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameters))
}
