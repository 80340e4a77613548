package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/memory"
)

func (e *Executor) calculate(_ context.Context, _ CallContext, params map[string]string) (string, error) {
	expr, err := requireParam(params, "expression")
	if err != nil {
		return "", err
	}
	v, err := Evaluate(expr)
	if err != nil {
		return "", err
	}
	return formatNumber(v), nil
}

// currentTime always answers in UTC; named zones are echoed but not applied.
func (e *Executor) currentTime(_ context.Context, _ CallContext, params map[string]string) (string, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tz := strings.TrimSpace(params["timezone"])
	if tz == "" || strings.EqualFold(tz, "utc") {
		return now + " (UTC)", nil
	}
	return fmt.Sprintf("%s (UTC; requested timezone %q is not supported, showing UTC)", now, tz), nil
}

func (e *Executor) storeMemory(_ context.Context, call CallContext, params map[string]string) (string, error) {
	if err := requireAgent(call); err != nil {
		return "", err
	}
	key, err := requireParam(params, "key")
	if err != nil {
		return "", err
	}
	value, ok := params["value"]
	if !ok {
		return "", goerr.Wrap(errs.ErrInvalidParameters, "missing required parameter", goerr.V("param", "value"))
	}
	if e.ephemeral == nil {
		return "", goerr.New("ephemeral memory is not configured")
	}
	if err := e.ephemeral.Store(call.AgentID, key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("Stored %q", key), nil
}

func (e *Executor) retrieveMemory(_ context.Context, call CallContext, params map[string]string) (string, error) {
	if err := requireAgent(call); err != nil {
		return "", err
	}
	key, err := requireParam(params, "key")
	if err != nil {
		return "", err
	}
	if e.ephemeral == nil {
		return "", goerr.New("ephemeral memory is not configured")
	}
	return e.ephemeral.Retrieve(call.AgentID, key)
}

func (e *Executor) searchMemory(_ context.Context, call CallContext, params map[string]string) (string, error) {
	if err := requireAgent(call); err != nil {
		return "", err
	}
	term, err := requireParam(params, "term")
	if err != nil {
		return "", err
	}
	if e.ephemeral == nil {
		return "", goerr.New("ephemeral memory is not configured")
	}
	entries := e.ephemeral.Search(call.AgentID, term)
	if len(entries) == 0 {
		return fmt.Sprintf("No memories match %q", term), nil
	}
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "%s: %s\n", entry.Key, entry.Value)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Executor) forgetMemory(_ context.Context, call CallContext, params map[string]string) (string, error) {
	if err := requireAgent(call); err != nil {
		return "", err
	}
	key, err := requireParam(params, "key")
	if err != nil {
		return "", err
	}
	if e.ephemeral == nil {
		return "", goerr.New("ephemeral memory is not configured")
	}
	if !e.ephemeral.Delete(call.AgentID, key) {
		return "", goerr.Wrap(errs.ErrNotFound, "memory key not found",
			goerr.V("agent_id", call.AgentID), goerr.V("key", key))
	}
	return fmt.Sprintf("Forgot %q", key), nil
}

func (e *Executor) storeKnowledge(ctx context.Context, call CallContext, params map[string]string) (string, error) {
	if err := requireAgent(call); err != nil {
		return "", err
	}
	content, err := requireParam(params, "content")
	if err != nil {
		return "", err
	}
	importance, err := floatParam(params, "importance", memory.DefaultImportance)
	if err != nil {
		return "", err
	}
	if e.persistent == nil {
		return "", goerr.New("persistent memory is not configured")
	}

	meta := map[string]string{"source": "tool"}
	if category := strings.TrimSpace(params["category"]); category != "" {
		meta["category"] = category
	}
	rec, err := e.persistent.Store(ctx, call.AgentID, content, meta, importance)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Stored knowledge %s (importance %.2f)", rec.ID, rec.Importance), nil
}

func (e *Executor) searchKnowledge(ctx context.Context, call CallContext, params map[string]string) (string, error) {
	if err := requireAgent(call); err != nil {
		return "", err
	}
	query, err := requireParam(params, "query")
	if err != nil {
		return "", err
	}
	limit, err := intParam(params, "limit", memory.DefaultSearchLimit)
	if err != nil {
		return "", err
	}
	if e.persistent == nil {
		return "", goerr.New("persistent memory is not configured")
	}

	results, err := e.persistent.SearchSemantic(ctx, call.AgentID, query, limit, e.persistent.Similarity())
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No knowledge matches %q", query), nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%.2f] %s\n", i+1, r.Similarity, r.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Executor) recallImportant(ctx context.Context, call CallContext, params map[string]string) (string, error) {
	if err := requireAgent(call); err != nil {
		return "", err
	}
	minImportance, err := floatParam(params, "min_importance", memory.DefaultMinRecall)
	if err != nil {
		return "", err
	}
	limit, err := intParam(params, "limit", memory.DefaultRecallLimit)
	if err != nil {
		return "", err
	}
	if e.persistent == nil {
		return "", goerr.New("persistent memory is not configured")
	}

	records, err := e.persistent.GetImportant(ctx, call.AgentID, minImportance, limit)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return fmt.Sprintf("No knowledge with importance >= %.2f", minImportance), nil
	}
	var b strings.Builder
	for i, r := range records {
		fmt.Fprintf(&b, "%d. [%.2f] %s\n", i+1, r.Importance, r.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Executor) generateID(_ context.Context, _ CallContext, params map[string]string) (string, error) {
	id := uuid.NewString()
	if prefix := strings.TrimSpace(params["prefix"]); prefix != "" {
		return prefix + "_" + id, nil
	}
	return id, nil
}

var conditions = []string{"sunny", "partly cloudy", "cloudy", "light rain", "windy"}

// weather returns sample data; it never calls a weather service.
func (e *Executor) weather(_ context.Context, _ CallContext, params map[string]string) (string, error) {
	location, err := requireParam(params, "location")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Weather in %s: %d°C, %s, humidity %d%% (sample data)",
		location, 5+rand.IntN(25), conditions[rand.IntN(len(conditions))], 30+rand.IntN(60)), nil
}

// searchWeb returns sample results; it never performs a real search.
func (e *Executor) searchWeb(_ context.Context, _ CallContext, params map[string]string) (string, error) {
	query, err := requireParam(params, "query")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q (sample data):\n", query)
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&b, "%d. %s, result %d - https://example.com/search/%d\n", i, query, i, i)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Executor) sendNotification(_ context.Context, call CallContext, params map[string]string) (string, error) {
	message, err := requireParam(params, "message")
	if err != nil {
		return "", err
	}
	priority := strings.ToLower(strings.TrimSpace(params["priority"]))
	if priority == "" {
		priority = bus.PriorityMedium
	}
	if !bus.ValidPriority(priority) {
		return "", goerr.Wrap(errs.ErrInvalidParameters, "unknown priority", goerr.V("priority", priority))
	}
	if e.notifier == nil {
		return "", goerr.New("notification bus is not configured")
	}

	n := bus.Notification{
		ID:        uuid.NewString(),
		AgentID:   call.AgentID,
		Message:   message,
		Priority:  priority,
		CreatedAt: e.now().UTC(),
	}
	if err := e.notifier.Publish(bus.TopicNotification, call.AgentID, n); err != nil {
		return "", err
	}
	return fmt.Sprintf("Notification %s sent with %s priority", n.ID, priority), nil
}
