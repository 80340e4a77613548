// Package tools is the static table of tools agents can call from their
// replies. Every handler takes string parameters and returns text.
package tools

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/llm"
	"github.com/stellarlinkco/clawpool/internal/logging"
	"github.com/stellarlinkco/clawpool/internal/memory"
)

// CallContext identifies who is calling a tool.
type CallContext struct {
	AgentID string
}

type Handler func(ctx context.Context, call CallContext, params map[string]string) (string, error)

type Tool struct {
	Name        string
	Signature   string
	Description string
	Handler     Handler
}

type EphemeralMemory interface {
	Store(agentID, key, value string) error
	Retrieve(agentID, key string) (string, error)
	Search(agentID, term string) []memory.Entry
	Delete(agentID, key string) bool
}

type PersistentMemory interface {
	Store(ctx context.Context, agentID, content string, metadata map[string]string, importance float64) (*memory.Record, error)
	SearchSemantic(ctx context.Context, agentID, query string, limit int, threshold float64) ([]memory.ScoredRecord, error)
	GetImportant(ctx context.Context, agentID string, minImportance float64, limit int) ([]memory.Record, error)
	Similarity() float64
}

type Notifier interface {
	Publish(topic bus.Topic, sessionID string, payload any) error
}

type Options struct {
	Ephemeral  EphemeralMemory
	Persistent PersistentMemory
	Notifier   Notifier
	Now        func() time.Time
	Logger     *slog.Logger
}

type Executor struct {
	ephemeral  EphemeralMemory
	persistent PersistentMemory
	notifier   Notifier
	now        func() time.Time
	logger     *slog.Logger

	tools map[string]Tool
	order []string
}

func New(opts Options) *Executor {
	e := &Executor{
		ephemeral:  opts.Ephemeral,
		persistent: opts.Persistent,
		notifier:   opts.Notifier,
		now:        opts.Now,
		logger:     opts.Logger,
		tools:      make(map[string]Tool),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = logging.Component("tools")
	}

	for _, t := range []Tool{
		{"calculate", "calculate(expression)", "Evaluate an arithmetic expression with + - * / // ** and parentheses.", e.calculate},
		{"get_current_time", "get_current_time(timezone?)", "Current date and time. Only UTC is supported.", e.currentTime},
		{"store_memory", "store_memory(key, value)", "Remember a short fact under a key for this conversation.", e.storeMemory},
		{"retrieve_memory", "retrieve_memory(key)", "Read back a fact stored with store_memory.", e.retrieveMemory},
		{"search_memory", "search_memory(term)", "Find stored facts whose key or value contains term.", e.searchMemory},
		{"forget_memory", "forget_memory(key)", "Drop a fact stored with store_memory.", e.forgetMemory},
		{"store_knowledge", "store_knowledge(content, importance?=0.7, category?)", "Save long-term knowledge with an importance between 0 and 1.", e.storeKnowledge},
		{"search_knowledge", "search_knowledge(query, limit?=5)", "Semantic search over long-term knowledge.", e.searchKnowledge},
		{"recall_important_knowledge", "recall_important_knowledge(min_importance?=0.8, limit?=10)", "List the most important long-term knowledge.", e.recallImportant},
		{"generate_id", "generate_id(prefix?)", "Generate a unique identifier.", e.generateID},
		{"weather", "weather(location)", "Current weather for a location (sample data).", e.weather},
		{"search_web", "search_web(query)", "Search the web (sample data).", e.searchWeb},
		{"send_notification", "send_notification(message, priority?=medium)", "Send a notification with priority low, medium, high or urgent.", e.sendNotification},
	} {
		e.tools[t.Name] = t
		e.order = append(e.order, t.Name)
	}
	return e
}

// Execute runs the named tool. Unknown names fail with ErrUnknownTool.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]string, call CallContext) (string, error) {
	t, ok := e.tools[name]
	if !ok {
		return "", goerr.Wrap(errs.ErrUnknownTool, "unknown tool", goerr.V("name", name))
	}
	if params == nil {
		params = map[string]string{}
	}

	result, err := t.Handler(ctx, call, params)
	if err != nil {
		e.logger.Debug("tool failed", "tool", name, "agent_id", call.AgentID, "kind", errs.Kind(err), "error", err)
		return "", err
	}
	e.logger.Debug("tool executed", "tool", name, "agent_id", call.AgentID)
	return result, nil
}

func (e *Executor) Names() []string {
	names := make([]string, len(e.order))
	copy(names, e.order)
	sort.Strings(names)
	return names
}

// Catalogue describes every tool for the system prompt, in registration
// order.
func (e *Executor) Catalogue() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(e.order))
	for _, name := range e.order {
		t := e.tools[name]
		specs = append(specs, llm.ToolSpec{Name: t.Name, Signature: t.Signature, Description: t.Description})
	}
	return specs
}

func requireParam(params map[string]string, key string) (string, error) {
	v := strings.TrimSpace(params[key])
	if v == "" {
		return "", goerr.Wrap(errs.ErrInvalidParameters, "missing required parameter", goerr.V("param", key))
	}
	return v, nil
}

func floatParam(params map[string]string, key string, def float64) (float64, error) {
	raw := strings.TrimSpace(params[key])
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, goerr.Wrap(errs.ErrInvalidParameters, "parameter is not a number", goerr.V("param", key), goerr.V("value", raw))
	}
	return v, nil
}

func intParam(params map[string]string, key string, def int) (int, error) {
	raw := strings.TrimSpace(params[key])
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, goerr.Wrap(errs.ErrInvalidParameters, "parameter must be a positive integer", goerr.V("param", key), goerr.V("value", raw))
	}
	return v, nil
}

func requireAgent(call CallContext) error {
	if call.AgentID == "" {
		return goerr.Wrap(errs.ErrNoAgentContext, "tool needs an agent id")
	}
	return nil
}
