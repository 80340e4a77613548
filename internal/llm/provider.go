// Package llm adapts completion backends to the single call agents need.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/config"
	"github.com/stellarlinkco/clawpool/internal/errs"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// ToolSpec is the prompt-facing description of one tool.
type ToolSpec struct {
	Name        string
	Signature   string
	Description string
}

type Options struct {
	System      string
	Tools       []ToolSpec
	MemoryHints []string
}

type Provider interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// ModelProvider calls an agentsdk-go model. Tools are described in the
// system prompt rather than sent as native tool definitions, so the model
// answers with inline call markers.
type ModelProvider struct {
	source      model.Provider
	modelName   string
	maxTokens   int
	temperature *float64
	timeout     time.Duration
}

func NewModelProvider(source model.Provider, modelName string, maxTokens int, temperature *float64, timeout time.Duration) *ModelProvider {
	return &ModelProvider{
		source:      source,
		modelName:   modelName,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
	}
}

// New builds the provider selected by cfg.Provider.Type.
func New(cfg *config.Config) (Provider, error) {
	temp := cfg.Agent.Temperature
	timeout := cfg.Agent.LLMTimeoutDuration()

	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case config.ProviderStub:
		return NewStub(), nil
	case config.ProviderOpenAI:
		if cfg.Provider.APIKey == "" {
			return nil, goerr.New("openai api key not set")
		}
		return NewModelProvider(&model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}, cfg.Agent.Model, cfg.Agent.MaxTokens, &temp, timeout), nil
	case "", config.ProviderAnthropic:
		if cfg.Provider.APIKey == "" {
			return nil, goerr.New("API key not set. Run 'clawpool onboard' or set CLAWPOOL_API_KEY / ANTHROPIC_API_KEY")
		}
		return NewModelProvider(&model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}, cfg.Agent.Model, cfg.Agent.MaxTokens, &temp, timeout), nil
	default:
		return nil, goerr.New("unsupported provider type", goerr.V("type", cfg.Provider.Type))
	}
}

func (p *ModelProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	m, err := p.source.Model(ctx)
	if err != nil {
		return "", providerError(err, "resolve model")
	}

	req := model.Request{
		Messages:    toModelMessages(messages),
		System:      RenderSystem(opts),
		Model:       p.modelName,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return "", providerError(err, "complete")
	}
	if resp == nil {
		return "", providerError(errors.New("empty response"), "complete")
	}
	return resp.Message.Content, nil
}

func toModelMessages(messages []Message) []model.Message {
	out := make([]model.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, model.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// providerError tags err as ErrProvider while keeping it matchable.
func providerError(err error, msg string) error {
	return goerr.Wrap(errors.Join(errs.ErrProvider, err), msg)
}

// RenderSystem folds the tool catalogue and memory hints into the system
// prompt.
func RenderSystem(opts Options) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(opts.System))

	if len(opts.Tools) > 0 {
		sb.WriteString("\n\n# Tools\n")
		sb.WriteString("To use a tool, write a call in the form name(key=value, key=value) in your reply.\n")
		for _, tool := range opts.Tools {
			fmt.Fprintf(&sb, "- %s: %s\n", tool.Signature, tool.Description)
		}
	}

	if len(opts.MemoryHints) > 0 {
		sb.WriteString("\n# Relevant memories\n")
		for _, hint := range opts.MemoryHints {
			fmt.Fprintf(&sb, "- %s\n", hint)
		}
	}

	return strings.TrimSpace(sb.String())
}
