package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/llm"
	"github.com/stellarlinkco/clawpool/internal/tools"
)

// MaxHistoryWindow bounds how many messages are sent to the provider.
const MaxHistoryWindow = 10

// ToolOutcome is the result of one executed tool call.
type ToolOutcome struct {
	Tool    string
	Success bool
	Result  string
	Error   string
}

// window returns the newest n messages in arrival order, never more than
// MaxHistoryWindow.
func window(history []Message, n int) []llm.Message {
	if n > MaxHistoryWindow {
		n = MaxHistoryWindow
	}
	if n <= 0 {
		return []llm.Message{}
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// runToolLoop asks the provider for a reply, executes any tool markers in
// it once, and asks again with the outcomes. Markers in the second reply
// are returned as text.
func (a *actor) runToolLoop(ctx context.Context, messages []llm.Message, userText string) (string, []ToolOutcome, error) {
	opts := llm.Options{
		System:      a.systemPrompt,
		Tools:       a.pool.tools.Catalogue(),
		MemoryHints: a.memoryHints(ctx, userText),
	}

	reply, err := a.pool.provider.Complete(ctx, messages, opts)
	if err != nil {
		return "", nil, err
	}

	calls := ParseToolCalls(reply)
	if len(calls) == 0 {
		return reply, nil, nil
	}

	outcomes := make([]ToolOutcome, 0, len(calls))
	for _, call := range calls {
		result, err := a.pool.tools.Execute(ctx, call.Name, call.Params, tools.CallContext{AgentID: a.id})
		if err != nil {
			outcomes = append(outcomes, ToolOutcome{Tool: call.Name, Error: fmt.Sprintf("%s: %v", errs.Kind(err), err)})
			continue
		}
		outcomes = append(outcomes, ToolOutcome{Tool: call.Name, Success: true, Result: result})
	}
	a.log.Debug("tools executed", "calls", len(calls))

	followUp := []llm.Message{{Role: llm.RoleUser, Content: FollowUpPrompt(userText, outcomes)}}
	final, err := a.pool.provider.Complete(ctx, followUp, opts)
	if err != nil {
		return "", outcomes, err
	}
	return final, outcomes, nil
}

// FollowUpPrompt is the second prompt of the loop: the user request and
// every tool outcome in call order.
func FollowUpPrompt(userText string, outcomes []ToolOutcome) string {
	var b strings.Builder
	b.WriteString(userText)
	b.WriteString("\n\nTool results:\n")
	for _, o := range outcomes {
		if o.Success {
			fmt.Fprintf(&b, "- %s succeeded: %s\n", o.Tool, o.Result)
		} else {
			fmt.Fprintf(&b, "- %s failed: %s\n", o.Tool, o.Error)
		}
	}
	b.WriteString("\nUse these results to answer the request above. Do not call any more tools.")
	return b.String()
}

func (a *actor) memoryHints(ctx context.Context, query string) []string {
	recall := a.pool.recall
	if recall == nil || a.pool.recallLimit <= 0 {
		return nil
	}
	results, err := recall.SearchSemantic(ctx, a.id, query, a.pool.recallLimit, recall.Similarity())
	if err != nil {
		a.log.Warn("memory recall failed", "error", err)
		return nil
	}
	hints := make([]string, 0, len(results))
	for _, r := range results {
		hints = append(hints, r.Content)
	}
	return hints
}
