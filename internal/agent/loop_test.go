package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFollowUpPrompt(t *testing.T) {
	got := FollowUpPrompt("what is 2+2?", []ToolOutcome{
		{Tool: "calculate", Success: true, Result: "4"},
		{Tool: "teleport", Error: "unknown_tool: unknown tool"},
	})
	want := "what is 2+2?\n\nTool results:\n" +
		"- calculate succeeded: 4\n" +
		"- teleport failed: unknown_tool: unknown tool\n" +
		"\nUse these results to answer the request above. Do not call any more tools."
	assert.Equal(t, want, got)
}

func TestWindow(t *testing.T) {
	var history []Message
	for i := 0; i < 25; i++ {
		history = append(history, Message{Role: "user", Content: string(rune('a' + i))})
	}

	w := window(history, 10)
	assert.Len(t, w, 10)
	assert.Equal(t, "p", w[0].Content)
	assert.Equal(t, "y", w[9].Content)

	assert.Len(t, window(history, 50), MaxHistoryWindow)
	assert.Len(t, window(history, 3), 3)
	assert.Empty(t, window(history, 0))
	assert.Len(t, window(history[:2], 10), 2)
}
