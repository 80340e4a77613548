package bus_test

import (
	"testing"
	"time"

	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New(bus.Options{})
	defer b.Close()

	stream, cancel := b.Subscribe(bus.TopicNotification)
	defer cancel()

	require.NoError(t, b.Publish(bus.TopicNotification, "agent-1", bus.Notification{
		ID:       "n-1",
		AgentID:  "agent-1",
		Message:  "hello",
		Priority: bus.PriorityHigh,
	}))

	select {
	case evt := <-stream:
		assert.Equal(t, bus.TopicNotification, evt.Type)
		assert.Equal(t, "agent-1", evt.SessionID)
		n, ok := evt.Payload.(bus.Notification)
		require.True(t, ok)
		assert.Equal(t, "hello", n.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := bus.New(bus.Options{})
	defer b.Close()

	states, cancelStates := b.Subscribe(bus.TopicAgentState)
	defer cancelStates()
	tasks, cancelTasks := b.Subscribe(bus.TopicAgentTask)
	defer cancelTasks()

	b.Broadcast(bus.TopicAgentTask, "a", bus.TaskEvent{AgentID: "a", Status: bus.TaskCompleted})

	select {
	case evt := <-tasks:
		assert.Equal(t, bus.TopicAgentTask, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task event")
	}

	select {
	case evt := <-states:
		t.Fatalf("unexpected state event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := bus.New(bus.Options{QueueDepth: 4})
	defer b.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(bus.TopicAgentState, "a", bus.StateChange{AgentID: "a"}))
	}
}

func TestCancelClosesStream(t *testing.T) {
	b := bus.New(bus.Options{})
	defer b.Close()

	stream, cancel := b.Subscribe(bus.TopicAgentState)
	cancel()
	cancel()

	_, open := <-stream
	assert.False(t, open)
	b.Broadcast(bus.TopicAgentState, "a", bus.StateChange{AgentID: "a"})
}

func TestPublishAfterClose(t *testing.T) {
	b := bus.New(bus.Options{})
	b.Close()

	err := b.Publish(bus.TopicNotification, "a", bus.Notification{})
	assert.Error(t, err)
}

func TestValidPriority(t *testing.T) {
	assert.True(t, bus.ValidPriority("medium"))
	assert.True(t, bus.ValidPriority("urgent"))
	assert.False(t, bus.ValidPriority("critical"))
	assert.False(t, bus.ValidPriority(""))
}
