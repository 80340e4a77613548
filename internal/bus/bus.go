// Package bus is the notification bus agents broadcast on. It is a thin
// topic layer over the agentsdk-go event bus: publishing never waits for
// subscribers, and slow subscribers lose events instead of stalling agents.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/core/events"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/logging"
)

type Topic = events.EventType

const (
	TopicAgentState   Topic = "agent.state"
	TopicAgentTask    Topic = "agent.task"
	TopicNotification Topic = "notification"
)

const defaultStreamSize = 32

type Options struct {
	BufferSize int
	QueueDepth int
	Logger     *slog.Logger
}

type Bus struct {
	events *events.Bus
	log    *slog.Logger

	mu      sync.Mutex
	dropped map[Topic]int
}

func New(opts Options) *Bus {
	var busOpts []events.BusOption
	if opts.BufferSize > 0 {
		busOpts = append(busOpts, events.WithBufferSize(opts.BufferSize))
	}
	if opts.QueueDepth > 0 {
		busOpts = append(busOpts, events.WithQueueDepth(opts.QueueDepth))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("bus")
	}
	return &Bus{
		events:  events.NewBus(busOpts...),
		log:     logger,
		dropped: make(map[Topic]int),
	}
}

// Publish hands payload to the dispatcher. sessionID is the agent id the
// event concerns; it may be empty for process-wide events.
func (b *Bus) Publish(topic Topic, sessionID string, payload any) error {
	if err := b.events.Publish(events.Event{
		Type:      topic,
		SessionID: sessionID,
		Payload:   payload,
	}); err != nil {
		return goerr.Wrap(err, "publish event", goerr.V("topic", string(topic)), goerr.V("agent_id", sessionID))
	}
	return nil
}

// Broadcast is Publish for callers that have nothing useful to do with a
// failure; it logs at debug level and moves on.
func (b *Bus) Broadcast(topic Topic, sessionID string, payload any) {
	if err := b.Publish(topic, sessionID, payload); err != nil {
		b.log.Debug("broadcast dropped", "topic", string(topic), "error", err)
	}
}

// Subscribe returns a stream of events for topic and a cancel func. The
// stream is closed after cancel returns.
func (b *Bus) Subscribe(topic Topic) (<-chan events.Event, func()) {
	return b.SubscribeBuffered(topic, defaultStreamSize)
}

func (b *Bus) SubscribeBuffered(topic Topic, size int) (<-chan events.Event, func()) {
	if size <= 0 {
		size = defaultStreamSize
	}
	stream := make(chan events.Event, size)
	var closeOnce sync.Once
	var mu sync.RWMutex
	closed := false

	unsubscribe := b.events.Subscribe(topic, func(_ context.Context, evt events.Event) {
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case stream <- evt:
		default:
			b.recordDrop(topic)
		}
	})

	cancel := func() {
		closeOnce.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(stream)
			mu.Unlock()
		})
	}
	return stream, cancel
}

// Dropped reports how many events were discarded for topic because a
// subscriber stream was full.
func (b *Bus) Dropped(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[topic]
}

func (b *Bus) recordDrop(topic Topic) {
	b.mu.Lock()
	b.dropped[topic]++
	b.mu.Unlock()
}

func (b *Bus) Close() {
	b.events.Close()
}
