package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/llm"
)

// maxHistory caps stored history; only the newest MaxHistoryWindow messages
// ever reach the provider.
const maxHistory = 1000

type envelopeKind int

const (
	envSend envelopeKind = iota
	envAssign
	envExec
	envHealth
)

type envelope struct {
	kind  envelopeKind
	text  string
	task  Task
	reply chan result
}

type result struct {
	text string
	task Task
	err  error
}

// actor owns one agent. Every field below snap is touched only by the run
// goroutine.
type actor struct {
	id           string
	name         string
	systemPrompt string
	pool         *Pool
	log          *slog.Logger

	inbox  chan envelope
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	snap   atomic.Pointer[Snapshot]

	status       Status
	history      []Message
	task         *Task
	lastTask     *Task
	createdAt    time.Time
	lastActivity time.Time
	lastHealth   time.Time
}

func newActor(p *Pool, id, name, systemPrompt string) *actor {
	ctx, cancel := context.WithCancel(context.Background())
	now := p.now().UTC()
	a := &actor{
		id:           id,
		name:         name,
		systemPrompt: systemPrompt,
		pool:         p,
		log:          p.log.With("agent_id", id, "agent", name),
		inbox:        make(chan envelope, p.inboxSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		status:       StatusIdle,
		createdAt:    now,
		lastActivity: now,
		lastHealth:   now,
	}
	a.publish()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("actor crashed", "panic", fmt.Sprint(r))
			a.cancel()
			a.pool.forget(a)
		}
		a.markStopped()
		a.releaseMemory()
	}()

	a.log.Debug("actor started")
	for {
		select {
		case env := <-a.inbox:
			a.handle(env)
		case <-a.ctx.Done():
			a.log.Debug("actor stopped")
			return
		}
	}
}

func (a *actor) handle(env envelope) {
	switch env.kind {
	case envSend:
		reply, err := a.handleSend(env.text)
		env.reply <- result{text: reply, err: err}
		if err == nil {
			a.autoStore(env.text, reply)
		}
	case envAssign:
		task := a.handleAssign(env.task)
		env.reply <- result{task: task}
	case envExec:
		a.handleExec(env.task)
	case envHealth:
		now := a.pool.now().UTC()
		a.lastHealth = now
		a.lastActivity = now
		a.publish()
	}
}

func (a *actor) handleSend(text string) (string, error) {
	now := a.pool.now().UTC()
	a.history = append(a.history, Message{Role: llm.RoleUser, Content: text, Timestamp: now})
	a.trimHistory()
	a.publish()

	reply, _, err := a.runToolLoop(a.ctx, window(a.history, a.pool.historyWindow), text)
	if err != nil {
		a.log.Warn("message failed", "error", err)
		return "", err
	}

	now = a.pool.now().UTC()
	a.history = append(a.history, Message{Role: llm.RoleAssistant, Content: reply, Timestamp: now})
	a.trimHistory()
	a.status = StatusActive
	a.lastActivity = now
	a.publish()
	a.broadcastState()
	return reply, nil
}

func (a *actor) handleAssign(task Task) Task {
	task.Status = TaskRunning
	a.task = &task
	a.status = StatusWorking
	a.lastActivity = a.pool.now().UTC()
	a.publish()
	a.broadcastState()
	a.pool.bus.Broadcast(bus.TopicAgentTask, a.id, bus.TaskEvent{
		AgentID:     a.id,
		TaskID:      task.ID,
		Description: task.Description,
		Status:      bus.TaskStarted,
		At:          a.lastActivity,
	})

	// queued behind anything already in the inbox; a goroutine keeps the
	// actor from blocking on its own full inbox
	go a.post(envelope{kind: envExec, task: task})
	return task
}

func (a *actor) handleExec(task Task) {
	messages := window(a.history, a.pool.historyWindow-1)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: task.Description})

	reply, _, err := a.runToolLoop(a.ctx, messages, task.Description)
	if a.ctx.Err() != nil {
		return
	}

	now := a.pool.now().UTC()
	a.lastActivity = now
	evt := bus.TaskEvent{AgentID: a.id, TaskID: task.ID, Description: task.Description, At: now}
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		a.status = StatusError
		if a.task != nil && a.task.ID == task.ID {
			a.task = &task
		}
		evt.Status = bus.TaskFailed
		evt.Error = task.Error
		a.log.Warn("task failed", "task_id", task.ID, "error", err)
	} else {
		task.Status = TaskCompleted
		task.Result = reply
		// a newer assignment keeps the agent working
		if a.task == nil || a.task.ID == task.ID {
			a.task = nil
			a.status = StatusIdle
		}
		evt.Status = bus.TaskCompleted
		evt.Result = reply
		a.log.Info("task completed", "task_id", task.ID)
	}
	a.lastTask = &task
	a.publish()
	a.broadcastState()
	a.pool.bus.Broadcast(bus.TopicAgentTask, a.id, evt)
}

func (a *actor) autoStore(user, reply string) {
	if a.pool.autoStore == nil {
		return
	}
	if _, err := a.pool.autoStore.Record(a.ctx, a.id, user, reply); err != nil {
		a.log.Warn("auto-store failed", "error", err)
	}
}

func (a *actor) trimHistory() {
	if len(a.history) > maxHistory {
		a.history = append([]Message(nil), a.history[len(a.history)-maxHistory:]...)
	}
}

// publish stores a fresh snapshot for lock-free readers.
func (a *actor) publish() {
	history := make([]Message, len(a.history))
	copy(history, a.history)
	s := &Snapshot{
		ID:              a.id,
		Name:            a.name,
		SystemPrompt:    a.systemPrompt,
		Status:          a.status,
		History:         history,
		CreatedAt:       a.createdAt,
		LastActivity:    a.lastActivity,
		LastHealthCheck: a.lastHealth,
	}
	if a.task != nil {
		t := *a.task
		s.CurrentTask = &t
	}
	if a.lastTask != nil {
		t := *a.lastTask
		s.LastTask = &t
	}
	a.snap.Store(s)
}

// markStopped runs on the actor goroutine after its last envelope, so the
// stopped broadcast is always the agent's final state change.
func (a *actor) markStopped() {
	prev := a.snap.Load()
	s := *prev
	s.Status = StatusStopped
	a.snap.Store(&s)
	a.pool.bus.Broadcast(bus.TopicAgentState, a.id, bus.StateChange{
		AgentID:      a.id,
		Name:         a.name,
		Status:       string(StatusStopped),
		LastActivity: a.pool.now().UTC(),
	})
}

func (a *actor) releaseMemory() {
	if a.pool.release == nil {
		return
	}
	if n := a.pool.release.ClearAgent(a.id); n > 0 {
		a.log.Debug("released ephemeral memory", "entries", n)
	}
}

func (a *actor) broadcastState() {
	if a.ctx.Err() != nil {
		return
	}
	a.pool.bus.Broadcast(bus.TopicAgentState, a.id, bus.StateChange{
		AgentID:      a.id,
		Name:         a.name,
		Status:       string(a.status),
		LastActivity: a.lastActivity,
	})
}

func (a *actor) snapshot() *Snapshot {
	return a.snap.Load()
}

func (a *actor) stop() {
	a.cancel()
}

// post delivers env unless the actor stops first.
func (a *actor) post(env envelope) bool {
	select {
	case a.inbox <- env:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *actor) stoppedError() error {
	return goerr.Wrap(errs.ErrNotFound, "agent stopped", goerr.V("agent_id", a.id))
}

// call posts env and waits for the actor's reply.
func (a *actor) call(ctx context.Context, env envelope) (result, error) {
	env.reply = make(chan result, 1)
	select {
	case a.inbox <- env:
	case <-ctx.Done():
		return result{}, goerr.Wrap(ctx.Err(), "deliver message", goerr.V("agent_id", a.id))
	case <-a.ctx.Done():
		return result{}, a.stoppedError()
	}

	select {
	case res := <-env.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, goerr.Wrap(ctx.Err(), "wait for reply", goerr.V("agent_id", a.id))
	case <-a.done:
		// the reply may have been sent just before the actor exited
		select {
		case res := <-env.reply:
			return res, nil
		default:
			return result{}, a.stoppedError()
		}
	}
}

func (a *actor) sendMessage(ctx context.Context, text string) (string, error) {
	res, err := a.call(ctx, envelope{kind: envSend, text: text})
	if err != nil {
		return "", err
	}
	return res.text, res.err
}

func (a *actor) assignTask(ctx context.Context, description string) (Task, error) {
	task := Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      TaskPending,
		AssignedAt:  a.pool.now().UTC(),
	}
	res, err := a.call(ctx, envelope{kind: envAssign, task: task})
	if err != nil {
		return Task{}, err
	}
	return res.task, nil
}

// healthTick is best effort: a busy actor with a full inbox skips a beat.
func (a *actor) healthTick() {
	select {
	case a.inbox <- envelope{kind: envHealth}:
	default:
	}
}
