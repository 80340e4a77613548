package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/llm"
	"github.com/stellarlinkco/clawpool/internal/logging"
	"github.com/stellarlinkco/clawpool/internal/memory"
	"github.com/stellarlinkco/clawpool/internal/registry"
	"github.com/stellarlinkco/clawpool/internal/tools"
)

const (
	DefaultMaxAgents = 256
	DefaultInboxSize = 100
)

type ToolRunner interface {
	Execute(ctx context.Context, name string, params map[string]string, call tools.CallContext) (string, error)
	Catalogue() []llm.ToolSpec
}

// Recaller supplies memory hints before the first completion.
type Recaller interface {
	SearchSemantic(ctx context.Context, agentID, query string, limit int, threshold float64) ([]memory.ScoredRecord, error)
	Similarity() float64
}

// Recorder stores finished conversation turns.
type Recorder interface {
	Record(ctx context.Context, agentID, user, reply string) (bool, error)
}

// Cleaner prunes an agent's persistent memory.
type Cleaner interface {
	Cleanup(ctx context.Context, agentID string, keepRecent int, keepAbove float64) (int, error)
}

// Releaser drops the short-lived memory of an agent that has stopped.
type Releaser interface {
	ClearAgent(agentID string) int
}

type Broadcaster interface {
	Broadcast(topic bus.Topic, sessionID string, payload any)
}

type Options struct {
	Provider llm.Provider
	Tools    ToolRunner
	Bus      Broadcaster

	// Optional memory collaborators.
	Recall    Recaller
	AutoStore Recorder
	Cleaner   Cleaner
	Release   Releaser

	SystemPrompt  string
	HistoryWindow int
	RecallLimit   int
	MaxAgents     int
	InboxSize     int

	Logger *slog.Logger
	Now    func() time.Time
}

// Pool supervises agents: it spawns actors, tracks them in a registry and
// aggregates their snapshots.
type Pool struct {
	provider  llm.Provider
	tools     ToolRunner
	bus       Broadcaster
	recall    Recaller
	autoStore Recorder
	cleaner   Cleaner
	release   Releaser

	systemPrompt  string
	historyWindow int
	recallLimit   int
	maxAgents     int
	inboxSize     int
	log           *slog.Logger
	now           func() time.Time

	agents *registry.Registry[*actor]

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(bus.Topic, string, any) {}

func NewPool(opts Options) (*Pool, error) {
	if opts.Provider == nil {
		return nil, goerr.New("agent pool needs an llm provider")
	}
	if opts.Tools == nil {
		return nil, goerr.New("agent pool needs a tool runner")
	}
	p := &Pool{
		provider:      opts.Provider,
		tools:         opts.Tools,
		bus:           opts.Bus,
		recall:        opts.Recall,
		autoStore:     opts.AutoStore,
		cleaner:       opts.Cleaner,
		release:       opts.Release,
		systemPrompt:  opts.SystemPrompt,
		historyWindow: opts.HistoryWindow,
		recallLimit:   opts.RecallLimit,
		maxAgents:     opts.MaxAgents,
		inboxSize:     opts.InboxSize,
		log:           opts.Logger,
		now:           opts.Now,
		agents:        registry.New[*actor](),
	}
	if p.bus == nil {
		p.bus = nopBroadcaster{}
	}
	if p.historyWindow <= 0 || p.historyWindow > MaxHistoryWindow {
		p.historyWindow = MaxHistoryWindow
	}
	if p.maxAgents <= 0 {
		p.maxAgents = DefaultMaxAgents
	}
	if p.inboxSize <= 0 {
		p.inboxSize = DefaultInboxSize
	}
	if p.log == nil {
		p.log = logging.Component("pool")
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// CreateAgent spawns an idle agent and returns its id. An empty system
// prompt falls back to the pool default.
func (p *Pool) CreateAgent(name, systemPrompt string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", goerr.Wrap(errs.ErrValidation, "agent name is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = p.systemPrompt
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", goerr.Wrap(errs.ErrSpawnFailed, "pool is shut down", goerr.V("name", name))
	}
	if p.agents.Len() >= p.maxAgents {
		return "", goerr.Wrap(errs.ErrSpawnFailed, "agent limit reached",
			goerr.V("name", name), goerr.V("max_agents", p.maxAgents))
	}

	id := uuid.NewString()
	a := newActor(p, id, name, systemPrompt)
	if err := p.agents.Register(id, a); err != nil {
		a.cancel()
		return "", goerr.Wrap(errors.Join(errs.ErrSpawnFailed, err), "register agent", goerr.V("agent_id", id))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		a.run()
	}()

	p.log.Info("agent created", "agent_id", id, "name", name)
	a.broadcastState()
	return id, nil
}

func (p *Pool) lookup(id string) (*actor, error) {
	return p.agents.Lookup(id)
}

// StopAgent terminates the agent immediately. An in-flight task is
// abandoned. The stopped state is broadcast by the actor as it exits, after
// anything it was still doing.
func (p *Pool) StopAgent(id string) error {
	a, err := p.lookup(id)
	if err != nil {
		return err
	}
	a.stop()
	p.agents.Unregister(id)
	p.log.Info("agent stopped", "agent_id", id)
	return nil
}

// forget drops a crashed actor from the registry.
func (p *Pool) forget(a *actor) {
	if cur, err := p.agents.Lookup(a.id); err == nil && cur == a {
		p.agents.Unregister(a.id)
	}
}

// ListAgents summarizes every live agent, ordered by creation time. Agents
// that are mid-shutdown are skipped.
func (p *Pool) ListAgents() []Summary {
	handles := p.agents.Handles()
	out := make([]Summary, 0, len(handles))
	for _, a := range handles {
		snap := a.snapshot()
		if snap == nil || snap.Status == StatusStopped {
			continue
		}
		out = append(out, snap.Summary())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Pool) GetStats() Stats {
	var s Stats
	for _, sum := range p.ListAgents() {
		s.Total++
		switch sum.Status {
		case StatusActive:
			s.Active++
		case StatusIdle:
			s.Idle++
		case StatusWorking:
			s.Working++
		case StatusError:
			s.Error++
		}
	}
	return s
}

func (p *Pool) GetState(id string) (*Snapshot, error) {
	a, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	snap := a.snapshot()
	if snap.Status == StatusStopped {
		return nil, a.stoppedError()
	}
	return snap.clone(), nil
}

// SendMessage delivers text to the agent and waits for its reply. Messages
// to one agent are handled one at a time in arrival order.
func (p *Pool) SendMessage(ctx context.Context, id, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", goerr.Wrap(errs.ErrValidation, "message is empty", goerr.V("agent_id", id))
	}
	a, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	return a.sendMessage(ctx, text)
}

// AssignTask records a task and returns once the agent has switched to
// working. Execution happens later on the agent's own goroutine.
func (p *Pool) AssignTask(ctx context.Context, id, description string) (Task, error) {
	if strings.TrimSpace(description) == "" {
		return Task{}, goerr.Wrap(errs.ErrValidation, "task description is empty", goerr.V("agent_id", id))
	}
	a, err := p.lookup(id)
	if err != nil {
		return Task{}, err
	}
	return a.assignTask(ctx, description)
}

// HealthTick asks every agent to refresh its health bookkeeping.
func (p *Pool) HealthTick() {
	for _, a := range p.agents.Handles() {
		a.healthTick()
	}
}

// CleanupAll prunes persistent memory for every live agent and returns the
// total number of deleted records.
func (p *Pool) CleanupAll(ctx context.Context, keepRecent int, keepAbove float64) (int, error) {
	if p.cleaner == nil {
		return 0, nil
	}
	var (
		total   int
		errList []error
	)
	for _, id := range p.agents.IDs() {
		n, err := p.cleaner.Cleanup(ctx, id, keepRecent, keepAbove)
		total += n
		if err != nil {
			errList = append(errList, goerr.Wrap(err, "cleanup agent memory", goerr.V("agent_id", id)))
		}
	}
	return total, errors.Join(errList...)
}

// Shutdown stops every agent and waits for their goroutines, or for ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for _, a := range p.agents.Handles() {
		a.stop()
		p.agents.Unregister(a.id)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("agent pool stopped")
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "wait for agents")
	}
}
