// Package gateway assembles the agent pool and its collaborators from
// configuration and runs them as one long-lived process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/core/events"
	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/clawpool/internal/agent"
	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stellarlinkco/clawpool/internal/channel"
	"github.com/stellarlinkco/clawpool/internal/config"
	"github.com/stellarlinkco/clawpool/internal/cron"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/llm"
	"github.com/stellarlinkco/clawpool/internal/logging"
	"github.com/stellarlinkco/clawpool/internal/memory"
	"github.com/stellarlinkco/clawpool/internal/profiles"
	"github.com/stellarlinkco/clawpool/internal/tools"
)

const (
	JobSweep   = "ephemeral-sweep"
	JobHealth  = "agent-health"
	JobCleanup = "memory-cleanup"

	shutdownTimeout = 10 * time.Second
	eventStreamSize = 128
)

// ProviderFactory creates the completion provider.
type ProviderFactory func(cfg *config.Config) (llm.Provider, error)

// StoreFactory creates the persistent memory backend.
type StoreFactory func(ctx context.Context, cfg *config.Config) (memory.Store, error)

// EmbedderFactory creates the embedding provider.
type EmbedderFactory func(ctx context.Context, cfg *config.Config) (memory.Embedder, error)

// Options for creating a Gateway. Nil factories fall back to the
// config-driven defaults.
type Options struct {
	ProviderFactory ProviderFactory
	StoreFactory    StoreFactory
	EmbedderFactory EmbedderFactory
	SignalChan      chan os.Signal // for testing signal handling
	Logger          *slog.Logger
	Now             func() time.Time
}

type Gateway struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.Bus
	embedder   memory.Embedder
	ephemeral  *memory.Ephemeral
	persistent *memory.Persistent
	tools      *tools.Executor
	provider   llm.Provider
	pool       *agent.Pool
	cron       *cron.Service
	channel    *channel.WebSocketChannel
	profiles   []profiles.Profile
	signalChan chan os.Signal

	mu       sync.Mutex
	started  []string
	unsubs   []func()
	wg       sync.WaitGroup
	shutdown sync.Once
	err      error
}

// New creates a Gateway with default options.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("gateway")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Gateway{cfg: cfg, log: logger, signalChan: opts.SignalChan}

	loaded, err := profiles.Load(cfg.Profiles.ResolveDir(), opts.Logger)
	if err != nil {
		return nil, goerr.Wrap(err, "load agent profiles")
	}
	g.profiles = loaded

	embedderFactory := opts.EmbedderFactory
	if embedderFactory == nil {
		embedderFactory = memory.NewEmbedder
	}
	g.embedder, err = embedderFactory(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "create embedder", goerr.V("provider", cfg.Embedding.Provider))
	}

	storeFactory := opts.StoreFactory
	if storeFactory == nil {
		storeFactory = NewStore
	}
	store, err := storeFactory(ctx, cfg)
	if err != nil {
		g.closeEmbedder()
		return nil, goerr.Wrap(err, "create memory store", goerr.V("backend", cfg.Memory.Backend))
	}

	providerFactory := opts.ProviderFactory
	if providerFactory == nil {
		providerFactory = llm.New
	}
	g.provider, err = providerFactory(cfg)
	if err != nil {
		_ = store.Close()
		g.closeEmbedder()
		return nil, goerr.Wrap(err, "create llm provider", goerr.V("type", cfg.Provider.Type))
	}

	g.bus = bus.New(bus.Options{
		BufferSize: cfg.Bus.BufferSize,
		QueueDepth: cfg.Bus.QueueDepth,
	})

	g.ephemeral = memory.NewEphemeral(
		memory.WithMaxAge(cfg.Memory.EphemeralMaxAgeDuration()),
		memory.WithClock(now),
	)
	g.persistent = memory.NewPersistent(store, g.embedder, memory.PersistentOptions{
		Similarity:   cfg.Memory.Similarity,
		EmbedTimeout: cfg.Embedding.TimeoutDuration(),
		Now:          now,
	})
	g.tools = tools.New(tools.Options{
		Ephemeral:  g.ephemeral,
		Persistent: g.persistent,
		Notifier:   g.bus,
		Now:        now,
	})

	poolOpts := agent.Options{
		Provider:      g.provider,
		Tools:         g.tools,
		Bus:           g.bus,
		Recall:        g.persistent,
		Cleaner:       g.persistent,
		Release:       g.ephemeral,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		HistoryWindow: cfg.Agent.HistoryWindow,
		RecallLimit:   cfg.Agent.RecallLimit,
		MaxAgents:     cfg.Agent.MaxAgents,
		InboxSize:     cfg.Agent.InboxSize,
		Now:           now,
	}
	if cfg.Agent.AutoStore {
		poolOpts.AutoStore = memory.NewAutoStore(g.persistent, g.ephemeral)
	}
	g.pool, err = agent.NewPool(poolOpts)
	if err != nil {
		g.bus.Close()
		_ = g.persistent.Close()
		g.closeEmbedder()
		return nil, goerr.Wrap(err, "create agent pool")
	}

	g.cron = cron.NewService(cron.Options{Now: now})
	if err := g.registerJobs(); err != nil {
		_ = g.pool.Shutdown(ctx)
		g.bus.Close()
		_ = g.persistent.Close()
		g.closeEmbedder()
		return nil, err
	}

	if cfg.Gateway.Enabled {
		g.channel = channel.NewWebSocketChannel(cfg.Gateway.Addr(), g.pool, g.bus, nil)
	}
	return g, nil
}

// NewStore builds the persistent backend named by cfg.Memory.Backend.
func NewStore(ctx context.Context, cfg *config.Config) (memory.Store, error) {
	switch backend := strings.ToLower(strings.TrimSpace(cfg.Memory.Backend)); backend {
	case "", config.BackendSQLite:
		return memory.NewSQLiteStore(cfg.Memory.ResolveDBPath())
	case config.BackendChromem:
		return memory.NewChromemStore(), nil
	case config.BackendFirestore:
		fs := cfg.Memory.Firestore
		return memory.NewFirestoreStore(ctx, fs.ProjectID, fs.DatabaseID, fs.Collection)
	default:
		return nil, goerr.New("unsupported memory backend", goerr.V("backend", cfg.Memory.Backend))
	}
}

func (g *Gateway) registerJobs() error {
	mc := g.cfg.Memory
	if err := g.cron.AddFunc(JobSweep, mc.SweepSchedule, func(context.Context) (string, error) {
		return fmt.Sprintf("swept %d expired entries", g.ephemeral.Sweep()), nil
	}); err != nil {
		return goerr.Wrap(err, "register sweep job")
	}
	if err := g.cron.AddFunc(JobHealth, mc.HealthSchedule, func(context.Context) (string, error) {
		g.pool.HealthTick()
		return fmt.Sprintf("checked %d agents", g.pool.GetStats().Total), nil
	}); err != nil {
		return goerr.Wrap(err, "register health job")
	}
	if strings.TrimSpace(mc.CleanupSchedule) == "" {
		return nil
	}
	if err := g.cron.AddFunc(JobCleanup, mc.CleanupSchedule, func(ctx context.Context) (string, error) {
		n, err := g.pool.CleanupAll(ctx, mc.KeepRecent, mc.KeepImportant)
		return fmt.Sprintf("deleted %d memories", n), err
	}); err != nil {
		return goerr.Wrap(err, "register cleanup job")
	}
	return nil
}

func (g *Gateway) Config() *config.Config { return g.cfg }
func (g *Gateway) Pool() *agent.Pool { return g.pool }
func (g *Gateway) Bus() *bus.Bus { return g.bus }
func (g *Gateway) Cron() *cron.Service { return g.cron }
func (g *Gateway) Ephemeral() *memory.Ephemeral { return g.ephemeral }
func (g *Gateway) Persistent() *memory.Persistent { return g.persistent }
func (g *Gateway) Tools() *tools.Executor { return g.tools }
func (g *Gateway) Profiles() []profiles.Profile { return g.profiles }

// Channel is nil unless the WebSocket surface is enabled.
func (g *Gateway) Channel() *channel.WebSocketChannel { return g.channel }

// SpawnProfile creates an agent from a loaded profile.
func (g *Gateway) SpawnProfile(name string) (string, error) {
	p, ok := profiles.Find(g.profiles, name)
	if !ok {
		return "", goerr.Wrap(errs.ErrNotFound, "unknown profile", goerr.V("profile", name))
	}
	return g.pool.CreateAgent(p.Name, p.SystemPrompt)
}

// Start launches background work: event logging, cron jobs, autostart
// profiles and the WebSocket surface. It returns once everything is running.
func (g *Gateway) Start(ctx context.Context) error {
	g.watchEvents(ctx)

	if err := g.cron.Start(ctx); err != nil {
		return goerr.Wrap(err, "start cron")
	}

	for _, p := range g.profiles {
		if !p.Autostart {
			continue
		}
		id, err := g.pool.CreateAgent(p.Name, p.SystemPrompt)
		if err != nil {
			g.log.Warn("autostart profile failed", "profile", p.Name, "error", err)
			continue
		}
		g.mu.Lock()
		g.started = append(g.started, id)
		g.mu.Unlock()
		g.log.Info("profile agent started", "profile", p.Name, "agent_id", id)
	}

	if g.channel != nil {
		if err := g.channel.Start(ctx); err != nil {
			return goerr.Wrap(err, "start websocket channel")
		}
	}

	g.log.Info("gateway started",
		"provider", g.cfg.Provider.Type,
		"memory_backend", g.cfg.Memory.Backend,
		"profiles", len(g.profiles),
		"jobs", len(g.cron.ListJobs()))
	return nil
}

// Autostarted returns the ids of agents spawned from autostart profiles.
func (g *Gateway) Autostarted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

// Run starts the gateway and blocks until a signal arrives or ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		g.log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		g.log.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	return g.Shutdown(shutdownCtx)
}

// Shutdown stops the WebSocket surface, cron, agents, the bus and finally
// the store. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdown.Do(func() {
		var errList []error
		if g.channel != nil {
			if err := g.channel.Stop(); err != nil {
				errList = append(errList, err)
			}
		}
		g.cron.Stop()
		if err := g.pool.Shutdown(ctx); err != nil {
			errList = append(errList, err)
		}

		g.mu.Lock()
		unsubs := g.unsubs
		g.unsubs = nil
		g.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		g.wg.Wait()
		g.bus.Close()

		if err := g.persistent.Close(); err != nil {
			errList = append(errList, goerr.Wrap(err, "close memory store"))
		}
		g.closeEmbedder()
		g.err = errors.Join(errList...)
		g.log.Info("gateway stopped")
	})
	return g.err
}

func (g *Gateway) closeEmbedder() {
	if c, ok := g.embedder.(interface{ Close() }); ok {
		c.Close()
	}
}

// watchEvents logs notifications and task lifecycle events until ctx ends
// or the gateway shuts down.
func (g *Gateway) watchEvents(ctx context.Context) {
	for _, topic := range []bus.Topic{bus.TopicNotification, bus.TopicAgentTask} {
		stream, unsub := g.bus.SubscribeBuffered(topic, eventStreamSize)
		g.mu.Lock()
		g.unsubs = append(g.unsubs, unsub)
		g.mu.Unlock()

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case evt, ok := <-stream:
					if !ok {
						return
					}
					g.logEvent(evt)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func (g *Gateway) logEvent(evt events.Event) {
	switch p := evt.Payload.(type) {
	case bus.Notification:
		level := slog.LevelInfo
		if p.Priority == bus.PriorityHigh || p.Priority == bus.PriorityUrgent {
			level = slog.LevelWarn
		}
		g.log.Log(context.Background(), level, "notification",
			"agent_id", p.AgentID, "priority", p.Priority, "message", p.Message)
	case bus.TaskEvent:
		attrs := []any{"agent_id", p.AgentID, "task_id", p.TaskID, "status", p.Status}
		if p.Error != "" {
			g.log.Warn("task event", append(attrs, "error", p.Error)...)
			return
		}
		g.log.Info("task event", attrs...)
	default:
		g.log.Debug("event", "type", string(evt.Type), "agent_id", evt.SessionID)
	}
}
