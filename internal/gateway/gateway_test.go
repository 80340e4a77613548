package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawpool/internal/channel"
	"github.com/stellarlinkco/clawpool/internal/config"
	"github.com/stellarlinkco/clawpool/internal/cron"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/llm"
	"github.com/stellarlinkco/clawpool/internal/logging"
	"github.com/stellarlinkco/clawpool/internal/memory"
	"github.com/stellarlinkco/clawpool/internal/tools"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider.Type = config.ProviderStub
	cfg.Memory.Backend = config.BackendChromem
	cfg.Memory.Similarity = 0.2
	cfg.Profiles.Dir = t.TempDir()
	cfg.Gateway.Enabled = false
	return cfg
}

func writeProfile(t *testing.T, cfg *config.Config, dir, content string) {
	t.Helper()
	path := filepath.Join(cfg.Profiles.Dir, dir, "AGENT.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestGateway(t *testing.T, cfg *config.Config, opts Options) *Gateway {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.New("error", &syncBuffer{})
	}
	g, err := NewWithOptions(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g
}

func TestNewWiresDependencies(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})

	assert.NotNil(t, g.Pool())
	assert.NotNil(t, g.Bus())
	assert.NotNil(t, g.Ephemeral())
	assert.NotNil(t, g.Persistent())
	assert.Equal(t, 0.2, g.Persistent().Similarity())
	assert.Contains(t, g.Tools().Names(), "send_notification")

	var names []string
	for _, j := range g.Cron().ListJobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{JobHealth, JobSweep, JobCleanup}, names)
}

func TestNewWithoutCleanupSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.CleanupSchedule = ""
	g := newTestGateway(t, cfg, Options{})
	assert.Len(t, g.Cron().ListJobs(), 2)
}

func TestNewErrors(t *testing.T) {
	t.Run("unsupported backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Memory.Backend = "cassandra"
		_, err := NewWithOptions(context.Background(), cfg, Options{})
		assert.Error(t, err)
	})

	t.Run("invalid schedule", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Memory.SweepSchedule = "every now and then"
		_, err := NewWithOptions(context.Background(), cfg, Options{})
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("provider factory failure", func(t *testing.T) {
		boom := errors.New("no credentials")
		_, err := NewWithOptions(context.Background(), testConfig(t), Options{
			ProviderFactory: func(*config.Config) (llm.Provider, error) { return nil, boom },
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("embedder factory failure", func(t *testing.T) {
		boom := errors.New("embedder offline")
		_, err := NewWithOptions(context.Background(), testConfig(t), Options{
			EmbedderFactory: func(context.Context, *config.Config) (memory.Embedder, error) { return nil, boom },
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("duplicate profiles", func(t *testing.T) {
		cfg := testConfig(t)
		writeProfile(t, cfg, "a", "---\nname: twin\n---\nA\n")
		writeProfile(t, cfg, "b", "---\nname: twin\n---\nB\n")
		_, err := NewWithOptions(context.Background(), cfg, Options{})
		assert.ErrorIs(t, err, errs.ErrAlreadyRegistered)
	})
}

func TestNewStoreBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Backend = config.BackendSQLite
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "data", "memory.db")
	store, err := NewStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.SQLiteStore{}, store)
	require.NoError(t, store.Close())
	_, err = os.Stat(cfg.Memory.DBPath)
	assert.NoError(t, err)

	cfg.Memory.Backend = "Chromem"
	store, err = NewStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.ChromemStore{}, store)
}

func TestSQLiteGatewayRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Backend = config.BackendSQLite
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "memory.db")
	g := newTestGateway(t, cfg, Options{})

	id, err := g.Pool().CreateAgent("scribe", "")
	require.NoError(t, err)
	reply, err := g.Pool().SendMessage(context.Background(), id, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "Echo: hello there", reply)

	assert.Eventually(t, func() bool {
		recs, err := g.Persistent().GetRecent(context.Background(), id, 10)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartAutostartsProfiles(t *testing.T) {
	cfg := testConfig(t)
	writeProfile(t, cfg, "researcher", "---\nname: researcher\nautostart: true\n---\nYou research.\n")
	writeProfile(t, cfg, "writer", "---\nname: writer\n---\nYou write.\n")
	g := newTestGateway(t, cfg, Options{})
	require.Len(t, g.Profiles(), 2)

	require.NoError(t, g.Start(context.Background()))
	started := g.Autostarted()
	require.Len(t, started, 1)

	snap, err := g.Pool().GetState(started[0])
	require.NoError(t, err)
	assert.Equal(t, "researcher", snap.Name)
	assert.Equal(t, "You research.", snap.SystemPrompt)

	id, err := g.SpawnProfile("writer")
	require.NoError(t, err)
	snap, err = g.Pool().GetState(id)
	require.NoError(t, err)
	assert.Equal(t, "You write.", snap.SystemPrompt)

	_, err = g.SpawnProfile("nobody")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 2, g.Pool().GetStats().Total)
}

func TestWebSocketSurface(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = 0
	g := newTestGateway(t, cfg, Options{})
	require.NotNil(t, g.Channel())
	require.NoError(t, g.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+g.Channel().Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"id":"1","type":"create","name":"remote"}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var resp channel.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, channel.TypeResult, resp.Type)

	ids := g.Pool().ListAgents()
	require.Len(t, ids, 1)
	assert.Equal(t, resp.AgentID, ids[0].ID)
}

func TestSweepJob(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 4, 5, 6, 0, 0, 0, time.UTC)}
	cfg := testConfig(t)
	cfg.Memory.EphemeralMaxAge = 60
	g := newTestGateway(t, cfg, Options{Now: clock.Now})

	require.NoError(t, g.Ephemeral().Store("a1", "old", "value"))
	clock.Advance(2 * time.Minute)
	require.NoError(t, g.Ephemeral().Store("a1", "fresh", "value"))

	state, err := g.Cron().RunNow(context.Background(), JobSweep)
	require.NoError(t, err)
	assert.Equal(t, cron.StatusOK, state.LastStatus)
	assert.Equal(t, "swept 1 expired entries", state.LastResult)
	assert.Equal(t, 1, g.Ephemeral().Len())
}

func TestHealthJob(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 4, 5, 6, 0, 0, 0, time.UTC)}
	g := newTestGateway(t, testConfig(t), Options{Now: clock.Now})
	id, err := g.Pool().CreateAgent("watcher", "")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	state, err := g.Cron().RunNow(context.Background(), JobHealth)
	require.NoError(t, err)
	assert.Equal(t, "checked 1 agents", state.LastResult)

	assert.Eventually(t, func() bool {
		snap, err := g.Pool().GetState(id)
		return err == nil && snap.LastHealthCheck.Equal(clock.Now()) && snap.LastActivity.Equal(clock.Now())
	}, time.Second, 10*time.Millisecond)
}

func TestCleanupJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.KeepRecent = 1
	cfg.Memory.KeepImportant = 0.8
	g := newTestGateway(t, cfg, Options{})
	id, err := g.Pool().CreateAgent("archivist", "")
	require.NoError(t, err)

	ctx := context.Background()
	for _, content := range []string{"first note", "second note", "third note"} {
		_, err := g.Persistent().Store(ctx, id, content, nil, 0.1)
		require.NoError(t, err)
	}
	_, err = g.Persistent().Store(ctx, id, "keep this one", nil, 0.9)
	require.NoError(t, err)

	state, err := g.Cron().RunNow(ctx, JobCleanup)
	require.NoError(t, err)
	assert.Equal(t, cron.StatusOK, state.LastStatus)
	assert.Equal(t, "deleted 3 memories", state.LastResult)

	left, err := g.Persistent().GetRecent(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestNotificationsAreLogged(t *testing.T) {
	buf := &syncBuffer{}
	g := newTestGateway(t, testConfig(t), Options{Logger: logging.New("info", buf)})
	require.NoError(t, g.Start(context.Background()))

	out, err := g.Tools().Execute(context.Background(), "send_notification",
		map[string]string{"message": "deploy finished", "priority": "urgent"},
		tools.CallContext{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Contains(t, out, "urgent")

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("deploy finished"))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunStopsOnSignal(t *testing.T) {
	cfg := testConfig(t)
	writeProfile(t, cfg, "helper", "---\nname: helper\nautostart: true\n---\nHelp.\n")
	sig := make(chan os.Signal, 1)
	g := newTestGateway(t, cfg, Options{SignalChan: sig})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(g.Autostarted()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sig <- syscall.SIGTERM

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	assert.Equal(t, 0, g.Pool().GetStats().Total)
	_, err := g.Pool().CreateAgent("late", "")
	assert.ErrorIs(t, err, errs.ErrSpawnFailed)
	assert.NoError(t, g.Shutdown(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{SignalChan: make(chan os.Signal)})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
