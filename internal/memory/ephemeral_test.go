package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawpool/internal/errs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestEphemeralStoreRetrieve(t *testing.T) {
	e := NewEphemeral()

	require.NoError(t, e.Store("a1", "color", "blue"))
	require.NoError(t, e.Store("a1", "color", "green"))
	require.NoError(t, e.Store("a2", "color", "red"))

	v, err := e.Retrieve("a1", "color")
	require.NoError(t, err)
	assert.Equal(t, "green", v)

	v, err = e.Retrieve("a2", "color")
	require.NoError(t, err)
	assert.Equal(t, "red", v)

	_, err = e.Retrieve("a1", "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.ErrorIs(t, e.Store("", "k", "v"), errs.ErrValidation)
	assert.ErrorIs(t, e.Store("a1", "", "v"), errs.ErrValidation)
}

func TestEphemeralSearch(t *testing.T) {
	e := NewEphemeral()
	require.NoError(t, e.Store("a1", "user:name", "Ada"))
	require.NoError(t, e.Store("a1", "favourite", "user interface"))
	require.NoError(t, e.Store("a1", "city", "London"))
	require.NoError(t, e.Store("a2", "user:name", "Bob"))

	got := e.Search("a1", "user")
	require.Len(t, got, 2)
	assert.Equal(t, "favourite", got[0].Key)
	assert.Equal(t, "user:name", got[1].Key)

	// case-sensitive
	require.Len(t, e.Search("a1", "USER"), 0)
	require.Len(t, e.Search("nobody", "user"), 0)
}

func TestEphemeralDeleteAndClear(t *testing.T) {
	e := NewEphemeral()
	require.NoError(t, e.Store("a1", "k1", "v1"))
	require.NoError(t, e.Store("a1", "k2", "v2"))
	require.NoError(t, e.Store("a2", "k1", "v1"))

	assert.True(t, e.Delete("a1", "k1"))
	assert.False(t, e.Delete("a1", "k1"))
	assert.Equal(t, 2, e.Len())

	assert.Equal(t, 1, e.ClearAgent("a1"))
	assert.Equal(t, 0, e.ClearAgent("a1"))
	assert.Equal(t, 1, e.Len())
}

func TestEphemeralSweepRemovesExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	e := NewEphemeral(WithClock(clock.Now), WithMaxAge(7*24*time.Hour))

	require.NoError(t, e.Store("a1", "old", "stale"))
	clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, e.Store("a1", "fresh", "new"))
	require.NoError(t, e.Store("a2", "old", "stale"))
	clock.Advance(2 * 24 * time.Hour)

	// expired entries stay readable until a sweep runs
	v, err := e.Retrieve("a1", "old")
	require.NoError(t, err)
	assert.Equal(t, "stale", v)

	assert.Equal(t, 1, e.Sweep())
	_, err = e.Retrieve("a1", "old")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	v, err = e.Retrieve("a1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, 0, e.Sweep())
}

func TestEphemeralSweepKeepsRewrittenEntries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	e := NewEphemeral(WithClock(clock.Now), WithMaxAge(time.Hour))

	require.NoError(t, e.Store("a1", "k", "v1"))
	clock.Advance(2 * time.Hour)
	require.NoError(t, e.Store("a1", "k", "v2"))

	assert.Equal(t, 0, e.Sweep())
	v, err := e.Retrieve("a1", "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestEphemeralConcurrentAgents(t *testing.T) {
	e := NewEphemeral()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", i)
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k%d", j)
				_ = e.Store(agentID, key, key)
				_, _ = e.Retrieve(agentID, key)
				_ = e.Search(agentID, "k")
			}
			e.Sweep()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16*50, e.Len())
}
