package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replkit/replkit/internal/config"
	"github.com/replkit/replkit/internal/event"
)

// liveHandler answers every blocking op immediately, so pooled sessions
// stay Ready.
func liveHandler(i *fakeInterp, f frame) {
	switch f.typ() {
	case "exec":
		i.sendFrame(execResultFrame(f.id(), "", "ok"))
	case "snapshot":
		i.sendFrame(frame{"type": "snapshot_result", "id": f.id(), "data": "00"})
	case "restore":
		i.sendFrame(frame{"type": "exec_result", "id": f.id(), "output": "", "response": ""})
	case "reset":
		i.sendFrame(frame{"type": "reset_result", "id": f.id()})
	case "shutdown":
		i.exit(0)
	}
}

// newTestManager builds a manager whose spawn produces fake-backed
// sessions instead of real subprocesses.
func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *atomic.Int32) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	var spawns atomic.Int32
	m := &Manager{
		cfg:      cfg,
		provider: nil,
		bus:      event.NewBus(),
		entries:  make(map[string]*poolEntry),
		spawning: make(map[string]chan struct{}),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	m.spawn = func(ctx context.Context) (*Session, error) {
		spawns.Add(1)
		sess, _, err := startSession(t, harnessOpts{cfg: cfg, autoInit: true, handler: liveHandler})
		return sess, err
	}
	go m.reapLoop()
	t.Cleanup(func() {
		m.Close()
		m.bus.Close()
	})
	return m, &spawns
}

func TestManager_TakeSpawnsAndClaims(t *testing.T) {
	m, spawns := newTestManager(t, nil)

	id, sess, err := m.Take(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, int32(1), spawns.Load())

	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Claimed)
}

func TestManager_PutAndRetakeSameID(t *testing.T) {
	m, spawns := newTestManager(t, nil)

	id, sess, err := m.Take(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, m.Put(id, sess))

	id2, sess2, err := m.Take(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Same(t, sess, sess2)
	assert.Equal(t, int32(1), spawns.Load(), "retake must not respawn")
}

func TestManager_TakeNamedMissingSpawnsUnderThatID(t *testing.T) {
	m, _ := newTestManager(t, nil)

	id, sess, err := m.Take(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)
	require.NotNil(t, sess)
}

func TestManager_TakeBusyIDYieldsFreshID(t *testing.T) {
	m, _ := newTestManager(t, nil)

	id, _, err := m.Take(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", id)

	// The id is claimed; a second take under it gets a fresh entry.
	id2, sess2, err := m.Take(context.Background(), "alpha")
	require.NoError(t, err)
	assert.NotEqual(t, "alpha", id2)
	require.NotNil(t, sess2)
	assert.Len(t, m.Entries(), 2)
}

func TestManager_PutDeadSessionDestroysEntry(t *testing.T) {
	m, spawns := newTestManager(t, nil)

	id, sess, err := m.Take(context.Background(), "worker")
	require.NoError(t, err)

	// The session dies while claimed.
	require.NoError(t, sess.Close())
	require.Equal(t, StateDead, sess.State())

	require.NoError(t, m.Put(id, sess))
	assert.Empty(t, m.Entries())

	// A later take of the same pool id returns a freshly spawned session.
	id2, sess2, err := m.Take(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, "worker", id2)
	assert.NotSame(t, sess, sess2)
	assert.Equal(t, StateReady, sess2.State())
	assert.Equal(t, int32(2), spawns.Load())
}

func TestManager_DestroyedIDCannotBeRePut(t *testing.T) {
	m, _ := newTestManager(t, nil)

	id, sess, err := m.Take(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, m.Destroy(id))

	err = m.Put(id, sess)
	require.Error(t, err)
	assert.Empty(t, m.Entries())
}

func TestManager_DestroyToleratesMissingIDs(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.NoError(t, m.Destroy("never-existed"))
}

func TestManager_PoolExhaustedBeyondCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	cfg.TakeDeadline = config.Duration(150 * time.Millisecond)
	m, _ := newTestManager(t, cfg)

	_, _, err := m.Take(context.Background(), "")
	require.NoError(t, err)

	start := time.Now()
	_, _, err = m.Take(context.Background(), "")
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestManager_TakeWaitsForFreedSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	cfg.TakeDeadline = config.Duration(2 * time.Second)
	m, _ := newTestManager(t, cfg)

	id, _, err := m.Take(context.Background(), "")
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, _, err := m.Take(context.Background(), "")
		got <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Destroy(id))

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiting take never acquired the freed slot")
	}
}

func TestManager_SpawnSerializedPerID(t *testing.T) {
	cfg := testConfig()
	m, spawns := newTestManager(t, cfg)

	// Slow the spawn down so both takers overlap.
	inner := m.spawn
	m.spawn = func(ctx context.Context) (*Session, error) {
		time.Sleep(50 * time.Millisecond)
		return inner(ctx)
	}

	var wg sync.WaitGroup
	ids := make(chan string, 2)
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := m.Take(context.Background(), "shared")
			if err != nil {
				t.Errorf("take: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	// No duplicate entries under one id: every taker got its own entry.
	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "id %s handed out twice", id)
		seen[id] = true
	}
	assert.Equal(t, int32(2), spawns.Load())
	assert.Len(t, m.Entries(), 2)
}

func TestManager_ReaperEvictsOnlyIdleFreeEntries(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTTL = config.Duration(time.Minute)
	m, _ := newTestManager(t, cfg)

	freeID, freeSess, err := m.Take(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, m.Put(freeID, freeSess))

	claimedID, _, err := m.Take(context.Background(), "")
	require.NoError(t, err)

	// Not yet past the TTL: nothing happens.
	m.reapOnce(time.Now())
	assert.Len(t, m.Entries(), 2)

	// Past the TTL: the free entry goes, the claimed one never does.
	m.reapOnce(time.Now().Add(2 * time.Minute))
	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, claimedID, entries[0].ID)
	assert.True(t, entries[0].Claimed)
}

func TestManager_CloseDestroysAllInParallel(t *testing.T) {
	m, _ := newTestManager(t, nil)

	var sessions []*Session
	for n := 0; n < 3; n++ {
		_, sess, err := m.Take(context.Background(), "")
		require.NoError(t, err)
		sessions = append(sessions, sess)
	}

	require.NoError(t, m.Close())
	for _, sess := range sessions {
		assert.Equal(t, StateDead, sess.State())
	}

	_, _, err := m.Take(context.Background(), "")
	assert.ErrorIs(t, err, ErrManagerClosed)
}
