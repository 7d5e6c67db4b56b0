package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/replkit/replkit/internal/config"
	"github.com/replkit/replkit/internal/event"
	"github.com/replkit/replkit/internal/logging"
	"github.com/replkit/replkit/internal/tool"
)

// errWaitForSlot is the transient signal inside Take's retry loop.
var errWaitForSlot = errors.New("waiting for pool capacity")

// ErrManagerClosed is returned once the manager has been torn down.
var ErrManagerClosed = errors.New("session manager closed")

// poolEntry tracks one pooled session.
type poolEntry struct {
	sess         *Session
	claimed      bool
	lastReleased time.Time
}

// EntryInfo is a read-only snapshot of a pool entry for introspection.
type EntryInfo struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Claimed      bool      `json:"claimed"`
	LastReleased time.Time `json:"lastReleased,omitzero"`
	LastActive   time.Time `json:"lastActive"`
}

// Manager is the keyed session pool: checkout, return, forced destroy,
// and an idle-reaper background task. It is the only process-wide
// entity in the kernel and is explicitly constructed and torn down.
type Manager struct {
	cfg      *config.Config
	provider tool.Provider
	bus      *event.Bus

	// spawn is replaceable by tests.
	spawn func(ctx context.Context) (*Session, error)

	mu       sync.Mutex
	entries  map[string]*poolEntry
	spawning map[string]chan struct{}
	closed   bool

	reapStop chan struct{}
	reapDone chan struct{}
}

// NewManager builds a pool and starts its idle reaper.
func NewManager(cfg *config.Config, provider tool.Provider, bus *event.Bus) *Manager {
	m := &Manager{
		cfg:      cfg,
		provider: provider,
		bus:      bus,
		entries:  make(map[string]*poolEntry),
		spawning: make(map[string]chan struct{}),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	m.spawn = func(ctx context.Context) (*Session, error) {
		return New(ctx, cfg, provider, bus)
	}
	go m.reapLoop()
	return m
}

// Bus exposes the manager's diagnostic bus.
func (m *Manager) Bus() *event.Bus { return m.bus }

// Take checks a session out of the pool. With a known free id the
// existing session is claimed; otherwise a new session is spawned
// (under the given id when it is unused, under a fresh id when the
// caller passed none or the id is busy). Spawning is serialized per id.
// Beyond the session cap, Take waits up to the configured deadline for
// a slot, then fails with ErrPoolExhausted.
func (m *Manager) Take(ctx context.Context, id string) (string, *Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	deadline := m.cfg.TakeDeadline.Std()
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var sess *Session
	policy := backoff.WithContext(backoff.NewConstantBackOff(50*time.Millisecond), waitCtx)
	err := backoff.Retry(func() error {
		s, key, err := m.tryTake(waitCtx, id)
		if err != nil {
			if errors.Is(err, errWaitForSlot) {
				return err
			}
			return backoff.Permanent(err)
		}
		sess, id = s, key
		return nil
	}, policy)

	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return "", nil, ErrPoolExhausted
		}
		if perm := new(backoff.PermanentError); errors.As(err, &perm) {
			err = perm.Err
		}
		return "", nil, err
	}
	return id, sess, nil
}

// tryTake makes one checkout attempt. It returns errWaitForSlot when
// the pool is at capacity and the caller should retry.
func (m *Manager) tryTake(ctx context.Context, id string) (*Session, string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, "", ErrManagerClosed
	}

	if e, ok := m.entries[id]; ok {
		if !e.claimed && e.sess.State() == StateReady {
			e.claimed = true
			m.mu.Unlock()
			return e.sess, id, nil
		}
		if !e.claimed {
			// Free but no longer Ready: eject and respawn under this id.
			delete(m.entries, id)
			go e.sess.Close()
		} else {
			// Busy id: the caller gets a fresh session under a fresh id.
			id = uuid.NewString()
		}
	}

	if ch, inflight := m.spawning[id]; inflight {
		m.mu.Unlock()
		select {
		case <-ch:
			return nil, "", errWaitForSlot
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}

	if m.cfg.MaxSessions > 0 && len(m.entries)+len(m.spawning) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, "", errWaitForSlot
	}

	ch := make(chan struct{})
	m.spawning[id] = ch
	m.mu.Unlock()

	sess, err := m.spawn(ctx)

	m.mu.Lock()
	delete(m.spawning, id)
	close(ch)
	if err != nil {
		m.mu.Unlock()
		return nil, "", err
	}
	if m.closed {
		m.mu.Unlock()
		sess.Close()
		return nil, "", ErrManagerClosed
	}
	m.entries[id] = &poolEntry{sess: sess, claimed: true}
	m.mu.Unlock()
	return sess, id, nil
}

// Put returns a claimed session to the free pool. Sessions that are no
// longer Ready are destroyed instead; a destroyed id cannot be re-put.
func (m *Manager) Put(id string, sess *Session) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.sess != sess {
		m.mu.Unlock()
		go sess.Close()
		return fmt.Errorf("pool: no entry for id %s", id)
	}

	if sess.State() != StateReady {
		delete(m.entries, id)
		m.mu.Unlock()
		go sess.Close()
		return nil
	}

	e.claimed = false
	e.lastReleased = time.Now()
	m.mu.Unlock()

	m.bus.Publish(event.Event{Type: event.SessionReleased, SessionID: sess.ID(), Data: id})
	return nil
}

// Destroy removes an entry and shuts its session down. Missing ids are
// tolerated.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sess.Close()
}

// Entries snapshots the pool for introspection.
func (m *Manager) Entries() []EntryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]EntryInfo, 0, len(m.entries))
	for id, e := range m.entries {
		infos = append(infos, EntryInfo{
			ID:           id,
			State:        e.sess.State().String(),
			Claimed:      e.claimed,
			LastReleased: e.lastReleased,
			LastActive:   e.sess.LastActive(),
		})
	}
	return infos
}

// Get returns the session pooled under id, whether claimed or free.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Close destroys every session in parallel and stops the reaper.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	victims := make([]*poolEntry, 0, len(m.entries))
	for _, e := range m.entries {
		victims = append(victims, e)
	}
	m.entries = make(map[string]*poolEntry)
	m.mu.Unlock()

	close(m.reapStop)
	<-m.reapDone

	var wg sync.WaitGroup
	for _, e := range victims {
		wg.Add(1)
		go func(e *poolEntry) {
			defer wg.Done()
			e.sess.Close()
		}(e)
	}
	wg.Wait()
	return nil
}

// reapLoop scans on a fixed interval and destroys free entries whose
// idle age exceeds the TTL. Claimed entries are never evicted.
func (m *Manager) reapLoop() {
	defer close(m.reapDone)

	interval := m.cfg.ReapInterval.Std()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapOnce(time.Now())
		case <-m.reapStop:
			return
		}
	}
}

// reapOnce performs one eviction scan.
func (m *Manager) reapOnce(now time.Time) {
	ttl := m.cfg.IdleTTL.Std()
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	m.mu.Lock()
	type victim struct {
		id string
		e  *poolEntry
	}
	var victims []victim
	for id, e := range m.entries {
		if !e.claimed && now.Sub(e.lastReleased) > ttl {
			victims = append(victims, victim{id: id, e: e})
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	log := logging.Component("pool")
	for _, v := range victims {
		log.Info().Str("id", v.id).Msg("evicting idle session")
		m.bus.Publish(event.Event{Type: event.SessionEvicted, SessionID: v.e.sess.ID(), Data: v.id})
		go v.e.sess.Close()
	}
}
