// Package sessionhub implements the Session Hub: the singleton index
// mapping a sessionId to the bundle of per-session state a browser
// session needs (its Context Pool, Window State Registry, and Reload
// Cache), with lazy creation and an idle-timeout retirement sweep.
//
// Grounded on the teacher's internal/session/service.go (Service.active
// map[string]*ActiveSession singleton index), re-targeted from "message
// store session" to "desktop session".
package sessionhub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/broadcast"
	"github.com/deskagent/broker/internal/contextpool"
	"github.com/deskagent/broker/internal/limiter"
	"github.com/deskagent/broker/internal/reloadcache"
	"github.com/deskagent/broker/internal/transport"
	"github.com/deskagent/broker/internal/windowstate"
)

// DefaultIdleTimeout retires a session after this long without a
// RouteMessage/DispatchTask call or an open websocket connection.
const DefaultIdleTimeout = 30 * time.Minute

// Session bundles one browser session's state: its Context Pool, the
// Window State Registry it drives, and its Reload Cache.
type Session struct {
	ID        string
	Pool      *contextpool.Pool
	Windows   *windowstate.Registry
	Cache     *reloadcache.Cache
	CreatedAt int64

	mu           sync.Mutex
	lastActivity int64
}

// Touch records activity against the session, delaying its idle
// retirement.
func (s *Session) Touch(now int64) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now - s.lastActivity
}

// Deps are the shared, process-wide collaborators every session's
// Context Pool is built from.
type Deps struct {
	Registry    *transport.Registry
	Limiter     *limiter.Limiter
	Bus         *action.Bus
	Broadcast   *broadcast.Hub
	CacheDir    string // root directory for persisted reload caches; "" disables persistence
	MaxEntries  int    // reload cache capacity per session
	PoolConfig  contextpool.Config
	IdleTimeout time.Duration // <=0 uses DefaultIdleTimeout
	Log         zerolog.Logger
}

// Hub is the process-wide singleton index of sessionId -> Session.
type Hub struct {
	deps Deps
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Session Hub. Call Close to stop its idle sweep.
func New(deps Deps) *Hub {
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = DefaultIdleTimeout
	}
	h := &Hub{
		deps:     deps,
		log:      deps.Log.With().Str("component", "sessionhub").Logger(),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

// GetOrCreate returns sessionID's Session, creating it on first
// reference. Concurrent calls for the same id never double-initialize:
// each may build a candidate Context Pool, but only the first to
// register its Session initializes it; the others clean up their own
// candidate and return the registered Session.
func (h *Hub) GetOrCreate(ctx context.Context, sessionID string, now int64) (*Session, error) {
	h.mu.Lock()
	if s, ok := h.sessions[sessionID]; ok {
		h.mu.Unlock()
		s.Touch(now)
		return s, nil
	}
	h.mu.Unlock()

	windows := windowstate.New()

	var store *reloadcache.Store
	if h.deps.CacheDir != "" {
		store = reloadcache.NewStore(h.deps.CacheDir)
	}
	cache := reloadcache.New(sessionID, h.deps.MaxEntries, store, h.deps.Log)
	cache.Load()

	pool := contextpool.New(sessionID, h.deps.Registry, h.deps.Limiter, h.deps.Bus, h.deps.Broadcast, windows, cache, h.deps.PoolConfig, h.deps.Log)

	s := &Session{ID: sessionID, Pool: pool, Windows: windows, Cache: cache, CreatedAt: now, lastActivity: now}

	h.mu.Lock()
	if existing, ok := h.sessions[sessionID]; ok {
		h.mu.Unlock()
		pool.Cleanup()
		existing.Touch(now)
		return existing, nil
	}
	h.sessions[sessionID] = s
	h.mu.Unlock()

	if err := pool.Initialize(ctx); err != nil {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
		pool.Cleanup()
		return nil, err
	}

	h.log.Info().Str("sessionId", sessionID).Msg("session created")
	return s, nil
}

// Get returns sessionID's Session without creating it.
func (h *Hub) Get(sessionID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

// Retire tears down sessionID's Context Pool and clears its broadcast
// connections, removing it from the index. No-op if unknown.
func (h *Hub) Retire(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.Pool.Cleanup()
	if h.deps.Broadcast != nil {
		h.deps.Broadcast.Clear(sessionID)
	}
	h.log.Info().Str("sessionId", sessionID).Msg("session retired")
}

// Close stops the idle sweep, retires every remaining session, and
// rejects every caller still queued on the shared limiter.
func (h *Hub) Close() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Retire(id)
	}

	if h.deps.Limiter != nil {
		h.deps.Limiter.ClearWaiters("shutdown")
	}
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.deps.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweepOnce(time.Now().UnixMilli())
		case <-h.stop:
			return
		}
	}
}

// sweepOnce retires every session idle beyond IdleTimeout with no open
// broadcast connections. now is in Unix milliseconds, the same clock
// GetOrCreate and Touch record; it is exposed as a parameter for tests.
func (h *Hub) sweepOnce(now int64) {
	h.mu.Lock()
	candidates := make([]*Session, 0)
	for _, s := range h.sessions {
		candidates = append(candidates, s)
	}
	h.mu.Unlock()

	idleMillis := h.deps.IdleTimeout.Milliseconds()
	for _, s := range candidates {
		if s.idleSince(now) < idleMillis {
			continue
		}
		if h.deps.Broadcast != nil && h.deps.Broadcast.ConnectionCount(s.ID) > 0 {
			continue
		}
		h.Retire(s.ID)
	}
}
