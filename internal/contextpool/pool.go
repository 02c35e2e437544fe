// Package contextpool implements the Context Pool: a per-session
// orchestrator holding one main agent per UI monitor, their
// serializing work queues, the session's reload-cache fast path, and
// the Task Dispatcher (dispatch.go) that forks short-lived task agents
// off a main agent's conversation.
//
// Grounded on the teacher's internal/session/service.go (Service
// indexing active sessions) and internal/agent/registry.go (profile
// lookup), re-targeted from "one conversation" to "one monitor's main
// agent plus its fast-replay cache".
package contextpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/agentsession"
	"github.com/deskagent/broker/internal/broadcast"
	"github.com/deskagent/broker/internal/limiter"
	"github.com/deskagent/broker/internal/reloadcache"
	"github.com/deskagent/broker/internal/transport"
	"github.com/deskagent/broker/internal/windowstate"
	"github.com/deskagent/broker/pkg/types"
)

// DefaultMonitorID is the monitor Initialize creates a main agent for.
const DefaultMonitorID = "monitor-0"

const defaultSuggestThreshold = 0.90

// Config tunes a session's Context Pool. Zero-value fields fall back to
// the process-wide defaults (spec.md §9 Open Question resolution: these
// are per-session overridable, defaulting to the global values).
type Config struct {
	ReloadSimilarityFloor  float64 // reload cache find_matches floor, default 0.50
	ReloadSuggestThreshold float64 // route_message annotation threshold, default 0.90
	Provider               string  // transport registry key; "" uses the registry default
}

func (c Config) suggestThreshold() float64 {
	if c.ReloadSuggestThreshold > 0 {
		return c.ReloadSuggestThreshold
	}
	return defaultSuggestThreshold
}

// monitorQueue serializes handle_message calls for one monitor's main
// agent while letting distinct monitors run in parallel (spec.md §4.5).
type monitorQueue struct {
	work chan func()
	done chan struct{}
}

func newMonitorQueue() *monitorQueue {
	q := &monitorQueue{work: make(chan func(), 32), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *monitorQueue) run() {
	for {
		select {
		case fn := <-q.work:
			q.safeRun(fn)
		case <-q.done:
			return
		}
	}
}

// safeRun isolates one turn's panic so a crash cannot wedge the queue
// for every later message to this monitor (spec.md §4.5 invariant).
func (q *monitorQueue) safeRun(fn func()) {
	defer func() { recover() }()
	fn()
}

func (q *monitorQueue) enqueue(fn func()) { q.work <- fn }
func (q *monitorQueue) stop()             { close(q.done) }

// mainAgentEntry is a monitor's main agent plus the bookkeeping
// route_message needs around it.
type mainAgentEntry struct {
	session *agentsession.Session
	queue   *monitorQueue
	title   string
}

// Pool is one session's Context Pool.
type Pool struct {
	sessionID string
	config    Config

	registry  *transport.Registry
	limiter   *limiter.Limiter
	bus       *action.Bus
	hub       *broadcast.Hub
	windowReg *windowstate.Registry
	cache     *reloadcache.Cache
	loopGuard *doomLoopDetector
	log       zerolog.Logger

	mu         sync.Mutex
	mainAgents map[string]*mainAgentEntry
	taskAgents map[string]*agentsession.Session
}

// New constructs a session's Context Pool. cache may be nil to disable
// the reload fast path (used in tests and for sessions that opt out).
func New(sessionID string, registry *transport.Registry, lim *limiter.Limiter, bus *action.Bus, hub *broadcast.Hub, windowReg *windowstate.Registry, cache *reloadcache.Cache, cfg Config, log zerolog.Logger) *Pool {
	if cache != nil {
		cache.SetFloor(cfg.ReloadSimilarityFloor)
	}
	p := &Pool{
		sessionID:  sessionID,
		config:     cfg,
		registry:   registry,
		limiter:    lim,
		bus:        bus,
		hub:        hub,
		windowReg:  windowReg,
		cache:      cache,
		loopGuard:  newDoomLoopDetector(),
		mainAgents: make(map[string]*mainAgentEntry),
		taskAgents: make(map[string]*agentsession.Session),
		log:        log.With().Str("component", "contextpool").Str("sessionId", sessionID).Logger(),
	}
	if windowReg != nil && cache != nil {
		windowReg.OnClose(func(windowID string) { cache.InvalidateWindow(windowID) })
	}
	return p
}

// Initialize creates the default monitor's main agent. It acquires no
// limiter slot: the agent holds a slot only while a turn runs, since
// HandleMessage acquires one per turn and releases it when the turn ends.
func (p *Pool) Initialize(ctx context.Context) error {
	_, err := p.CreateMonitorAgent(ctx, DefaultMonitorID)
	return err
}

// CreateMonitorAgent creates monitorID's main agent if it doesn't
// already exist, returning the existing one otherwise.
func (p *Pool) CreateMonitorAgent(ctx context.Context, monitorID string) (*agentsession.Session, error) {
	p.mu.Lock()
	if existing, ok := p.mainAgents[monitorID]; ok {
		p.mu.Unlock()
		return existing.session, nil
	}
	p.mu.Unlock()

	t, err := p.registry.New(ctx, p.config.Provider)
	if err != nil {
		return nil, fmt.Errorf("contextpool: create monitor agent: %w", err)
	}

	sess := agentsession.New(p.sessionID, t, p.limiter, p.bus, p.hub, p.windowReg, nil, p.log)
	sess.SetLoopGuard(p.loopGuard)

	p.mu.Lock()
	if existing, ok := p.mainAgents[monitorID]; ok {
		p.mu.Unlock()
		t.Dispose()
		return existing.session, nil
	}
	p.mainAgents[monitorID] = &mainAgentEntry{session: sess, queue: newMonitorQueue(), title: defaultTitle}
	p.mu.Unlock()

	return sess, nil
}

// RemoveMonitorAgent disposes monitorID's main agent and stops its
// queue. No-op if the monitor has no main agent.
func (p *Pool) RemoveMonitorAgent(monitorID string) {
	p.mu.Lock()
	ma, ok := p.mainAgents[monitorID]
	if ok {
		delete(p.mainAgents, monitorID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ma.session.Interrupt()
	ma.queue.stop()
	ma.session.Dispose()
	p.loopGuard.Clear(ma.session.InstanceID)
}

// LimiterStats reports the process-wide Agent Limiter's current
// utilization (spec.md §4.1 stats()), surfaced for operational
// visibility via GET /debug/limiter.
func (p *Pool) LimiterStats() limiter.Stats {
	return p.limiter.Stats()
}

// HasMainAgent reports whether monitorID currently has a main agent.
func (p *Pool) HasMainAgent(monitorID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.mainAgents[monitorID]
	return ok
}

// Title returns monitorID's current display title, or the default
// placeholder if the monitor has no main agent or none has been
// derived yet.
func (p *Pool) Title(monitorID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ma, ok := p.mainAgents[monitorID]; ok {
		return ma.title
	}
	return defaultTitle
}

func (p *Pool) mainAgentSession(monitorID string) (*agentsession.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ma, ok := p.mainAgents[monitorID]
	if !ok {
		return nil, false
	}
	return ma.session, true
}

// RouteResult is what RouteMessage returns once the queued turn
// completes.
type RouteResult struct {
	Result *agentsession.Result
	Title  string
	Err    error
}

// RouteMessage implements spec.md §4.5 route_message.
func (p *Pool) RouteMessage(ctx context.Context, monitorID, prompt string, now int64) (*RouteResult, error) {
	p.mu.Lock()
	ma, ok := p.mainAgents[monitorID]
	if ok && isDefaultTitle(ma.title) {
		ma.title = deriveTitle(prompt)
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("contextpool: no main agent for monitor %q", monitorID)
	}

	annotated := prompt
	var fp types.Fingerprint
	if p.cache != nil {
		fp = reloadcache.Compute(prompt, p.windowSnapshot())
		matches := p.filterOpenWindows(p.cache.FindMatches(fp, reloadcache.DefaultLimit))
		if len(matches) > 0 && matches[0].Similarity >= p.config.suggestThreshold() {
			annotated = annotateWithReloadOptions(prompt, matches)
		}
	}

	resultCh := make(chan *RouteResult, 1)
	ma.queue.enqueue(func() {
		result, err := ma.session.HandleMessage(ctx, annotated, agentsession.HandleOptions{
			Role: "main", MonitorID: monitorID, Source: "user",
		})

		if err == nil && result != nil {
			p.maybeRecord(fp, result, now)
		}

		p.mu.Lock()
		title := ma.title
		p.mu.Unlock()

		resultCh <- &RouteResult{Result: result, Title: title, Err: err}
	})

	select {
	case r := <-resultCh:
		return r, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) windowSnapshot() []types.Window {
	if p.windowReg == nil {
		return nil
	}
	return p.windowReg.Snapshot()
}

// filterOpenWindows drops matches whose requiredWindowIds reference a
// window that is no longer open (spec.md §4.5 step 2).
func (p *Pool) filterOpenWindows(matches []types.Match) []types.Match {
	if p.windowReg == nil {
		return matches
	}
	kept := make([]types.Match, 0, len(matches))
	for _, m := range matches {
		allOpen := true
		for _, id := range m.Entry.RequiredWindowIDs {
			if _, ok := p.windowReg.Get(id); !ok {
				allOpen = false
				break
			}
		}
		if allOpen {
			kept = append(kept, m)
		}
	}
	return kept
}

// annotateWithReloadOptions prepends a block listing the top-3
// candidate replays so the model may elect to replay one instead of
// re-deriving the actions from scratch.
func annotateWithReloadOptions(prompt string, matches []types.Match) string {
	top := matches
	if len(top) > 3 {
		top = top[:3]
	}
	var b strings.Builder
	b.WriteString("<reload_options>\n")
	for _, m := range top {
		fmt.Fprintf(&b, "- id=%s similarity=%.2f label=%q\n", m.Entry.ID, m.Similarity, m.Entry.Label)
	}
	b.WriteString("</reload_options>\n")
	b.WriteString(prompt)
	return b.String()
}

// maybeRecord stores a new cache entry when the turn produced output
// that isn't trivially the same as the cache's existing exact match.
func (p *Pool) maybeRecord(fp types.Fingerprint, result *agentsession.Result, now int64) {
	if p.cache == nil || len(result.Actions) == 0 {
		return
	}
	if matches := p.cache.FindMatches(fp, 1); len(matches) > 0 && matches[0].IsExact {
		p.cache.Touch(matches[0].Entry.ID, now)
		return
	}
	p.cache.Record(fp, result.Actions, summarizeActions(result.Actions), requiredWindowIDs(result.Actions), now)
}

// RespondDialog delivers the user's decision on an approval dialog to
// every live agent in the session via Steer; the transport that raised
// dialogID is responsible for matching it and ignoring decisions meant
// for a dialog it didn't raise.
func (p *Pool) RespondDialog(ctx context.Context, dialogID string, confirmed bool) {
	p.mu.Lock()
	sessions := make([]*agentsession.Session, 0, len(p.mainAgents)+len(p.taskAgents))
	for _, ma := range p.mainAgents {
		sessions = append(sessions, ma.session)
	}
	for _, t := range p.taskAgents {
		sessions = append(sessions, t)
	}
	p.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"dialogId": dialogID, "confirmed": confirmed})
	for _, sess := range sessions {
		sess.Steer(ctx, string(payload))
	}
}

// registerTaskAgent tracks a task agent so Cleanup can reach it even if
// dispatch_task's caller never calls back in.
func (p *Pool) registerTaskAgent(id string, sess *agentsession.Session) {
	p.mu.Lock()
	p.taskAgents[id] = sess
	p.mu.Unlock()
}

func (p *Pool) unregisterTaskAgent(id string) {
	p.mu.Lock()
	delete(p.taskAgents, id)
	p.mu.Unlock()
}

// Cleanup cancels every in-flight turn, disposes every agent, and
// releases every held limiter slot (spec.md §4.5 cleanup()).
func (p *Pool) Cleanup() {
	p.mu.Lock()
	mains := make([]*mainAgentEntry, 0, len(p.mainAgents))
	for _, ma := range p.mainAgents {
		mains = append(mains, ma)
	}
	p.mainAgents = make(map[string]*mainAgentEntry)

	tasks := make([]*agentsession.Session, 0, len(p.taskAgents))
	for _, t := range p.taskAgents {
		tasks = append(tasks, t)
	}
	p.taskAgents = make(map[string]*agentsession.Session)
	p.mu.Unlock()

	for _, ma := range mains {
		ma.session.Interrupt()
		ma.queue.stop()
		ma.session.Dispose()
		p.loopGuard.Clear(ma.session.InstanceID)
	}
	for _, t := range tasks {
		t.Interrupt()
		t.Dispose()
	}
}
