// Package agentsession implements the Agent Session: a single agent
// instance that runs turns end-to-end, bridging emitted actions and
// provider stream messages into outbound server events.
//
// Grounded on the teacher's internal/session/loop.go (runLoop: retry
// backoff, step limit, per-turn message/part bookkeeping) and
// processor.go (single-flight turn execution), re-targeted from
// "persist messages to storage" to "bridge actions to the Broadcast
// Hub and window state".
package agentsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/broadcast"
	"github.com/deskagent/broker/internal/limiter"
	"github.com/deskagent/broker/internal/transport"
	"github.com/deskagent/broker/internal/windowstate"
)

// State is one phase of the per-turn state machine (spec.md §4.4:
// idle -> acquiring -> running -> (streaming)* -> finalizing -> idle).
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateRunning    State = "running"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
)

// ErrCapacityExceeded is returned by HandleMessage when no limiter slot
// can be had: the acquisition timeout is zero and the limiter is full, or
// the timeout elapses first. With no timeout, HandleMessage waits.
var ErrCapacityExceeded = errors.New("agentsession: agent limit reached")

// HandleOptions configures one HandleMessage call.
type HandleOptions struct {
	Role                  string
	Source                string
	MonitorID             string
	ForkSession           bool
	ParentSessionID       string
	SystemPromptOverride  string
	AllowedTools          []string
	AcquireTimeout        *time.Duration
}

// LoopGuard flags an agent repeating the same tool call too many times
// in a row (Context Pool's doom-loop detector). Optional: a nil guard
// disables the check.
type LoopGuard interface {
	Check(agentID, toolName string, input any) bool
}

// TranscriptSink receives a durable record of every outbound event a
// turn produces, independent of the per-turn action buffer returned to
// the caller. The Context Pool wires this to the session's transcript
// store; nil is safe (becomes a no-op).
type TranscriptSink interface {
	Append(entry TranscriptEntry)
}

// TranscriptEntry is one recorded outbound event.
type TranscriptEntry struct {
	Timestamp int64
	AgentID   string
	MonitorID string
	Event     broadcast.ServerEvent
}

// Result is what HandleMessage returns once a turn completes.
type Result struct {
	Actions           []action.Action
	ProviderSessionID string
	Err               error
}

// Session is one live agent instance.
type Session struct {
	InstanceID string // stable id used as AgentID on the Action Emitter bus
	SessionID  string // owning broker session, used to route events via the hub
	Transport  transport.Transport

	limiter    *limiter.Limiter
	bus        *action.Bus
	hub        *broadcast.Hub
	windowReg  *windowstate.Registry
	transcript TranscriptSink
	log        zerolog.Logger

	mu                sync.Mutex
	state             State
	role              string
	heldSlot          bool
	cancel            context.CancelFunc
	providerSessionID string
	loopGuard         LoopGuard
}

// SetLoopGuard installs an optional doom-loop detector, checked on every
// tool_use stream message. Not safe to call concurrently with an
// in-flight HandleMessage.
func (s *Session) SetLoopGuard(g LoopGuard) {
	s.loopGuard = g
}

// New constructs an Agent Session instance. windowReg and transcript
// may be nil.
func New(sessionID string, t transport.Transport, lim *limiter.Limiter, bus *action.Bus, hub *broadcast.Hub, windowReg *windowstate.Registry, transcript TranscriptSink, log zerolog.Logger) *Session {
	return &Session{
		InstanceID: "agent-" + ulid.Make().String(),
		SessionID:  sessionID,
		Transport:  t,
		limiter:    lim,
		bus:        bus,
		hub:        hub,
		windowReg:  windowReg,
		transcript: transcript,
		state:      StateIdle,
		log:        log.With().Str("component", "agentsession").Str("sessionId", sessionID).Logger(),
	}
}

// HandleMessage runs opts.Role's turn end-to-end. See package doc and
// spec.md §4.4 for the full state machine.
func (s *Session) HandleMessage(ctx context.Context, prompt string, opts HandleOptions) (*Result, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, fmt.Errorf("agentsession: turn already in progress (state=%s)", s.state)
	}
	s.state = StateAcquiring
	s.role = opts.Role
	s.mu.Unlock()

	releaseOnExit, err := s.acquireIfNeeded(ctx, opts.AcquireTimeout)
	if err != nil {
		s.setState(StateIdle)
		return nil, err
	}
	defer func() {
		if releaseOnExit {
			s.limiter.Release()
			s.mu.Lock()
			s.heldSlot = false
			s.mu.Unlock()
		}
	}()

	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info().Str("agentId", s.InstanceID).Str("role", opts.Role).Str("monitorId", opts.MonitorID).Msg("turn started")

	buffer := newActionBuffer()
	unsubscribe := s.bus.Subscribe(s.makeBridge(opts, buffer))
	defer unsubscribe()

	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.state = StateIdle
		s.mu.Unlock()
	}()

	result := s.runTurn(turnCtx, prompt, opts, buffer)
	s.setState(StateFinalizing)

	if result.ProviderSessionID != "" {
		s.mu.Lock()
		s.providerSessionID = result.ProviderSessionID
		s.mu.Unlock()
	}

	return result, result.Err
}

// ProviderSessionID returns the most recent provider-side session id
// this agent has observed, or "" if none yet. Used by the Task
// Dispatcher to fork a task agent off the requesting monitor's main
// agent conversation (spec.md §4.7).
func (s *Session) ProviderSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerSessionID
}

// acquireIfNeeded acquires a limiter slot unless one is already held,
// returning whether this call is responsible for releasing it.
func (s *Session) acquireIfNeeded(ctx context.Context, timeout *time.Duration) (bool, error) {
	s.mu.Lock()
	if s.heldSlot {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	err := s.limiter.Acquire(ctx, timeout)
	if err != nil {
		if errors.Is(err, limiter.ErrCapacity) || errors.Is(err, limiter.ErrTimeout) {
			return false, ErrCapacityExceeded
		}
		return false, err
	}

	s.mu.Lock()
	s.heldSlot = true
	s.mu.Unlock()
	return true, nil
}

// Interrupt cancels the in-flight turn, if any, and propagates to the
// transport. Idempotent and safe from any goroutine.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	s.Transport.Interrupt()
	if cancel != nil {
		cancel()
	}
}

// Steer forwards content to the transport whatever the session's state;
// whether it is accepted is up to the transport.
func (s *Session) Steer(ctx context.Context, content string) bool {
	return s.Transport.Steer(ctx, content)
}

// Dispose releases transport resources and any held limiter slot. Safe
// to call on an idle session.
func (s *Session) Dispose() {
	s.Transport.Dispose()

	s.mu.Lock()
	held := s.heldSlot
	s.heldSlot = false
	s.mu.Unlock()

	if held {
		s.limiter.Release()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// runTurn drives the transport query and its streaming response. A
// transport-level failure (Query itself returning an error) retries
// with jittered exponential backoff, matching the teacher's
// newRetryBackoff policy in internal/session/loop.go; a mid-stream
// error ends the turn without retry since partial output has already
// reached the client.
func (s *Session) runTurn(ctx context.Context, prompt string, opts HandleOptions, buffer *actionBuffer) *Result {
	queryOpts := transport.Options{
		SystemPrompt: opts.SystemPromptOverride,
		SessionID:    opts.ParentSessionID,
		ForkSession:  opts.ForkSession,
		MonitorID:    opts.MonitorID,
		AgentID:      s.InstanceID,
		AllowedTools: opts.AllowedTools,
	}

	var stream transport.MessageStream
	boff := newRetryBackoff(ctx)
	err := backoff.Retry(func() error {
		var qerr error
		stream, qerr = s.Transport.Query(ctx, prompt, queryOpts)
		return qerr
	}, boff)
	if err != nil {
		s.emitError(opts, err.Error())
		return &Result{Actions: buffer.snapshot(), Err: err}
	}
	defer stream.Close()

	s.setState(StateStreaming)

	var providerSessionID string
	for {
		select {
		case <-ctx.Done():
			return &Result{Actions: buffer.snapshot(), ProviderSessionID: providerSessionID, Err: nil}
		default:
		}

		msg, ok, err := stream.Recv(ctx)
		if err != nil {
			s.emitError(opts, err.Error())
			return &Result{Actions: buffer.snapshot(), ProviderSessionID: providerSessionID, Err: err}
		}
		if !ok {
			return &Result{Actions: buffer.snapshot(), ProviderSessionID: providerSessionID}
		}

		if msg.SessionID != "" {
			providerSessionID = msg.SessionID
		}

		s.publishStreamMessage(opts, msg)

		if msg.Kind == transport.KindComplete || msg.Kind == transport.KindError {
			return &Result{Actions: buffer.snapshot(), ProviderSessionID: providerSessionID, Err: streamErr(msg)}
		}
	}
}

func streamErr(msg transport.StreamMessage) error {
	if msg.Kind == transport.KindError {
		return errors.New(msg.Error)
	}
	return nil
}

// newRetryBackoff mirrors internal/session/loop.go's policy: three
// retries, jittered exponential backoff, two-minute ceiling.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}

func (s *Session) publishStreamMessage(opts HandleOptions, msg transport.StreamMessage) {
	switch msg.Kind {
	case transport.KindText:
		s.publish(opts, broadcast.EventAgentResponse, broadcast.AgentResponsePayload{
			AgentID: s.role, Content: msg.Content, IsComplete: false,
		})
	case transport.KindThinking:
		s.publish(opts, broadcast.EventAgentThinking, broadcast.AgentThinkingPayload{
			AgentID: s.role, Content: msg.Content,
		})
	case transport.KindToolUse:
		status := broadcast.ToolRunning
		if s.loopGuard != nil && s.loopGuard.Check(s.InstanceID, msg.ToolName, msg.ToolInput) {
			status = broadcast.ToolStalled
		}
		s.publish(opts, broadcast.EventToolProgress, broadcast.ToolProgressPayload{
			AgentID: s.role, ToolName: msg.ToolName, Status: status,
		})
	case transport.KindToolResult:
		status := broadcast.ToolComplete
		if msg.Error != "" {
			status = broadcast.ToolError
		}
		s.publish(opts, broadcast.EventToolProgress, broadcast.ToolProgressPayload{
			AgentID: s.role, ToolName: msg.ToolName, Status: status,
		})
	case transport.KindComplete:
		s.publish(opts, broadcast.EventAgentResponse, broadcast.AgentResponsePayload{
			AgentID: s.role, IsComplete: true,
		})
	case transport.KindError:
		s.emitError(opts, msg.Error)
	}
}

func (s *Session) emitError(opts HandleOptions, message string) {
	s.publish(opts, broadcast.EventError, broadcast.ErrorPayload{Error: message})
}

func (s *Session) publish(opts HandleOptions, eventType broadcast.EventType, payload any) {
	event := broadcast.ServerEvent{Type: eventType, Payload: payload}
	s.hub.PublishToSession(event, s.SessionID)
	if s.transcript != nil {
		s.transcript.Append(TranscriptEntry{AgentID: s.role, MonitorID: opts.MonitorID, Event: event})
	}
}

// actionBuffer accumulates the actions recorded during one turn.
type actionBuffer struct {
	mu   sync.Mutex
	list []action.Action
}

func newActionBuffer() *actionBuffer { return &actionBuffer{} }

func (b *actionBuffer) add(a action.Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.list = append(b.list, a)
}

func (b *actionBuffer) snapshot() []action.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]action.Action(nil), b.list...)
}
