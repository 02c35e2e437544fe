package agentsession

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/broadcast"
	"github.com/deskagent/broker/internal/limiter"
	"github.com/deskagent/broker/internal/transport"
	"github.com/deskagent/broker/internal/windowstate"
)

func newTestSession(t *testing.T, mock *transport.MockTransport) (*Session, *action.Bus, *broadcast.Hub) {
	t.Helper()
	bus := action.NewBus()
	hub := broadcast.NewHub()
	lim := limiter.New(2)
	s := New("session-1", mock, lim, bus, hub, windowstate.New(), nil, zerolog.Nop())
	return s, bus, hub
}

func TestHandleMessageStreamsTextAndCompletes(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.Script(
		transport.StreamMessage{Kind: transport.KindText, Content: "hi there"},
		transport.StreamMessage{Kind: transport.KindComplete, SessionID: "thread-1"},
	)
	s, _, hub := newTestSession(t, mock)

	conn := &captureLink{}
	hub.Subscribe("conn-1", conn, "session-1")

	result, err := s.HandleMessage(context.Background(), "hello", HandleOptions{Role: "main", MonitorID: "monitor-0"})
	require.NoError(t, err)
	assert.Equal(t, "thread-1", result.ProviderSessionID)

	events := conn.received()
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.EventAgentResponse, events[0].Type)
	assert.Equal(t, broadcast.EventAgentResponse, events[1].Type)
}

func TestHandleMessageReleasesSlotOnCompletion(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.Script(transport.StreamMessage{Kind: transport.KindComplete})
	s, _, _ := newTestSession(t, mock)

	_, err := s.HandleMessage(context.Background(), "hello", HandleOptions{Role: "main"})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, s.limiter.Stats().Current)
}

func TestHandleMessageRejectsConcurrentTurns(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.Script() // empty stream, completes immediately via ok=false
	s, _, _ := newTestSession(t, mock)

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	_, err := s.HandleMessage(context.Background(), "hello", HandleOptions{Role: "main"})
	assert.Error(t, err)
}

// emittingTransport emits a fixed action onto the bus, tagged with
// agentID, as part of serving Query — standing in for a tool
// invocation that runs synchronously inside a real provider's tool-use
// turn.
type emittingTransport struct {
	bus     *action.Bus
	agentID string
	action  action.Action
}

func (e *emittingTransport) Query(ctx context.Context, prompt string, opts transport.Options) (transport.MessageStream, error) {
	e.bus.Emit(action.Envelope{Action: e.action, AgentID: e.agentID})
	return &fixedStream{frames: []transport.StreamMessage{{Kind: transport.KindComplete}}}, nil
}
func (e *emittingTransport) Interrupt()                                  {}
func (e *emittingTransport) Steer(ctx context.Context, content string) bool { return false }
func (e *emittingTransport) Dispose()                                    {}

type fixedStream struct {
	frames []transport.StreamMessage
	pos    int
}

func (f *fixedStream) Recv(ctx context.Context) (transport.StreamMessage, bool, error) {
	if f.pos >= len(f.frames) {
		return transport.StreamMessage{}, false, nil
	}
	msg := f.frames[f.pos]
	f.pos++
	return msg, true, nil
}
func (f *fixedStream) Close() {}

func TestBridgeRecordsActionsAndAppliesToWindowState(t *testing.T) {
	bus := action.NewBus()
	hub := broadcast.NewHub()
	lim := limiter.New(1)
	windowReg := windowstate.New()

	s := New("session-1", nil, lim, bus, hub, windowReg, nil, zerolog.Nop())
	s.Transport = &emittingTransport{bus: bus, agentID: s.InstanceID, action: &action.WindowCreate{WindowID: "w1", Title: "Browser"}}

	_, err := s.HandleMessage(context.Background(), "open a browser", HandleOptions{Role: "main"})
	require.NoError(t, err)

	w, ok := windowReg.Get("w1")
	assert.True(t, ok)
	assert.Equal(t, "Browser", w.Title)
}

func TestBridgeFiltersEnvelopesForOtherAgents(t *testing.T) {
	bus := action.NewBus()
	hub := broadcast.NewHub()
	lim := limiter.New(1)
	windowReg := windowstate.New()

	s := New("session-1", nil, lim, bus, hub, windowReg, nil, zerolog.Nop())
	s.Transport = &emittingTransport{bus: bus, agentID: "some-other-agent", action: &action.WindowCreate{WindowID: "w1"}}

	conn := &captureLink{}
	hub.Subscribe("conn-1", conn, "session-1")

	_, err := s.HandleMessage(context.Background(), "hello", HandleOptions{Role: "main"})
	require.NoError(t, err)

	_, ok := windowReg.Get("w1")
	assert.False(t, ok, "action tagged for a different agent must not be applied")

	for _, e := range conn.received() {
		assert.NotEqual(t, broadcast.EventActions, e.Type)
	}
}

func TestInterruptPropagatesToTransport(t *testing.T) {
	mock := transport.NewMockTransport()
	s, _, _ := newTestSession(t, mock)

	s.Interrupt()
	assert.True(t, mock.Interrupted())
}

type captureLink struct {
	events []broadcast.ServerEvent
}

func (c *captureLink) Send(event broadcast.ServerEvent) bool {
	c.events = append(c.events, event)
	return true
}

func (c *captureLink) Close() {}

func (c *captureLink) received() []broadcast.ServerEvent {
	return append([]broadcast.ServerEvent(nil), c.events...)
}
