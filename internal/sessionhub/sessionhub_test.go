package sessionhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/broadcast"
	"github.com/deskagent/broker/internal/contextpool"
	"github.com/deskagent/broker/internal/limiter"
	"github.com/deskagent/broker/internal/transport"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	reg := transport.NewRegistry()
	reg.Register("mock", func(ctx context.Context) (transport.Transport, error) {
		mock := transport.NewMockTransport()
		mock.Script(transport.StreamMessage{Kind: transport.KindComplete})
		return mock, nil
	})
	return Deps{
		Registry:    reg,
		Limiter:     limiter.New(4),
		Bus:         action.NewBus(),
		Broadcast:   broadcast.NewHub(),
		MaxEntries:  10,
		IdleTimeout: time.Hour, // sweep disabled for most tests below
		Log:         zerolog.Nop(),
	}
}

func TestGetOrCreateBuildsSessionWithDefaultMonitorReady(t *testing.T) {
	h := New(newTestDeps(t))
	defer h.Close()

	s, err := h.GetOrCreate(context.Background(), "session-1", 1000)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.Pool.HasMainAgent(contextpool.DefaultMonitorID))
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	h := New(newTestDeps(t))
	defer h.Close()

	s1, err := h.GetOrCreate(context.Background(), "session-1", 1000)
	require.NoError(t, err)
	s2, err := h.GetOrCreate(context.Background(), "session-1", 1000)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestGetOrCreateConcurrentCallsShareOneInstance(t *testing.T) {
	h := New(newTestDeps(t))
	defer h.Close()

	const n = 16
	results := make([]*Session, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			s, err := h.GetOrCreate(context.Background(), "session-shared", 1000)
			require.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestGetReturnsFalseForUnknownSession(t *testing.T) {
	h := New(newTestDeps(t))
	defer h.Close()

	_, ok := h.Get("nope")
	assert.False(t, ok)
}

func TestRetireDisposesPoolAndClearsBroadcastState(t *testing.T) {
	deps := newTestDeps(t)
	h := New(deps)
	defer h.Close()

	s, err := h.GetOrCreate(context.Background(), "session-1", 1000)
	require.NoError(t, err)

	deps.Broadcast.Subscribe("conn-1", noopLink{}, "session-1")
	require.Equal(t, 1, deps.Broadcast.ConnectionCount("session-1"))

	h.Retire("session-1")

	assert.False(t, s.Pool.HasMainAgent(contextpool.DefaultMonitorID))
	_, ok := h.Get("session-1")
	assert.False(t, ok)
	assert.Equal(t, 0, deps.Broadcast.ConnectionCount("session-1"))
}

func TestSweepRetiresOnlyIdleSessionsWithNoConnections(t *testing.T) {
	deps := newTestDeps(t)
	h := New(deps)
	defer h.Close()

	_, err := h.GetOrCreate(context.Background(), "idle", 0)
	require.NoError(t, err)
	_, err = h.GetOrCreate(context.Background(), "active-conn", 0)
	require.NoError(t, err)
	recent, err := h.GetOrCreate(context.Background(), "recent", 0)
	require.NoError(t, err)

	deps.Broadcast.Subscribe("conn-1", noopLink{}, "active-conn")
	recent.Touch(1000)

	h.deps.IdleTimeout = 500 * time.Millisecond
	h.sweepOnce(1000)

	_, ok := h.Get("idle")
	assert.False(t, ok, "idle session with no connections should retire")

	_, ok = h.Get("active-conn")
	assert.True(t, ok, "session with an open connection should survive")

	_, ok = h.Get("recent")
	assert.True(t, ok, "recently touched session should survive")
}

type noopLink struct{}

func (noopLink) Send(broadcast.ServerEvent) bool { return true }
func (noopLink) Close()                          {}
