package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTransportPlaysBackScriptedFrames(t *testing.T) {
	m := NewMockTransport()
	m.Script(
		StreamMessage{Kind: KindText, Content: "hello"},
		StreamMessage{Kind: KindToolUse, ToolName: "window.create", ToolID: "t1"},
		StreamMessage{Kind: KindComplete},
	)

	stream, err := m.Query(context.Background(), "hi", Options{})
	require.NoError(t, err)
	defer stream.Close()

	var kinds []MessageKind
	for {
		msg, ok, err := stream.Recv(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		kinds = append(kinds, msg.Kind)
	}

	assert.Equal(t, []MessageKind{KindText, KindToolUse, KindComplete}, kinds)
}

func TestMockTransportInterruptAndDispose(t *testing.T) {
	m := NewMockTransport()
	assert.False(t, m.Interrupted())
	m.Interrupt()
	assert.True(t, m.Interrupted())

	assert.False(t, m.Disposed())
	m.Dispose()
	assert.True(t, m.Disposed())
}

func TestMockTransportSteerRecordsMessages(t *testing.T) {
	m := NewMockTransport()
	ok := m.Steer(context.Background(), "keep going")
	assert.True(t, ok)
	assert.Equal(t, []string{"keep going"}, m.SteeredMessages())
}

func TestRegistryResolvesDefaultProvider(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("anthropic", func(ctx context.Context) (Transport, error) {
		calls++
		return NewMockTransport(), nil
	})

	tr, err := r.New(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, 1, calls)

	_, err = r.New(context.Background(), "unknown")
	var unknownErr *ErrUnknownProvider
	assert.ErrorAs(t, err, &unknownErr)
}
