// Package transport defines the Provider Transport contract: an
// abstraction over a streaming model API, specified here as an interface
// per spec.md §4.2 ("express as a tagged variant or a narrow interface;
// do not inherit"). Concrete adapters live in anthropic.go and openai.go;
// mock.go backs tests.
package transport

import "context"

// MessageKind discriminates StreamMessage variants.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindThinking   MessageKind = "thinking"
	KindToolUse    MessageKind = "tool_use"
	KindToolResult MessageKind = "tool_result"
	KindComplete   MessageKind = "complete"
	KindError      MessageKind = "error"
)

// StreamMessage is one frame of a provider's response stream.
type StreamMessage struct {
	Kind MessageKind

	// text / thinking
	Content string

	// tool_use
	ToolName  string
	ToolID    string
	ToolInput map[string]any

	// tool_result
	ToolResultContent string

	// complete / text / error: the provider's own thread id, once known.
	SessionID string

	// error
	Error string
}

// Image is a base64-encoded image attachment on a prompt.
type Image struct {
	MediaType string
	Data      string // base64
}

// Options configures one Query call.
type Options struct {
	SystemPrompt  string
	Model         string
	SessionID     string // continue this thread when ForkSession is false
	ForkSession   bool   // fork SessionID into a new child thread
	ResumeThread  string
	Images        []Image
	MonitorID     string
	AgentID       string
	AllowedTools  []string
}

// MessageStream is a lazy, pull-based sequence of StreamMessage values.
// Recv returns (nil, io.EOF)-equivalent via ok=false once the stream is
// exhausted; a non-nil err indicates the stream itself failed (the Agent
// Session converts this into a terminal error event).
type MessageStream interface {
	Recv(ctx context.Context) (msg StreamMessage, ok bool, err error)
	Close()
}

// Transport is the narrow, provider-agnostic contract every concrete
// adapter implements: four operations (Query, Interrupt, Steer, Dispose),
// with forking and resuming a thread carried as Query options.
type Transport interface {
	// Query starts a new turn and returns a lazy stream of messages.
	Query(ctx context.Context, prompt string, opts Options) (MessageStream, error)

	// Interrupt cancels the in-flight Query. Idempotent; safe to call
	// from any goroutine, including one other than the one consuming
	// the stream.
	Interrupt()

	// Steer injects additional input into an active turn, if the
	// provider supports it. Returns whether the input was accepted.
	Steer(ctx context.Context, content string) bool

	// Dispose releases transport-held resources. Query must not be
	// called after Dispose returns.
	Dispose()
}

// Factory constructs a fresh Transport bound to one provider identity
// (e.g. "anthropic", "openai"). Registries keep a small pool of warm,
// pre-authenticated instances keyed by provider identity (spec.md §4.2).
type Factory func(ctx context.Context) (Transport, error)
