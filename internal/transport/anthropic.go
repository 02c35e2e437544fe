package transport

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic transport adapter.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// AnthropicTransport adapts the Anthropic Messages streaming API to the
// Transport contract. Grounded on the teacher's internal/provider's
// Anthropic adapter shape, with the Eino ChatModel indirection dropped
// in favor of calling anthropic-sdk-go directly — the broker runs its
// own agentic loop (internal/agentsession) and has no use for Eino's
// routing layer.
type AnthropicTransport struct {
	client  anthropic.Client
	cfg     AnthropicConfig
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// NewAnthropicTransport builds a transport bound to one API key/model.
func NewAnthropicTransport(cfg AnthropicConfig) (*AnthropicTransport, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("transport: ANTHROPIC_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicTransport{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (t *AnthropicTransport) Query(ctx context.Context, prompt string, opts Options) (MessageStream, error) {
	t.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.cfg.Model),
		MaxTokens: t.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.SystemPrompt}}
	}

	stream := t.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream, cancel: cancel}, nil
}

func (t *AnthropicTransport) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Steer is not supported by the Anthropic Messages API: a turn cannot
// be amended once the request has been sent.
func (t *AnthropicTransport) Steer(ctx context.Context, content string) bool { return false }

func (t *AnthropicTransport) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// anthropicStream adapts anthropic.Stream[MessageStreamEventUnion] to
// MessageStream, accumulating content-block deltas into text/tool_use
// frames the way the SDK's own MessageAccumulator does internally.
type anthropicStream struct {
	stream     *anthropic.Stream[anthropic.MessageStreamEventUnion]
	cancel     context.CancelFunc
	toolName   string
	toolID     string
	toolInput  string
	sessionID  string
}

func (s *anthropicStream) Recv(ctx context.Context) (StreamMessage, bool, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if tu, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				s.toolName = tu.Name
				s.toolID = tu.ID
				s.toolInput = ""
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				return StreamMessage{Kind: KindText, Content: delta.Text}, true, nil
			case anthropic.ThinkingDelta:
				return StreamMessage{Kind: KindThinking, Content: delta.Thinking}, true, nil
			case anthropic.InputJSONDelta:
				s.toolInput += delta.PartialJSON
			}
		case anthropic.ContentBlockStopEvent:
			if s.toolName != "" {
				msg := StreamMessage{
					Kind:     KindToolUse,
					ToolName: s.toolName,
					ToolID:   s.toolID,
				}
				s.toolName, s.toolID, s.toolInput = "", "", ""
				return msg, true, nil
			}
		case anthropic.MessageStopEvent:
			return StreamMessage{Kind: KindComplete, SessionID: s.sessionID}, true, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return StreamMessage{}, false, err
	}
	return StreamMessage{}, false, nil
}

func (s *anthropicStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.stream.Close()
}
