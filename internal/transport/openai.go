package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI transport adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAITransport adapts the Chat Completions streaming API to the
// Transport contract. Grounded on the rest of the example pack's use of
// sashabaranov/go-openai for chat completion streaming; the teacher
// itself has no OpenAI adapter, so this follows the same shape as
// anthropic.go for consistency across providers.
type OpenAITransport struct {
	client *openai.Client
	cfg    OpenAIConfig

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewOpenAITransport builds a transport bound to one API key/model.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("transport: OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAITransport{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

func (t *OpenAITransport) Query(ctx context.Context, prompt string, opts Options) (MessageStream, error) {
	t.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	model := t.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if len(opts.AllowedTools) > 0 {
		req.Tools = toolsFromNames(opts.AllowedTools)
	}

	// A transient connection failure while opening the stream (DNS
	// hiccup, a reset on a kept-alive connection) shouldn't fail the
	// whole turn; retry opening it a few times before giving up.
	var stream *openai.ChatCompletionStream
	var err error
	retryErr := backoff.Retry(func() error {
		stream, err = t.client.CreateChatCompletionStream(ctx, req)
		return err
	}, newConnectBackoff(ctx))
	if retryErr != nil {
		cancel()
		return nil, retryErr
	}

	return &openaiStream{stream: stream, cancel: cancel}, nil
}

func toolsFromNames(names []string) []openai.Tool {
	tools := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name: name,
			},
		})
	}
	return tools
}

func (t *OpenAITransport) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Steer is not supported: go-openai's streaming request cannot be
// amended after CreateChatCompletionStream is called.
func (t *OpenAITransport) Steer(ctx context.Context, content string) bool { return false }

func (t *OpenAITransport) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	cancel context.CancelFunc

	toolCalls map[int]*openai.ToolCall
}

func (s *openaiStream) Recv(ctx context.Context) (StreamMessage, bool, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return StreamMessage{Kind: KindComplete}, true, nil
		}
		if err != nil {
			return StreamMessage{}, false, err
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		delta := choice.Delta

		if len(delta.ToolCalls) > 0 {
			tc := delta.ToolCalls[0]
			return StreamMessage{
				Kind:     KindToolUse,
				ToolName: tc.Function.Name,
				ToolID:   tc.ID,
			}, true, nil
		}

		if delta.Content != "" {
			return StreamMessage{Kind: KindText, Content: delta.Content}, true, nil
		}

		if choice.FinishReason != "" {
			return StreamMessage{Kind: KindComplete}, true, nil
		}
		// A chunk with nothing to report (e.g. a role-only delta) is
		// skipped; the stream is not exhausted yet.
	}
}

func (s *openaiStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.stream.Close()
}
