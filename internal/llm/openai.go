package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/metrics"
)

// OpenAIBackend talks to any OpenAI-compatible chat completion API.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

func NewOpenAI(cfg config.ModelConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Name,
	}
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	metrics.ModelRequestDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	completion := &Completion{Text: choice.Content}
	for _, tc := range choice.ToolCalls {
		call, err := decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		completion.ToolCalls = append(completion.ToolCalls, call)
	}
	return completion, nil
}

func (b *OpenAIBackend) Stream(ctx context.Context, req Request, onDelta func(text string)) (*Completion, error) {
	start := time.Now()
	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("opening completion stream: %w", err)
	}
	defer stream.Close()
	defer func() {
		metrics.ModelRequestDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	}()

	var (
		text    strings.Builder
		pending []openai.ToolCall
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receiving stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			onDelta(delta.Content)
		}

		// Tool calls arrive in fragments keyed by index; the id and name
		// come on the first fragment, argument JSON accretes after.
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(pending) <= idx {
				pending = append(pending, openai.ToolCall{})
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Function.Name = tc.Function.Name
			}
			pending[idx].Function.Arguments += tc.Function.Arguments
		}
	}

	completion := &Completion{Text: text.String()}
	for _, tc := range pending {
		call, err := decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		completion.ToolCalls = append(completion.ToolCalls, call)
	}
	return completion, nil
}

func (b *OpenAIBackend) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:  b.model,
		Stream: stream,
	}

	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.RawArguments,
				},
			})
		}
		out.Messages = append(out.Messages, m)
	}

	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return out
}

func decodeToolCall(id, name, rawArgs string) (ToolCall, error) {
	call := ToolCall{ID: id, Name: name, RawArguments: rawArgs}
	if strings.TrimSpace(rawArgs) == "" {
		call.Arguments = map[string]any{}
		return call, nil
	}
	if err := json.Unmarshal([]byte(rawArgs), &call.Arguments); err != nil {
		return ToolCall{}, fmt.Errorf("decoding tool call arguments for %s: %w", name, err)
	}
	return call, nil
}
