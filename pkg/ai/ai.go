package ai

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// ChatMessage represents a single message in a chat conversation.
// It is used when generating multi-turn chat completions.
//
// Role must be one of:
//   - "user"      → a user-provided message
//   - "assistant" → a message from the AI assistant
type ChatMessage struct {
	Message string `json:"message" validate:"required"`
	Role    string `json:"role" validate:"required,oneof=user assistant"`
}

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model         string   // Model identifier to use for generation
	SystemPrompts []string // System prompts prepended to the request
	Temperature   float64  // Sampling temperature (0.0-2.0)
	Thinking      string   // Extended thinking mode configuration
}

// ModelMetrics accumulates token usage of generation and embedding calls.
type ModelMetrics struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	TotalTokens     int     `json:"total_tokens"`
	DurationMs      int64   `json:"duration_ms"`
	TokenPerSecond  float32 `json:"tokens_per_second"`
	GenerationCalls int     `json:"generation_calls"`
	EmbeddingCalls  int     `json:"embedding_calls"`
}

// Add folds o into m and recomputes the throughput over the summed
// duration.
func (m *ModelMetrics) Add(o ModelMetrics) {
	m.InputTokens += o.InputTokens
	m.OutputTokens += o.OutputTokens
	m.TotalTokens += o.TotalTokens
	m.DurationMs += o.DurationMs
	m.GenerationCalls += o.GenerationCalls
	m.EmbeddingCalls += o.EmbeddingCalls

	if m.DurationMs > 0 {
		tps := (float64(m.TotalTokens) * 1000.0) / float64(m.DurationMs)
		m.TokenPerSecond = float32(math.Round(tps*100) / 100)
	}
}

// StreamEvent represents an event in a streaming response
type StreamEvent struct {
	Type      string // "step" | "content" | "error"
	Step      string // step name (when Type="step")
	Content   string // text content (when Type="content")
	Reasoning string // reasoning content (when Step="thinking")
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithThinking returns a GenerateOption that enables extended thinking mode.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// GraphAIClient defines the AI capabilities used while answering a query:
// keyword extraction (structured completion), reranking, embeddings for the
// query and its keywords, and the final answer generation.
type GraphAIClient interface {
	GenerateCompletion(
		ctx context.Context,
		prompt string,
		opts ...GenerateOption,
	) (string, error)
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error

	GenerateChat(
		ctx context.Context,
		messages []ChatMessage,
		opts ...GenerateOption,
	) (string, error)
	GenerateChatStream(
		ctx context.Context,
		messages []ChatMessage,
		opts ...GenerateOption,
	) (<-chan StreamEvent, error)

	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)

	ResetMetrics()
	GetMetrics() ModelMetrics
}

// EmbeddingBatcher is implemented by clients that can embed several inputs
// in a single request.
type EmbeddingBatcher interface {
	GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error)
}

// ModelNamer is implemented by clients that can report the chat model they
// default to. It is used to key caches per model.
type ModelNamer interface {
	ChatModel() string
}

// GenerateEmbeddings embeds all inputs, using the batch endpoint when the
// client offers one and falling back to concurrent single requests.
func GenerateEmbeddings(
	ctx context.Context,
	client GraphAIClient,
	inputs [][]byte,
) ([][]float32, error) {
	if client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	if b, ok := client.(EmbeddingBatcher); ok {
		return b.GenerateEmbeddings(ctx, inputs)
	}

	out := make([][]float32, len(inputs))

	eg, ectx := errgroup.WithContext(ctx)
	for i := range inputs {
		idx := i
		in := inputs[i]
		eg.Go(func() error {
			emb, err := client.GenerateEmbedding(ectx, in)
			if err != nil {
				return err
			}
			out[idx] = emb
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
