package openai

import (
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDimensions     = 4096
	defaultMaxConcurrency = 8
	defaultTimeout        = 5 * time.Minute
)

// GraphOpenAIClient talks to OpenAI compatible endpoints. Chat and embedding
// traffic can point at different providers.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	chatModel      string
	embeddingModel string
	embeddingDim   int

	chatURL string
	timeout time.Duration

	chatLock      *semaphore.Weighted
	embeddingLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewGraphOpenAIClientParams defines the configuration parameters for
// creating a new GraphOpenAIClient.
//
// ChatModel is used for keyword extraction, reranking and answers.
// EmbeddingDim pads or truncates every returned vector.
// MaxConcurrentRequests bounds in-flight requests per endpoint.
type NewGraphOpenAIClientParams struct {
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	MaxConcurrentRequests int64
	Timeout               time.Duration
}

// NewGraphOpenAIClient creates and returns a new GraphOpenAIClient.
//
// Example:
//
//	client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		ChatModel:      "gpt-4o-mini",
//		EmbeddingModel: "text-embedding-3-small",
//		EmbeddingDim:   1536,
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//		EmbeddingKey:   os.Getenv("OPENAI_API_KEY"),
//	})
func NewGraphOpenAIClient(
	params NewGraphOpenAIClientParams,
) *GraphOpenAIClient {
	dim := params.EmbeddingDim
	if dim <= 0 {
		dim = defaultDimensions
	}
	concurrency := params.MaxConcurrentRequests
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &GraphOpenAIClient{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   dim,

		chatURL: params.ChatURL,
		timeout: timeout,

		chatLock:      semaphore.NewWeighted(concurrency),
		embeddingLock: semaphore.NewWeighted(concurrency),

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

// ChatModel returns the default chat model.
func (c *GraphOpenAIClient) ChatModel() string {
	return c.chatModel
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
