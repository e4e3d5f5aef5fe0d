package ollama

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/tokenizer"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDimensions     = 4096
	defaultMaxConcurrency = 4
	defaultTimeout        = 10 * time.Minute

	// Ollama defaults num_ctx to 4096; larger prompts are truncated silently.
	defaultContextWindow = 4096
	contextHeadroom      = 200
)

// GraphOllamaClient implements the ai.GraphAIClient interface using Ollama as the backend.
type GraphOllamaClient struct {
	chatModel      string
	embeddingModel string
	embeddingDim   int
	timeout        time.Duration

	reqLock *semaphore.Weighted
	tok     tokenizer.Tokenizer

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewGraphOllamaClientParams contains configuration options for creating a new GraphOllamaClient.
type NewGraphOllamaClientParams struct {
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
	Timeout               time.Duration

	// Tokenizer estimates prompt sizes for num_ctx. Defaults to the heuristic counter.
	Tokenizer tokenizer.Tokenizer
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewGraphOllamaClient creates a new Ollama-based AI client with the specified configuration.
// It connects to the Ollama server at the given BaseURL (or the default if empty).
func NewGraphOllamaClient(
	params NewGraphOllamaClientParams,
) (*GraphOllamaClient, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	headers := map[string]string{}
	if params.ApiKey != "" {
		headers["Authorization"] = "Bearer " + params.ApiKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: headers,
			rt:      http.DefaultTransport,
		},
	}

	concurrency := params.MaxConcurrentRequests
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	dim := params.EmbeddingDim
	if dim <= 0 {
		dim = defaultDimensions
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tok := params.Tokenizer
	if tok == nil {
		tok = tokenizer.Heuristic{}
	}

	return &GraphOllamaClient{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   dim,
		timeout:        timeout,

		reqLock: semaphore.NewWeighted(concurrency),
		tok:     tok,

		Client: api.NewClient(u, httpClient),
	}, nil
}

// ChatModel returns the default chat model.
func (c *GraphOllamaClient) ChatModel() string {
	return c.chatModel
}

// contextWindow returns the num_ctx needed for the given messages, or 0 when
// Ollama's default window is large enough.
func (c *GraphOllamaClient) contextWindow(msgs []api.Message) int {
	tokens := contextHeadroom
	for _, m := range msgs {
		tokens += c.tok.Count(m.Content)
	}
	if tokens > defaultContextWindow {
		return tokens
	}
	return 0
}
