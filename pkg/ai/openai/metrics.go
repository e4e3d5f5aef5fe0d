package openai

import "github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"

func (c *GraphOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{}
	c.metricsLock.Unlock()
}

// GetMetrics returns the usage since the last reset.
func (c *GraphOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

// recordGeneration counts one chat, completion or stream request.
func (c *GraphOpenAIClient) recordGeneration(m ai.ModelMetrics) {
	m.GenerationCalls = 1
	c.record(m)
}

// recordEmbedding counts one embedding request, which may carry a batch of
// inputs.
func (c *GraphOpenAIClient) recordEmbedding(m ai.ModelMetrics) {
	m.EmbeddingCalls = 1
	c.record(m)
}

func (c *GraphOpenAIClient) record(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.Add(m)
}
