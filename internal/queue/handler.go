package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// MaxRetries is how often a failing message is retried before it is moved
// to the dead-letter queue.
const MaxRetries = 10

// ErrMalformedMessage marks messages that can never succeed. They skip the
// retry queue.
var ErrMalformedMessage = errors.New("malformed message")

// ScopeInvalidator is implemented by scope.Resolver.
type ScopeInvalidator interface {
	Invalidate(ctx context.Context, token string) error
	InvalidateAll(ctx context.Context) error
}

func ProcessScopeInvalidation(ctx context.Context, scopes ScopeInvalidator, msg []byte) error {
	var data ScopeInvalidation
	if err := json.Unmarshal(msg, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	token := strings.TrimSpace(data.Scope)

	switch {
	case data.All:
		logger.Info("[Queue] Invalidating all scopes")
		return scopes.InvalidateAll(ctx)
	case token != "":
		logger.Info("[Queue] Invalidating scope", "scope", token)
		return scopes.Invalidate(ctx, token)
	default:
		return fmt.Errorf("%w: scope or all is required", ErrMalformedMessage)
	}
}

func ProcessCacheInvalidation(ctx context.Context, caches map[string]cache.Cache, msg []byte) error {
	var data CacheInvalidation
	if err := json.Unmarshal(msg, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	c, ok := caches[data.Namespace]
	if !ok {
		return fmt.Errorf("%w: unknown cache namespace %q", ErrMalformedMessage, data.Namespace)
	}
	logger.Info("[Queue] Flushing cache", "namespace", data.Namespace)
	return c.Clear(ctx, "")
}

type basicPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

func retries(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError moves msg to the retry queue with an incremented
// x-retries header, or to the dead-letter queue once MaxRetries is reached
// or the message is malformed. The original delivery is acked after the
// copy was published and requeued otherwise.
func HandleProcessingError(ch basicPublisher, msg amqp091.Delivery, queueName string, procErr error) {
	n := retries(msg.Headers)

	if n >= MaxRetries || errors.Is(procErr, ErrMalformedMessage) {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName, "retries", n)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: msg.ContentType,
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(n + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: msg.ContentType,
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
