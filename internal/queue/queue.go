package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/util"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ScopeInvalidationQueue = "scope_invalidation_queue"
	CacheInvalidationQueue = "cache_invalidation_queue"
)

// Queues lists every queue the worker consumes.
var Queues = []string{ScopeInvalidationQueue, CacheInvalidationQueue}

const retryDelayMs = 10000

// Init dials RabbitMQ from the RABBITMQ_* variables, retrying while the
// broker starts up.
func Init(ctx context.Context) (*amqp091.Connection, error) {
	user := util.GetEnvString("RABBITMQ_USER", "guest")
	pass := util.GetEnvString("RABBITMQ_PASSWORD", "guest")
	host := util.GetEnvString("RABBITMQ_HOST", "localhost")
	port := util.GetEnvString("RABBITMQ_PORT", "5672")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := util.RetryWithBackoff(ctx, 5, time.Second, func(ctx context.Context) (*amqp091.Connection, error) {
		conn, err := amqp091.Dial(connURL)
		if err != nil {
			logger.Warn("RabbitMQ not reachable yet", "host", host, "err", err)
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// SetupQueues declares each queue with its dead-letter queue and a retry
// queue that routes messages back after retryDelayMs.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare %s: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(retryDelayMs),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("declare %s: %w", retryName, err)
		}
	}

	return nil
}

// ScopeInvalidation drops one cached scope, or all of them when All is set.
type ScopeInvalidation struct {
	Scope string `json:"scope,omitempty"`
	All   bool   `json:"all,omitempty"`
}

// CacheInvalidation flushes one cache namespace.
type CacheInvalidation struct {
	Namespace string `json:"namespace"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Publisher sends invalidation messages. A channel is not safe for
// concurrent publishing, so calls are serialized.
type Publisher struct {
	mu sync.Mutex
	ch publisher
}

func NewPublisher(ch *amqp091.Channel) *Publisher {
	return &Publisher{ch: ch}
}

func (p *Publisher) publishJSON(ctx context.Context, queueName string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublishFIFO(ctx, p.ch, queueName, data)
}

func (p *Publisher) InvalidateScope(ctx context.Context, token string) error {
	return p.publishJSON(ctx, ScopeInvalidationQueue, ScopeInvalidation{Scope: token})
}

func (p *Publisher) InvalidateAllScopes(ctx context.Context) error {
	return p.publishJSON(ctx, ScopeInvalidationQueue, ScopeInvalidation{All: true})
}

func (p *Publisher) FlushCache(ctx context.Context, namespace string) error {
	return p.publishJSON(ctx, CacheInvalidationQueue, CacheInvalidation{Namespace: namespace})
}

// PublishFIFO sends data to queueName through the default exchange.
func PublishFIFO(ctx context.Context, ch publisher, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		publishing,
	)
}
