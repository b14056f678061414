package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corebank/ledger/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	EventTransactionCompleted = "transaction.completed"
	EventTransactionVoided    = "transaction.voided"
)

// Event is the message handed to the notification layer after a unit commits.
type Event struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	OccurredAt  time.Time           `json:"occurred_at"`
	PerformedBy string              `json:"performed_by"`
	Transaction *models.Transaction `json:"transaction"`
}

// EventPublisher delivers events outside the unit of work. Failures never
// affect the committed ledger state.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisPublisher appends events to a Redis list consumed by the notification layer.
type RedisPublisher struct {
	redis *redis.Client
	queue string
}

func NewRedisPublisher(client *redis.Client, queue string) *RedisPublisher {
	return &RedisPublisher{
		redis: client,
		queue: queue,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return p.redis.RPush(ctx, p.queue, string(data)).Err()
}

// NopPublisher drops every event. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// BreakerPublisher stops calling next after consecutive failures and tries
// it again once openFor has passed.
type BreakerPublisher struct {
	next    EventPublisher
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(next EventPublisher, logger *zap.Logger, failures uint32, openFor time.Duration) *BreakerPublisher {
	settings := gobreaker.Settings{
		Name:        "event-publisher",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerPublisher{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (p *BreakerPublisher) Publish(ctx context.Context, event Event) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, event)
	})
	return err
}

func (p *BreakerPublisher) State() gobreaker.State {
	return p.breaker.State()
}
