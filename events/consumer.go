package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	x402 "github.com/becomeliminal/x402-router"
)

// Sink stores consumed failures.
type Sink interface {
	Append(ctx context.Context, failure x402.SettlementFailure) error
}

// ConsumerConfig tunes the ledger consumer.
type ConsumerConfig struct {
	Topic           string
	MaxRetries      int
	InitialInterval time.Duration
}

func (c *ConsumerConfig) defaults() {
	if c.Topic == "" {
		c.Topic = TopicSettlementFailed
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
}

// NewConsumer builds a router that appends every failure on the topic to sink.
// Undecodable messages are dropped; sink errors are retried with backoff.
func NewConsumer(cfg ConsumerConfig, subscriber message.Subscriber, sink Sink, logger watermill.LoggerAdapter) (*message.Router, error) {
	cfg.defaults()

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.InitialInterval,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
			Logger:          logger,
		}.Middleware,
		middleware.Recoverer,
	)

	router.AddNoPublisherHandler(
		"settlement_failure_ledger",
		cfg.Topic,
		subscriber,
		func(msg *message.Message) error {
			failure, err := DecodeFailure(msg)
			if err != nil {
				logger.Error("dropping undecodable settlement failure", err, watermill.LogFields{"message_uuid": msg.UUID})
				return nil
			}
			if err := sink.Append(msg.Context(), failure); err != nil {
				return fmt.Errorf("failed to store settlement failure %s: %w", failure.ID, err)
			}
			return nil
		},
	)

	return router, nil
}
