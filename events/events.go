// Package events publishes settlement failures on a watermill side channel and
// consumes them into an operator ledger.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"

	x402 "github.com/becomeliminal/x402-router"
)

// TopicSettlementFailed carries settlement failures that happened after the
// protected handler already responded.
const TopicSettlementFailed = "x402.settlement_failed"

// Metadata keys set on published messages.
const (
	MetadataRoute     = "route"
	MetadataNetwork   = "network"
	MetadataAbandoned = "abandoned"
)

// DefaultPublishTimeout bounds how long a reporter waits on the publisher.
const DefaultPublishTimeout = 5 * time.Second

// Reporter implements x402.SettlementReporter on top of a watermill publisher.
// Publish errors are logged and dropped; the response is already delivered.
type Reporter struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
	timeout   time.Duration
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithPublishTimeout sets how long SettlementFailed waits for the publisher.
// A publish still running at the deadline finishes in the background.
func WithPublishTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.timeout = d
	}
}

// NewReporter creates a reporter publishing to topic. For the HTTP webhook
// publisher the topic is the target URL.
func NewReporter(publisher message.Publisher, topic string, logger *slog.Logger, opts ...ReporterOption) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{publisher: publisher, topic: topic, logger: logger, timeout: DefaultPublishTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SettlementFailed publishes the failure, waiting at most the publish timeout.
func (r *Reporter) SettlementFailed(ctx context.Context, failure x402.SettlementFailure) {
	msg, err := NewFailureMessage(failure)
	if err != nil {
		r.logger.Error("failed to encode settlement failure", "failure_id", failure.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	msg.SetContext(ctx)

	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- r.publisher.Publish(r.topic, msg)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		default:
			r.logger.Error("gave up publishing settlement failure",
				"failure_id", failure.ID, "topic", r.topic, "error", ctx.Err())
			return
		}
	}
	if err != nil {
		r.logger.Error("failed to publish settlement failure",
			"failure_id", failure.ID, "topic", r.topic, "error", err)
	}
}

// NewFailureMessage encodes a failure as a watermill message. The failure ID
// doubles as the correlation ID.
func NewFailureMessage(failure x402.SettlementFailure) (*message.Message, error) {
	payload, err := json.Marshal(failure)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	middleware.SetCorrelationID(failure.ID, msg)
	msg.Metadata.Set(MetadataRoute, failure.Route)
	msg.Metadata.Set(MetadataNetwork, failure.Network)
	if failure.Abandoned {
		msg.Metadata.Set(MetadataAbandoned, "true")
	}
	return msg, nil
}

// DecodeFailure reads a failure back from a message.
func DecodeFailure(msg *message.Message) (x402.SettlementFailure, error) {
	var failure x402.SettlementFailure
	err := json.Unmarshal(msg.Payload, &failure)
	return failure, err
}

// Reporters fans a failure out to several reporters.
type Reporters []x402.SettlementReporter

// SettlementFailed implements x402.SettlementReporter.
func (rs Reporters) SettlementFailed(ctx context.Context, failure x402.SettlementFailure) {
	for _, r := range rs {
		r.SettlementFailed(ctx, failure)
	}
}
