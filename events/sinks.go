package events

import (
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v2/pkg/amqp"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Logger returns the watermill logger used by the sinks and the consumer.
func Logger(debug bool) watermill.LoggerAdapter {
	return watermill.NewStdLogger(debug, false)
}

// NewInProcess creates the in-process pub/sub feeding the ledger consumer.
func NewInProcess(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
}

// NewAMQPPublisher creates a durable-queue publisher on the broker at uri.
func NewAMQPPublisher(uri string, logger watermill.LoggerAdapter) (*amqp.Publisher, error) {
	return amqp.NewPublisher(amqp.NewDurableQueueConfig(uri), logger)
}

// NewWebhookPublisher creates a publisher that POSTs each message to the topic,
// which must be the webhook URL.
func NewWebhookPublisher(timeout time.Duration, logger watermill.LoggerAdapter) (*watermillhttp.Publisher, error) {
	return watermillhttp.NewPublisher(watermillhttp.PublisherConfig{
		MarshalMessageFunc: watermillhttp.DefaultMarshalMessageFunc,
		Client:             &http.Client{Timeout: timeout},
	}, logger)
}
