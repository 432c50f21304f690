package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	x402 "github.com/becomeliminal/x402-router"
)

func testFailure() x402.SettlementFailure {
	return x402.SettlementFailure{
		ID:         "7d8f3c1e-0000-4000-8000-000000000001",
		Route:      "GET /api/weather",
		Network:    "eip155:324705682",
		Payer:      "0x1111111111111111111111111111111111111111",
		Amount:     "100000",
		PayTo:      "0x2222222222222222222222222222222222222222",
		Reason:     "context deadline exceeded",
		Abandoned:  true,
		OccurredAt: time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReporterPublishesFailure(t *testing.T) {
	pubSub := NewInProcess(watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(context.Background(), TopicSettlementFailed)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	NewReporter(pubSub, TopicSettlementFailed, discardLogger()).SettlementFailed(context.Background(), testFailure())

	select {
	case msg := <-messages:
		msg.Ack()
		failure, err := DecodeFailure(msg)
		if err != nil {
			t.Fatalf("DecodeFailure failed: %v", err)
		}
		if failure.ID != testFailure().ID || failure.Amount != "100000" || !failure.Abandoned {
			t.Errorf("unexpected failure %+v", failure)
		}
		if got := middleware.MessageCorrelationID(msg); got != testFailure().ID {
			t.Errorf("expected correlation id %s, got %s", testFailure().ID, got)
		}
		if msg.Metadata.Get(MetadataRoute) != "GET /api/weather" || msg.Metadata.Get(MetadataAbandoned) != "true" {
			t.Errorf("unexpected metadata %v", msg.Metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.calls++
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error { return nil }

func TestReporterSwallowsPublishErrors(t *testing.T) {
	publisher := &failingPublisher{}
	NewReporter(publisher, TopicSettlementFailed, discardLogger()).SettlementFailed(context.Background(), testFailure())
	if publisher.calls != 1 {
		t.Errorf("expected one publish attempt, got %d", publisher.calls)
	}
}

type blockingPublisher struct {
	release chan struct{}
	ctxErr  chan error
}

func (p *blockingPublisher) Publish(topic string, messages ...*message.Message) error {
	<-messages[0].Context().Done()
	p.ctxErr <- messages[0].Context().Err()
	<-p.release
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

func TestReporterBoundsSlowPublisher(t *testing.T) {
	publisher := &blockingPublisher{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	defer close(publisher.release)

	start := time.Now()
	NewReporter(publisher, TopicSettlementFailed, discardLogger(), WithPublishTimeout(20*time.Millisecond)).
		SettlementFailed(context.Background(), testFailure())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("reporter waited %s on a stuck publisher", elapsed)
	}

	select {
	case err := <-publisher.ctxErr:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected the message context to expire, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("message context was never cancelled")
	}
}

type recordingReporter struct {
	got []x402.SettlementFailure
}

func (r *recordingReporter) SettlementFailed(ctx context.Context, failure x402.SettlementFailure) {
	r.got = append(r.got, failure)
}

func TestReportersFanOut(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	Reporters{a, b}.SettlementFailed(context.Background(), testFailure())
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("expected both reporters to receive the failure, got %d and %d", len(a.got), len(b.got))
	}
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	attempts int
	stored   []x402.SettlementFailure
}

func (s *flakySink) Append(ctx context.Context, failure x402.SettlementFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("store unavailable")
	}
	s.stored = append(s.stored, failure)
	return nil
}

func (s *flakySink) snapshot() (int, []x402.SettlementFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([]x402.SettlementFailure(nil), s.stored...)
}

func runConsumer(t *testing.T, sink Sink) (message.Publisher, func()) {
	t.Helper()
	pubSub := NewInProcess(watermill.NopLogger{})

	router, err := NewConsumer(ConsumerConfig{InitialInterval: time.Millisecond}, pubSub, sink, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := router.Run(ctx); err != nil {
			t.Errorf("router stopped: %v", err)
		}
	}()
	<-router.Running()

	return pubSub, func() {
		cancel()
		<-done
		pubSub.Close()
	}
}

func waitForStored(t *testing.T, sink *flakySink, want int) []x402.SettlementFailure {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, stored := sink.snapshot(); len(stored) >= want {
			return stored
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d stored failures", want)
	return nil
}

func TestConsumerStoresFailures(t *testing.T) {
	sink := &flakySink{}
	publisher, stop := runConsumer(t, sink)
	defer stop()

	NewReporter(publisher, TopicSettlementFailed, discardLogger()).SettlementFailed(context.Background(), testFailure())

	stored := waitForStored(t, sink, 1)
	if stored[0].ID != testFailure().ID || stored[0].Payer != testFailure().Payer {
		t.Errorf("unexpected stored failure %+v", stored[0])
	}
}

func TestConsumerRetriesSinkErrors(t *testing.T) {
	sink := &flakySink{failures: 2}
	publisher, stop := runConsumer(t, sink)
	defer stop()

	NewReporter(publisher, TopicSettlementFailed, discardLogger()).SettlementFailed(context.Background(), testFailure())

	stored := waitForStored(t, sink, 1)
	attempts, _ := sink.snapshot()
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(stored) != 1 {
		t.Errorf("expected the failure to be stored once, got %d", len(stored))
	}
}

func TestConsumerDropsUndecodableMessages(t *testing.T) {
	sink := &flakySink{}
	publisher, stop := runConsumer(t, sink)
	defer stop()

	if err := publisher.Publish(TopicSettlementFailed, message.NewMessage(watermill.NewUUID(), []byte("not json"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	NewReporter(publisher, TopicSettlementFailed, discardLogger()).SettlementFailed(context.Background(), testFailure())

	stored := waitForStored(t, sink, 1)
	if len(stored) != 1 || stored[0].ID != testFailure().ID {
		t.Errorf("unexpected stored failures %+v", stored)
	}
}
