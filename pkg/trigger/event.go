package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscription is an active subject subscription
type Subscription interface {
	Unsubscribe() error
}

// Subscriber delivers message payloads published on a subject
type Subscriber interface {
	Subscribe(subject string, handler func(payload []byte)) (Subscription, error)
}

// NATSSubscriber adapts a core NATS connection to Subscriber
type NATSSubscriber struct {
	Conn *nats.Conn
}

// Subscribe subscribes to subject on the NATS connection
func (s NATSSubscriber) Subscribe(subject string, handler func(payload []byte)) (Subscription, error) {
	if s.Conn == nil {
		return nil, fmt.Errorf("nats connection is nil")
	}
	sub, err := s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// EventTrigger fires once per event received on a subject. Events that
// arrive while a fire is running are coalesced into one follow-up fire
// carrying the latest payload.
type EventTrigger struct {
	subscriber Subscriber
	subject    string
	logger     *zap.Logger

	mu      sync.Mutex
	sub     Subscription
	cancel  context.CancelFunc
	done    chan struct{}
	pending chan []byte
}

// NewEventTrigger creates an event trigger on subject
func NewEventTrigger(subscriber Subscriber, subject string, logger *zap.Logger) *EventTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventTrigger{subscriber: subscriber, subject: subject, logger: logger}
}

// Subject returns the subscribed subject
func (e *EventTrigger) Subject() string {
	return e.subject
}

// Start subscribes and launches the fire loop
func (e *EventTrigger) Start(ctx context.Context, fire FireFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyStarted
	}

	pending := make(chan []byte, 1)
	sub, err := e.subscriber.Subscribe(e.subject, func(payload []byte) {
		e.enqueue(pending, payload)
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.sub, e.cancel, e.pending = sub, cancel, pending
	e.done = make(chan struct{})
	go e.run(ctx, fire, pending, e.done)

	e.logger.Debug("Event trigger started", zap.String("subject", e.subject))
	return nil
}

// enqueue keeps only the latest undelivered payload
func (e *EventTrigger) enqueue(pending chan []byte, payload []byte) {
	for {
		select {
		case pending <- payload:
			return
		default:
		}
		select {
		case <-pending:
		default:
		}
	}
}

func (e *EventTrigger) run(ctx context.Context, fire FireFunc, pending chan []byte, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-pending:
			if ctx.Err() != nil {
				return
			}
			fire(WithPayload(ctx, payload))
		}
	}
}

// Stop unsubscribes and waits for the fire loop to exit
func (e *EventTrigger) Stop() {
	e.mu.Lock()
	sub, cancel, done := e.sub, e.cancel, e.done
	e.sub, e.cancel, e.done, e.pending = nil, nil, nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		e.logger.Warn("Failed to unsubscribe event trigger",
			zap.String("subject", e.subject),
			zap.Error(err))
	}
	cancel()
	<-done
	e.logger.Debug("Event trigger stopped", zap.String("subject", e.subject))
}
