// Package trigger decides when a component's data sources are executed.
// A trigger calls its fire function on a timer, on demand, or when an
// event arrives on a NATS subject.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
)

// Type names a trigger kind
type Type string

const (
	TypeTimer     Type = "timer"
	TypeManual    Type = "manual"
	TypeEvent     Type = "event"
	TypeWebSocket Type = "websocket"
)

// MinInterval is the shortest timer interval accepted
const MinInterval = 100 * time.Millisecond

var (
	// ErrUnsupportedTrigger is returned for trigger types this package does not run
	ErrUnsupportedTrigger = errors.New("unsupported trigger type")

	// ErrNotStarted is returned when firing a trigger that is not running
	ErrNotStarted = errors.New("trigger not started")

	// ErrAlreadyStarted is returned when starting a running trigger
	ErrAlreadyStarted = errors.New("trigger already started")
)

// Config describes one trigger
type Config struct {
	Type Type `json:"type"`

	// Interval in milliseconds, timer triggers only
	Interval int64 `json:"interval,omitempty"`

	// Immediate fires once as soon as a timer trigger starts
	Immediate bool `json:"immediate,omitempty"`

	// Subject is the NATS subject of an event trigger
	Subject string `json:"subject,omitempty"`
}

// Validate checks the config for its type
func (c Config) Validate() error {
	switch c.normalizedType() {
	case TypeTimer:
		if time.Duration(c.Interval)*time.Millisecond < MinInterval {
			return fmt.Errorf("timer interval must be at least %d ms", MinInterval.Milliseconds())
		}
	case TypeManual:
	case TypeEvent:
		if strings.TrimSpace(c.Subject) == "" {
			return errors.New("event trigger requires a subject")
		}
	case TypeWebSocket:
		return fmt.Errorf("%w: %s", ErrUnsupportedTrigger, c.Type)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedTrigger, c.Type)
	}
	return nil
}

func (c Config) normalizedType() Type {
	return Type(strings.ToLower(strings.TrimSpace(string(c.Type))))
}

// FireFunc runs the work a trigger schedules
type FireFunc func(ctx context.Context)

// Trigger schedules calls to a FireFunc until stopped
type Trigger interface {
	// Start begins scheduling; fire never runs concurrently with itself
	Start(ctx context.Context, fire FireFunc) error

	// Stop ends scheduling and waits for a running fire to return. It is idempotent.
	Stop()
}

// Dependencies are the shared resources triggers may need
type Dependencies struct {
	// Subscriber backs event triggers
	Subscriber Subscriber

	// SubjectPrefix qualifies event subjects without a '.'
	SubjectPrefix string

	Logger *zap.Logger
}

// New builds the trigger described by cfg
func New(cfg Config, deps Dependencies) (Trigger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.normalizedType() {
	case TypeTimer:
		return NewTimerTrigger(time.Duration(cfg.Interval)*time.Millisecond, cfg.Immediate, logger), nil
	case TypeManual:
		return NewManualTrigger(logger), nil
	case TypeEvent:
		if deps.Subscriber == nil {
			return nil, errors.New("event trigger requires a subscriber")
		}
		return NewEventTrigger(deps.Subscriber, natsconn.Subject(deps.SubjectPrefix, strings.TrimSpace(cfg.Subject)), logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrigger, cfg.Type)
}

type payloadKey struct{}

// WithPayload attaches an event payload to ctx
func WithPayload(ctx context.Context, payload []byte) context.Context {
	return context.WithValue(ctx, payloadKey{}, payload)
}

// PayloadFrom returns the event payload that caused the current fire
func PayloadFrom(ctx context.Context) ([]byte, bool) {
	payload, ok := ctx.Value(payloadKey{}).([]byte)
	return payload, ok
}
