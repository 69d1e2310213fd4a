package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("event stream unavailable")

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BreakerConfig tunes the circuit breaker around the Kafka writer.
type BreakerConfig struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Interval: time.Minute, Timeout: 30 * time.Second}
}

// Kafka publishes events to one topic, keyed by conversation id.
type Kafka struct {
	w      writer
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewKafka creates a publisher writing to topic on brokers.
func NewKafka(brokers []string, topic string, bc BreakerConfig, logger *zap.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
	}
	return newKafka(w, bc, logger)
}

func newKafka(w writer, bc BreakerConfig, logger *zap.Logger) *Kafka {
	st := gobreaker.Settings{
		Name:        "kafka-events",
		MaxRequests: 1,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Kafka{w: w, cb: gobreaker.NewCircuitBreaker(st), logger: logger}
}

func (k *Kafka) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.ConversationID),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	_, err = k.cb.Execute(func() (any, error) {
		return nil, k.w.WriteMessages(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
