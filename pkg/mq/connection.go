package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"fundescrow/pkg/config"
)

const (
	// ExchangeName is the topic exchange every escrow event is published to.
	ExchangeName = "escrow.events"

	defaultHeartbeat    = 10 * time.Second
	defaultDialAttempts = 5
	defaultDialBackoff  = time.Second
)

// dial is swapped in tests.
var dial = amqp091.DialConfig

// NewConnection dials the broker, retrying with a doubling backoff while it
// is unreachable.
func NewConnection(ctx context.Context, cfg config.MQConfig) (*amqp091.Connection, error) {
	attempts := cfg.DialAttempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	backoff := cfg.DialBackoff
	if backoff <= 0 {
		backoff = defaultDialBackoff
	}

	var err error
	for i := 0; i < attempts; i++ {
		var conn *amqp091.Connection
		if conn, err = dial(cfg.URL, dialConfig(cfg)); err == nil {
			return conn, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff << i):
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

func dialConfig(cfg config.MQConfig) amqp091.Config {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	props := amqp091.NewConnectionProperties()
	if cfg.Name != "" {
		props.SetClientConnectionName(cfg.Name)
	}
	return amqp091.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

// DeclareExchange declares the durable topic exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}
