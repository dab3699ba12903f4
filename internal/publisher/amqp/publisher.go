// Package amqp publishes pass summaries to a RabbitMQ exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config selects the broker and destination.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends persistent JSON messages. A channel is not safe for
// concurrent publishes, so calls are serialized.
type Publisher struct {
	mu         sync.Mutex
	ch         channel
	conn       *amqp.Connection
	exchange   string
	routingKey string
	now        func() time.Time
}

// New dials the broker, opens a channel and declares a durable topic
// exchange.
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("publish.amqp_url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
		}
	}
	p := newWithChannel(ch, cfg)
	p.conn = conn
	return p, nil
}

func newWithChannel(ch channel, cfg Config) *Publisher {
	return &Publisher{
		ch:         ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		now:        time.Now,
	}
}

// Publish sends payload as JSON. topic becomes the message type; the routing
// key defaults to topic when none is configured.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	key := p.routingKey
	if key == "" {
		key = topic
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("%s-%d", topic, p.now().UnixNano())
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Type:         topic,
		Timestamp:    p.now(),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish to %q: %w", p.exchange, err)
	}
	return id, nil
}

// Close closes the channel and, when owned, the connection.
func (p *Publisher) Close() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
