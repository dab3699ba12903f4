// Package memory keeps published pass summaries in memory. It is the default
// backend and the one tests inspect.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Message is one recorded publish. Body holds the JSON the network backends
// would have sent.
type Message struct {
	ID          string
	Topic       string
	Payload     any
	Body        json.RawMessage
	PublishedAt time.Time
}

// Publisher records every publish in order.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload like the other backends do and records it. An
// unencodable payload is rejected.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := Message{
		ID:          fmt.Sprintf("memory-%d", len(p.messages)+1),
		Topic:       topic,
		Payload:     payload,
		Body:        body,
		PublishedAt: time.Now(),
	}
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Last returns the most recent publish on topic.
func (p *Publisher) Last(topic string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].Topic == topic {
			return p.messages[i], true
		}
	}
	return Message{}, false
}
