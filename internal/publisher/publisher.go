// Package publisher defines where pass summaries are announced once a scrape
// pass finishes. Backends live in the memory, pubsub and amqp subpackages.
package publisher

import "context"

// Publisher sends one JSON-encodable payload and returns a backend message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
