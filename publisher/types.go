// Package publisher relays feed events to optional downstream systems
// (NATS JetStream, Kafka). Each sink runs its own worker that tails the
// retention ledger from a persisted per-sink cursor, so sink delivery is
// at-least-once and fully decoupled from the SSE fan-out path.
package publisher

// Sink represents a destination for feed events.
type Sink interface {
	// Publish sends an event payload to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published.
type Filter interface {
	// Match returns true if events from the table should be published
	Match(table string) bool
}
