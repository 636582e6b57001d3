// Package broker abstracts the event transport. Services publish to a topic
// with a partition key and subscribe with a queue group; JetStream backs
// production while the in-memory broker backs unit and pipeline tests.
package broker

import "context"

// Delivery is one message handed to a subscriber. Exactly one of Ack, Nak or
// Term must be called: Ack marks it done, Nak requests redelivery, Term drops
// it without redelivery (poison messages).
type Delivery struct {
	Subject string
	Payload []byte
	Seq     uint64

	Ack  func() error
	Nak  func() error
	Term func() error
}

// Handler processes one delivery. Handlers are responsible for acking.
type Handler func(d Delivery)

type Subscription interface {
	// Drain stops new deliveries and waits for in-flight handlers.
	Drain() error
}

// Broker publishes ordered events and feeds queue-group subscribers.
// Deliveries sharing a partition key arrive in publish order.
type Broker interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Subscribe(topic, group string, handler Handler) (Subscription, error)
}
