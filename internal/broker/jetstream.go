package broker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todostream/project/internal/sharding"
)

const defaultAckWait = 30 * time.Second

// JetStream adapts a JetStream context to the Broker interface. Publishes go
// to a sharded subject derived from the partition key so per-key ordering
// holds across the stream.
type JetStream struct {
	js      nats.JetStreamContext
	ackWait time.Duration
}

func NewJetStream(js nats.JetStreamContext) *JetStream {
	return &JetStream{js: js, ackWait: defaultAckWait}
}

func (b *JetStream) Publish(ctx context.Context, topic, key string, payload []byte) error {
	_, err := b.js.Publish(sharding.Subject(topic, key), payload, nats.Context(ctx))
	return err
}

func (b *JetStream) Subscribe(topic, group string, handler Handler) (Subscription, error) {
	sub, err := b.js.QueueSubscribe(sharding.TopicWildcard(topic), group, func(msg *nats.Msg) {
		var seq uint64
		if meta, err := msg.Metadata(); err == nil {
			seq = meta.Sequence.Stream
		}
		handler(Delivery{
			Subject: msg.Subject,
			Payload: msg.Data,
			Seq:     seq,
			Ack:     func() error { return msg.Ack() },
			Nak:     func() error { return msg.Nak() },
			Term:    func() error { return msg.Term() },
		})
	},
		nats.ManualAck(),
		nats.Durable(group),
		nats.AckWait(b.ackWait),
	)
	if err != nil {
		return nil, err
	}
	return jsSubscription{sub: sub}, nil
}

type jsSubscription struct {
	sub *nats.Subscription
}

func (s jsSubscription) Drain() error {
	return s.sub.Drain()
}
