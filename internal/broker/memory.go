package broker

import (
	"context"
	"sync"

	"github.com/todostream/project/internal/sharding"
)

// Memory is an in-process Broker for tests. Each subscription runs a single
// worker draining a FIFO queue, so delivery order matches publish order and a
// Nak redelivers the message before anything newer.
type Memory struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string][]*memorySub
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySub)}
}

func (b *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.seq++
	seq := b.seq
	subs := append([]*memorySub(nil), b.subs[topic]...)
	b.mu.Unlock()

	data := append([]byte(nil), payload...)
	subject := sharding.Subject(topic, key)
	for _, sub := range subs {
		sub.enqueue(memoryMsg{subject: subject, payload: data, seq: seq})
	}
	return nil
}

func (b *Memory) Subscribe(topic, group string, handler Handler) (Subscription, error) {
	sub := &memorySub{handler: handler, done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Flush blocks until every subscriber queue is empty. Tests call it after
// publishing to assert on handler side effects.
func (b *Memory) Flush() {
	b.mu.Lock()
	var subs []*memorySub
	for _, list := range b.subs {
		subs = append(subs, list...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.wait()
	}
}

type memoryMsg struct {
	subject string
	payload []byte
	seq     uint64
}

type memorySub struct {
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []memoryMsg
	busy    bool
	stopped bool
	done    chan struct{}
}

func (s *memorySub) enqueue(msg memoryMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Broadcast()
}

func (s *memorySub) requeue(msg memoryMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append([]memoryMsg{msg}, s.queue...)
	s.cond.Broadcast()
}

func (s *memorySub) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		var naked bool
		s.handler(Delivery{
			Subject: msg.subject,
			Payload: msg.payload,
			Seq:     msg.seq,
			Ack:     func() error { return nil },
			Nak:     func() error { naked = true; return nil },
			Term:    func() error { return nil },
		})
		if naked {
			s.requeue(msg)
		}

		s.mu.Lock()
		s.busy = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *memorySub) wait() {
	s.mu.Lock()
	for (len(s.queue) > 0 || s.busy) && !s.stopped {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *memorySub) Drain() error {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
	return nil
}
