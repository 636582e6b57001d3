package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/app/ledger"
	"github.com/todostream/project/internal/contracts"
)

func newFanout() *Service {
	return NewService(ledger.NewMemory(0), NewRegistry(), NewReplayBuffer(16, time.Minute), zerolog.Nop())
}

func subscribedConn(s *Service, id, userID string) *Conn {
	conn := NewConn(id, userID)
	conn.Subscribe([]string{ScopeOwnTasks})
	s.Registry.Add(conn)
	return conn
}

func updateEvent(t *testing.T, eventID, userID, taskID string) []byte {
	t.Helper()
	data, err := json.Marshal(contracts.TaskSnapshot{TaskID: taskID, UserID: userID, Title: "x"})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	payload, err := json.Marshal(contracts.TaskChangeEvent{
		SpecVersion: contracts.SpecVersion, EventID: eventID, Source: "task-gateway",
		Type: contracts.TypeTaskUpdated, Time: time.Now().UTC(),
		CorrelationID: "corr-1", Data: data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

func drain(t *testing.T, c *Conn) []ServerMessage {
	t.Helper()
	var msgs []ServerMessage
	for {
		select {
		case msg := <-c.Outbox():
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestHandleEventPushesToAllUserConnections(t *testing.T) {
	s := newFanout()
	c1 := subscribedConn(s, "conn-1", "user-1")
	c2 := subscribedConn(s, "conn-2", "user-1")
	other := subscribedConn(s, "conn-3", "user-2")

	outcome, err := s.HandleEvent(context.Background(), updateEvent(t, "evt-1", "user-1", "task-1"))
	if err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}
	if outcome != ledger.OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	m1 := drain(t, c1)
	m2 := drain(t, c2)
	if len(m1) != 1 || len(m2) != 1 {
		t.Fatalf("each connection should get one push, got %d and %d", len(m1), len(m2))
	}
	if m1[0].Sequence != m2[0].Sequence {
		t.Fatalf("sequence numbers differ: %d vs %d", m1[0].Sequence, m2[0].Sequence)
	}
	if m1[0].Type != MsgUpdate || m1[0].TaskID != "task-1" || m1[0].Change != contracts.TypeTaskUpdated {
		t.Fatalf("unexpected push: %+v", m1[0])
	}
	if got := drain(t, other); len(got) != 0 {
		t.Fatalf("other user's connection received %d pushes", len(got))
	}
}

func TestHandleEventRedeliveryDoesNotAdvanceSequence(t *testing.T) {
	s := newFanout()
	c := subscribedConn(s, "conn-1", "user-1")
	payload := updateEvent(t, "evt-1", "user-1", "task-1")

	if _, err := s.HandleEvent(context.Background(), payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outcome, err := s.HandleEvent(context.Background(), payload)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome != ledger.OutcomeSkipped {
		t.Fatalf("expected skipped on redelivery, got %s", outcome)
	}

	if msgs := drain(t, c); len(msgs) != 1 {
		t.Fatalf("expected a single push across both deliveries, got %d", len(msgs))
	}
	if seq := s.Buffer.LastSequence("user-1"); seq != 1 {
		t.Fatalf("redelivery advanced the sequence to %d", seq)
	}
}

func TestHandleEventSkipsUnsubscribedConnections(t *testing.T) {
	s := newFanout()
	conn := NewConn("conn-1", "user-1")
	s.Registry.Add(conn)

	if _, err := s.HandleEvent(context.Background(), updateEvent(t, "evt-1", "user-1", "task-1")); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}
	if msgs := drain(t, conn); len(msgs) != 0 {
		t.Fatalf("unsubscribed connection received %d pushes", len(msgs))
	}
}

func TestHandleEventTearsDownSlowConnection(t *testing.T) {
	s := newFanout()
	conn := subscribedConn(s, "conn-1", "user-1")

	// Fill the outbound queue so the next push cannot be enqueued.
	for i := 0; i < sendQueueSize; i++ {
		if !conn.TrySend(ServerMessage{Type: MsgPong}) {
			t.Fatalf("queue filled early at %d", i)
		}
	}

	if _, err := s.HandleEvent(context.Background(), updateEvent(t, "evt-1", "user-1", "task-1")); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Fatal("slow connection should have been closed")
	}
	if got := s.Registry.Count(); got != 0 {
		t.Fatalf("connection should be removed from registry, count=%d", got)
	}
}

func TestHandleEventMalformedPayload(t *testing.T) {
	s := newFanout()

	if _, err := s.HandleEvent(context.Background(), []byte("junk")); !errors.Is(err, contracts.ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}

	payload, _ := json.Marshal(contracts.TaskChangeEvent{
		SpecVersion: contracts.SpecVersion, EventID: "evt-1", Source: "x",
		Type: contracts.TypeTaskUpdated, Time: time.Now(), CorrelationID: "c",
		Data: json.RawMessage(`{"title":"no ids"}`),
	})
	if _, err := s.HandleEvent(context.Background(), payload); !errors.Is(err, contracts.ErrInvalidTaskData) {
		t.Fatalf("expected ErrInvalidTaskData, got %v", err)
	}
}

func TestResubscribeReplaysMissedEvents(t *testing.T) {
	s := newFanout()
	c := subscribedConn(s, "conn-1", "user-1")

	for i, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if _, err := s.HandleEvent(context.Background(), updateEvent(t, id, "user-1", "task-1")); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	drain(t, c)

	// Simulate a reconnect that saw only the first event.
	reconn := NewConn("conn-2", "user-1")
	s.Registry.Add(reconn)
	s.Resubscribe(reconn, ClientMessage{Type: MsgSubscribe, Scopes: []string{ScopeOwnTasks}, LastSeenSequence: 1})

	msgs := drain(t, reconn)
	if len(msgs) != 3 {
		t.Fatalf("expected ack plus 2 replays, got %d messages", len(msgs))
	}
	if msgs[0].Type != MsgSubscriptionAck {
		t.Fatalf("first frame should be the ack, got %s", msgs[0].Type)
	}
	if msgs[1].Sequence != 2 || msgs[2].Sequence != 3 {
		t.Fatalf("replay out of order: %d, %d", msgs[1].Sequence, msgs[2].Sequence)
	}
}

func TestResubscribeBeyondWindowInstructsResync(t *testing.T) {
	s := NewService(ledger.NewMemory(0), NewRegistry(), NewReplayBuffer(2, time.Minute), zerolog.Nop())
	for i, id := range []string{"evt-1", "evt-2", "evt-3", "evt-4"} {
		if _, err := s.HandleEvent(context.Background(), updateEvent(t, id, "user-1", "task-1")); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}

	conn := NewConn("conn-1", "user-1")
	s.Registry.Add(conn)
	s.Resubscribe(conn, ClientMessage{Type: MsgSubscribe, Scopes: []string{ScopeOwnTasks}, LastSeenSequence: 1})

	msgs := drain(t, conn)
	if len(msgs) != 2 {
		t.Fatalf("expected ack and resync, got %d messages", len(msgs))
	}
	if msgs[1].Type != MsgResync {
		t.Fatalf("expected resync frame, got %s", msgs[1].Type)
	}
}

func TestNormalizeScopes(t *testing.T) {
	cases := []struct {
		in   []string
		want []string
	}{
		{nil, []string{ScopeOwnTasks}},
		{[]string{"own_tasks"}, []string{ScopeOwnTasks}},
		{[]string{"all"}, []string{ScopeOwnTasks, ScopeSharedTasks}},
		{[]string{"shared_tasks", "bogus"}, []string{ScopeSharedTasks}},
	}
	for _, tc := range cases {
		got := NormalizeScopes(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("NormalizeScopes(%v) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("NormalizeScopes(%v) = %v, want %v", tc.in, got, tc.want)
			}
		}
	}
}
