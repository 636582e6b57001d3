package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/todostream/project/internal/sharding"
)

func TestMemoryDeliversInPublishOrder(t *testing.T) {
	b := NewMemory()

	var mu sync.Mutex
	var got []string
	sub, err := b.Subscribe("task-events", "workers", func(d Delivery) {
		mu.Lock()
		got = append(got, string(d.Payload))
		mu.Unlock()
		require.NoError(t, d.Ack())
	})
	require.NoError(t, err)
	defer sub.Drain()

	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "task-events", "user-1", []byte(p)))
	}
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryNakRedeliversBeforeNewerMessages(t *testing.T) {
	b := NewMemory()

	var mu sync.Mutex
	var got []string
	first := true
	sub, err := b.Subscribe("task-events", "workers", func(d Delivery) {
		mu.Lock()
		defer mu.Unlock()
		if string(d.Payload) == "a" && first {
			first = false
			require.NoError(t, d.Nak())
			return
		}
		got = append(got, string(d.Payload))
		require.NoError(t, d.Ack())
	})
	require.NoError(t, err)
	defer sub.Drain()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "task-events", "user-1", []byte("a")))
	require.NoError(t, b.Publish(ctx, "task-events", "user-1", []byte("b")))
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, got)
}

func TestMemoryDeliveryCarriesShardedSubject(t *testing.T) {
	b := NewMemory()

	var mu sync.Mutex
	var subject string
	sub, err := b.Subscribe("task-updates", "fanout", func(d Delivery) {
		mu.Lock()
		subject = d.Subject
		mu.Unlock()
		require.NoError(t, d.Ack())
	})
	require.NoError(t, err)
	defer sub.Drain()

	require.NoError(t, b.Publish(context.Background(), "task-updates", "user-7", []byte("{}")))
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, sharding.Subject("task-updates", "user-7"), subject)
}

func TestMemoryPublishAfterDrainIsDropped(t *testing.T) {
	b := NewMemory()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("task-events", "workers", func(d Delivery) {
		mu.Lock()
		count++
		mu.Unlock()
		require.NoError(t, d.Ack())
	})
	require.NoError(t, err)
	require.NoError(t, sub.Drain())

	require.NoError(t, b.Publish(context.Background(), "task-events", "user-1", []byte("late")))
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}
