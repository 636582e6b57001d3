package fanout

import (
	"sync"
	"time"
)

const (
	DefaultBufferSize = 256
	DefaultBufferTTL  = 5 * time.Minute
)

type bufferedEvent struct {
	seq uint64
	at  time.Time
	msg ServerMessage
}

type userBuffer struct {
	lastSeq        uint64
	droppedThrough uint64
	entries        []bufferedEvent
}

// ReplayBuffer assigns per-user sequence numbers and retains recent update
// frames so reconnecting clients can catch up. Retention is bounded by count
// and age; a client whose gap reaches past the retained window must resync.
type ReplayBuffer struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	now   func() time.Time
	users map[string]*userBuffer
}

func NewReplayBuffer(max int, ttl time.Duration) *ReplayBuffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	return &ReplayBuffer{
		max:   max,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
		users: make(map[string]*userBuffer),
	}
}

// Append assigns the next sequence number for the user, stamps it on the
// message and retains a copy for replay. It returns the stamped message.
func (b *ReplayBuffer) Append(userID string, msg ServerMessage) ServerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	ub := b.users[userID]
	if ub == nil {
		ub = &userBuffer{}
		b.users[userID] = ub
	}

	ub.lastSeq++
	msg.Sequence = ub.lastSeq
	ub.entries = append(ub.entries, bufferedEvent{seq: msg.Sequence, at: b.now(), msg: msg})
	b.evict(ub)
	return msg
}

// Since returns the retained messages newer than lastSeen in order. The
// second return is false when the gap exceeds the retained window and the
// client needs a full resync instead of partial history.
func (b *ReplayBuffer) Since(userID string, lastSeen uint64) ([]ServerMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ub := b.users[userID]
	if ub == nil {
		// Nothing was ever published for this user on this instance; a
		// nonzero cursor must come from elsewhere.
		return nil, lastSeen == 0
	}
	b.evict(ub)

	if lastSeen > ub.lastSeq || lastSeen < ub.droppedThrough {
		return nil, false
	}
	var missed []ServerMessage
	for _, e := range ub.entries {
		if e.seq > lastSeen {
			missed = append(missed, e.msg)
		}
	}
	return missed, true
}

// LastSequence reports the highest sequence assigned for the user.
func (b *ReplayBuffer) LastSequence(userID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ub := b.users[userID]; ub != nil {
		return ub.lastSeq
	}
	return 0
}

func (b *ReplayBuffer) evict(ub *userBuffer) {
	cutoff := b.now().Add(-b.ttl)
	drop := 0
	for drop < len(ub.entries) && ub.entries[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(ub.entries) - drop - b.max; over > 0 {
		drop += over
	}
	if drop > 0 {
		ub.droppedThrough = ub.entries[drop-1].seq
		ub.entries = ub.entries[drop:]
	}
}
