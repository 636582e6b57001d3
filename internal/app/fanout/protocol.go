// Package fanout bridges the task-updates stream to live WebSocket clients.
package fanout

import "encoding/json"

// Client to server message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Server to client message types.
const (
	MsgPong            = "pong"
	MsgUpdate          = "update"
	MsgSubscriptionAck = "subscription_ack"
	MsgResync          = "resync"
	MsgError           = "error"
)

// Subscription scopes. A client asking for everything is narrowed to its own
// tasks; cross-user visibility requires an explicit sharing context.
const (
	ScopeOwnTasks    = "own_tasks"
	ScopeSharedTasks = "shared_tasks"
	ScopeAll         = "all"
)

// ClientMessage is the JSON frame clients send on an open connection.
type ClientMessage struct {
	Type             string   `json:"type"`
	Scopes           []string `json:"scopes,omitempty"`
	LastSeenSequence uint64   `json:"last_seen_sequence,omitempty"`
}

// ServerMessage is the JSON frame pushed to clients. Update frames carry the
// per-user sequence number clients track for reconnect catch-up.
type ServerMessage struct {
	Type     string          `json:"type"`
	TaskID   string          `json:"task_id,omitempty"`
	Change   string          `json:"change,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Scopes   []string        `json:"scopes,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// NormalizeScopes drops unknown scopes and widens "all" to the scopes the
// service can actually honor. An empty request defaults to own tasks.
func NormalizeScopes(requested []string) []string {
	seen := make(map[string]bool, 2)
	for _, scope := range requested {
		switch scope {
		case ScopeOwnTasks, ScopeSharedTasks:
			seen[scope] = true
		case ScopeAll:
			seen[ScopeOwnTasks] = true
			seen[ScopeSharedTasks] = true
		}
	}
	if len(seen) == 0 {
		seen[ScopeOwnTasks] = true
	}
	scopes := make([]string, 0, len(seen))
	for _, scope := range []string{ScopeOwnTasks, ScopeSharedTasks} {
		if seen[scope] {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
