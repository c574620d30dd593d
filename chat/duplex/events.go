package duplex

import (
	"encoding/json"

	"github.com/voyantlabs/agencydesk/chat"
)

// Client → server verbs.
const (
	opJoin              = "join"
	opLeave             = "leave"
	opTypingStart       = "typing.start"
	opTypingStop        = "typing.stop"
	opPresenceHeartbeat = "presence.heartbeat"
	opPresenceSet       = "presence.set"
)

// Server → client event types.
const (
	eventMessage         = "message"
	eventTypingStart     = "typing.start"
	eventTypingStop      = "typing.stop"
	eventMessageRead     = "message.read"
	eventReactionAdded   = "reaction.added"
	eventReactionRemoved = "reaction.removed"
	eventPresenceChanged = "presence.changed"
)

// frame is the wire shape for both directions. The Op field discriminates
// outbound verbs, the Event field inbound events; unused fields are elided.
type frame struct {
	Op        string        `json:"op,omitempty"`
	Event     string        `json:"event,omitempty"`
	ThreadID  string        `json:"thread_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Status    string        `json:"status,omitempty"`
	Emoji     string        `json:"emoji,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
}

// decodeFrame parses an inbound frame. It returns ok=false for anything
// that is not a well-formed event frame; the caller drops such frames
// without tearing down the connection.
func decodeFrame(data []byte) (frame, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, false
	}
	if f.Event == "" {
		return frame{}, false
	}
	return f, true
}

// Callbacks receives server events. Nil members are skipped. Callbacks are
// invoked from the read loop goroutine; receivers must not block.
type Callbacks struct {
	OnMessage         func(msg chat.Message)
	OnTypingStart     func(threadID, userID string)
	OnTypingStop      func(threadID, userID string)
	OnMessageRead     func(threadID, messageID, userID string)
	OnReactionAdded   func(threadID, messageID string, reaction chat.Reaction)
	OnReactionRemoved func(threadID, messageID string, reaction chat.Reaction)
	OnPresenceChanged func(userID string, status chat.PresenceStatus)

	// OnConnectionRestored fires after every successful (re)connect.
	// Session managers re-join their threads and flush the offline queue
	// from here; the adapter itself does not remember subscriptions.
	OnConnectionRestored func()
}
