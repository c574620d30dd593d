// Package chat defines the shared data model for the portal's real-time
// chat engine: threads, messages, reactions, presence and typing state.
package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// ThreadKind represents the kind of conversation container.
type ThreadKind string

const (
	ThreadKindHuman   ThreadKind = "human"
	ThreadKindVisitor ThreadKind = "visitor"
	ThreadKindChannel ThreadKind = "channel"
	ThreadKindAI      ThreadKind = "ai"
)

// IsValid checks if the thread kind is valid.
func (k ThreadKind) IsValid() bool {
	switch k {
	case ThreadKindHuman, ThreadKindVisitor, ThreadKindChannel, ThreadKindAI:
		return true
	default:
		return false
	}
}

// Thread is a conversation container. Threads are created server-side
// (or via create-with-first-message) and are never destroyed locally.
type Thread struct {
	ID           string     `json:"id"`
	Kind         ThreadKind `json:"kind"`
	Participants []string   `json:"participants"`
	ProjectID    string     `json:"project_id,omitempty"`
	OrgID        string     `json:"org_id,omitempty"`
}

// DeliveryStatus tracks a message through the optimistic-send lifecycle.
type DeliveryStatus string

const (
	// DeliveryPending means the message was inserted locally and is in flight.
	DeliveryPending DeliveryStatus = "pending"
	// DeliveryConfirmed means the server echoed the message back.
	DeliveryConfirmed DeliveryStatus = "confirmed"
	// DeliveryFailed means the round trip errored or the client was offline.
	DeliveryFailed DeliveryStatus = "failed"
)

// Message is the atomic unit of conversation.
//
// Before confirmation the ID holds a temporary client identifier; the server
// assigns the authoritative ID on confirmation. ClientMessageID is the
// idempotency token carried end-to-end: it is the only key that round-trips,
// so all cross-channel reconciliation matches on it, never on the temp ID.
type Message struct {
	ID              string         `json:"id"`
	ClientMessageID string         `json:"client_message_id"`
	ThreadID        string         `json:"thread_id"`
	ParentID        string         `json:"parent_id,omitempty"`
	Content         string         `json:"content"`
	AuthorID        string         `json:"author_id"`
	CreatedTs       int64          `json:"created_ts"`
	Status          DeliveryStatus `json:"status"`
	Reactions       []Reaction     `json:"reactions,omitempty"`
	Read            bool           `json:"read,omitempty"`
}

// IsReply reports whether the message belongs to a reply bucket.
func (m *Message) IsReply() bool {
	return m.ParentID != ""
}

// Reaction is one emoji reaction by one user. A message carries a multiset
// of these; the same emoji from different users is distinct.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

// PresenceStatus is a per-user enumerated presence state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceDnd     PresenceStatus = "dnd"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// IsValid checks if the presence status is valid.
func (s PresenceStatus) IsValid() bool {
	switch s {
	case PresenceOnline, PresenceDnd, PresenceAway, PresenceOffline:
		return true
	default:
		return false
	}
}

// NewClientMessageID generates an idempotency token for one send.
// The token survives retries and is echoed back by the server unchanged.
func NewClientMessageID() string {
	return uuid.New().String()
}

// NewTempMessageID generates a local-only identifier for an optimistic
// entry. It never round-trips to the server.
func NewTempMessageID() string {
	return "tmp-" + shortuuid.New()
}

// NowTs returns the current time as a unix millisecond timestamp, the
// timestamp unit used across the engine.
func NowTs() int64 {
	return time.Now().UnixMilli()
}
