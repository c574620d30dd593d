package session

import (
	"github.com/voyantlabs/agencydesk/chat"
)

// timeline holds one thread's local message state: the root timeline plus
// reply buckets keyed by parent ID. A message lives in exactly one bucket.
//
// Reconciliation is a two-phase commit. Phase 1 inserts an optimistic
// entry under a locally unique temp ID. Phase 2 resolves by the
// idempotency token, which may arrive via the HTTP send response or the
// duplex echo in either order: the first writer wins and every later
// confirmation for the same token is a no-op.
type timeline struct {
	root    []chat.Message
	replies map[string][]chat.Message

	// confirmedTokens records tokens that completed phase 2.
	confirmedTokens map[string]bool
	// serverIDs records authoritative IDs already present, for inbound dedup.
	serverIDs map[string]bool
}

func newTimeline() *timeline {
	return &timeline{
		replies:         make(map[string][]chat.Message),
		confirmedTokens: make(map[string]bool),
		serverIDs:       make(map[string]bool),
	}
}

// setRootPage replaces the root timeline with a server-fetched page.
func (t *timeline) setRootPage(messages []chat.Message) {
	t.root = t.root[:0]
	for _, msg := range messages {
		if msg.IsReply() {
			// Root pages exclude replies; tolerate a misbehaving server.
			continue
		}
		t.appendConfirmed(msg)
	}
}

// bucket returns the slice holding messages with the given parent.
func (t *timeline) bucket(parentID string) []chat.Message {
	if parentID == "" {
		return t.root
	}
	return t.replies[parentID]
}

func (t *timeline) setBucket(parentID string, msgs []chat.Message) {
	if parentID == "" {
		t.root = msgs
	} else {
		t.replies[parentID] = msgs
	}
}

// insertOptimistic appends a pending entry (phase 1).
func (t *timeline) insertOptimistic(msg chat.Message) {
	t.setBucket(msg.ParentID, append(t.bucket(msg.ParentID), msg))
}

// appendConfirmed appends a confirmed message, deduplicating by server ID.
func (t *timeline) appendConfirmed(msg chat.Message) bool {
	if msg.ID != "" && t.serverIDs[msg.ID] {
		return false
	}
	t.setBucket(msg.ParentID, append(t.bucket(msg.ParentID), msg))
	if msg.ID != "" {
		t.serverIDs[msg.ID] = true
	}
	if msg.ClientMessageID != "" {
		t.confirmedTokens[msg.ClientMessageID] = true
	}
	return true
}

// reconcile applies a server-confirmed message (phase 2). If an optimistic
// entry with the same token exists it is replaced in place, keeping its
// position so confirmation never visibly reorders the timeline. Returns
// false when the token was already reconciled (dedup no-op).
func (t *timeline) reconcile(confirmed chat.Message) bool {
	token := confirmed.ClientMessageID
	if token != "" && t.confirmedTokens[token] {
		return false
	}
	if confirmed.ID != "" && t.serverIDs[confirmed.ID] {
		return false
	}

	if token != "" {
		bucket := t.bucket(confirmed.ParentID)
		for i := range bucket {
			if bucket[i].ClientMessageID == token {
				bucket[i] = confirmed
				t.confirmedTokens[token] = true
				if confirmed.ID != "" {
					t.serverIDs[confirmed.ID] = true
				}
				return true
			}
		}
	}

	// No optimistic entry: a live message from another participant or
	// another device of this user.
	return t.appendConfirmed(confirmed)
}

// markFailed flips the entry with the given temp ID to failed status.
func (t *timeline) markFailed(tempID string) bool {
	if t.markFailedIn("", tempID) {
		return true
	}
	for parentID := range t.replies {
		if t.markFailedIn(parentID, tempID) {
			return true
		}
	}
	return false
}

func (t *timeline) markFailedIn(parentID, tempID string) bool {
	bucket := t.bucket(parentID)
	for i := range bucket {
		if bucket[i].ID == tempID {
			bucket[i].Status = chat.DeliveryFailed
			return true
		}
	}
	return false
}

// findFailed locates a failed entry by its identifier, root or reply.
func (t *timeline) findFailed(id string) (chat.Message, bool) {
	if msg, ok := t.findFailedIn("", id); ok {
		return msg, true
	}
	for parentID := range t.replies {
		if msg, ok := t.findFailedIn(parentID, id); ok {
			return msg, true
		}
	}
	return chat.Message{}, false
}

func (t *timeline) findFailedIn(parentID, id string) (chat.Message, bool) {
	for _, msg := range t.bucket(parentID) {
		if msg.ID == id && msg.Status == chat.DeliveryFailed {
			return msg, true
		}
	}
	return chat.Message{}, false
}

// markPending flips a failed entry back to pending for a retry attempt.
func (t *timeline) markPending(id string) {
	t.eachBucket(func(bucket []chat.Message) {
		for i := range bucket {
			if bucket[i].ID == id {
				bucket[i].Status = chat.DeliveryPending
			}
		}
	})
}

// setRead marks the message with the given server ID as read.
func (t *timeline) setRead(messageID string) {
	t.eachBucket(func(bucket []chat.Message) {
		for i := range bucket {
			if bucket[i].ID == messageID {
				bucket[i].Read = true
			}
		}
	})
}

// addReaction appends a reaction to the message's multiset.
func (t *timeline) addReaction(messageID string, reaction chat.Reaction) {
	t.eachBucket(func(bucket []chat.Message) {
		for i := range bucket {
			if bucket[i].ID != messageID {
				continue
			}
			bucket[i].Reactions = append(bucket[i].Reactions, reaction)
		}
	})
}

// removeReaction removes one matching reaction from the message.
func (t *timeline) removeReaction(messageID string, reaction chat.Reaction) {
	t.eachBucket(func(bucket []chat.Message) {
		for i := range bucket {
			if bucket[i].ID != messageID {
				continue
			}
			for j, r := range bucket[i].Reactions {
				if r == reaction {
					bucket[i].Reactions = append(bucket[i].Reactions[:j], bucket[i].Reactions[j+1:]...)
					break
				}
			}
		}
	})
}

// prependReplies inserts an older reply page at the front of its bucket,
// skipping messages already present.
func (t *timeline) prependReplies(parentID string, page []chat.Message) {
	var fresh []chat.Message
	for _, msg := range page {
		if msg.ID != "" && t.serverIDs[msg.ID] {
			continue
		}
		if msg.ID != "" {
			t.serverIDs[msg.ID] = true
		}
		if msg.ClientMessageID != "" {
			t.confirmedTokens[msg.ClientMessageID] = true
		}
		fresh = append(fresh, msg)
	}
	t.replies[parentID] = append(fresh, t.replies[parentID]...)
}

func (t *timeline) eachBucket(fn func(bucket []chat.Message)) {
	fn(t.root)
	for _, bucket := range t.replies {
		fn(bucket)
	}
}
