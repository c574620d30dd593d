// Package outbox implements the durable offline send queue.
//
// Every send that could not be confirmed is persisted here and replayed in
// FIFO order once connectivity returns. Entries are keyed by the send's
// idempotency token, so a replay can never double-deliver: the server
// deduplicates on the same token.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/voyantlabs/agencydesk/chat/metrics"
	"github.com/voyantlabs/agencydesk/store/kv"
)

// StorageKey is the single durable key holding the queue as a JSON array.
const StorageKey = "chat/outbox"

// ErrOffline is returned by a Sender to signal that connectivity was lost
// mid-drain. The drain stops and the current entry stays at its position.
var ErrOffline = errors.New("client is offline")

// Entry is one persisted unconfirmed send.
type Entry struct {
	ClientMessageID string `json:"client_message_id"`
	ThreadID        string `json:"thread_id"`
	ParentID        string `json:"parent_id,omitempty"`
	Content         string `json:"content"`
	TempID          string `json:"temp_id"`
}

// Sender delivers one entry to the server. A nil return means the server
// confirmed the send and the entry may be removed.
type Sender func(ctx context.Context, entry Entry) error

// Queue is a durable FIFO of unconfirmed sends.
//
// Every mutation synchronously rewrites the storage key; an empty queue
// removes the key entirely so storage never accumulates empty-array
// artifacts. All methods are safe for concurrent use.
type Queue struct {
	driver kv.Driver

	// mu guards entries; persistence happens under the same lock so the
	// durable state can never run ahead of or behind memory.
	mu      sync.Mutex
	entries []Entry

	// drainGroup collapses concurrent drain triggers (reconnect, mount)
	// into a single running drain.
	drainGroup singleflight.Group
}

// New creates a queue backed by driver and replays any entries persisted
// by a previous process run.
func New(driver kv.Driver) (*Queue, error) {
	q := &Queue{driver: driver}

	data, err := driver.Get(StorageKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return q, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load offline queue")
	}
	if err := json.Unmarshal(data, &q.entries); err != nil {
		// A corrupt queue must not brick the engine. Drop it and start
		// clean; the entries were already surfaced to the user as failed.
		slog.Error("Offline queue storage is corrupt, resetting",
			"key", StorageKey,
			"error", err,
		)
		q.entries = nil
		if derr := driver.Delete(StorageKey); derr != nil {
			return nil, errors.Wrap(derr, "failed to reset corrupt offline queue")
		}
	}
	metrics.Default().SetQueueDepth(len(q.entries))
	return q, nil
}

// Enqueue appends the entry durably. Enqueueing a token that is already
// queued is a no-op: exactly one entry exists per unconfirmed send.
func (q *Queue) Enqueue(entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.ClientMessageID == entry.ClientMessageID {
			slog.Debug("Offline queue already holds token, skipping enqueue",
				"client_message_id", entry.ClientMessageID,
			)
			return nil
		}
	}

	q.entries = append(q.entries, entry)
	if err := q.persistLocked(); err != nil {
		// Roll back the in-memory append so memory and storage agree.
		q.entries = q.entries[:len(q.entries)-1]
		return err
	}

	slog.Info("Enqueued offline send",
		"client_message_id", entry.ClientMessageID,
		"thread_id", entry.ThreadID,
		"queue_len", len(q.entries),
	)
	return nil
}

// Remove deletes the entry with the given token, if present. Called when a
// confirmation for a queued send arrives through the live channel instead
// of a drain pass.
func (q *Queue) Remove(clientMessageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ClientMessageID == clientMessageID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// IsEmpty reports whether the queue holds no entries.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot of the queued entries in FIFO order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Drain replays queued entries in FIFO order, invoking sender for each.
// A confirmed entry is removed; a failed entry stays at its original
// position and the drain stops, preserving send order for the next pass.
//
// Drain is safe to invoke concurrently from multiple triggers: overlapping
// calls coalesce into the one running drain and share its result.
func (q *Queue) Drain(ctx context.Context, sender Sender) error {
	_, err, _ := q.drainGroup.Do("drain", func() (interface{}, error) {
		return nil, q.drain(ctx, sender)
	})
	return err
}

func (q *Queue) drain(ctx context.Context, sender Sender) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			metrics.Default().RecordFlush()
			return nil
		}
		entry := q.entries[0]
		q.mu.Unlock()

		if err := sender(ctx, entry); err != nil {
			if errors.Is(err, ErrOffline) {
				slog.Info("Offline queue drain paused, client went offline",
					"client_message_id", entry.ClientMessageID,
					"remaining", q.Len(),
				)
				return err
			}
			slog.Warn("Offline queue drain stopped on send failure",
				"client_message_id", entry.ClientMessageID,
				"error", err,
			)
			return err
		}

		q.mu.Lock()
		if len(q.entries) > 0 && q.entries[0].ClientMessageID == entry.ClientMessageID {
			q.entries = q.entries[1:]
			if err := q.persistLocked(); err != nil {
				q.mu.Unlock()
				return err
			}
		}
		q.mu.Unlock()
	}
}

// persistLocked rewrites durable storage from the in-memory state.
// Callers must hold mu.
func (q *Queue) persistLocked() error {
	metrics.Default().SetQueueDepth(len(q.entries))

	if len(q.entries) == 0 {
		if err := q.driver.Delete(StorageKey); err != nil {
			return errors.Wrap(err, "failed to clear offline queue storage")
		}
		return nil
	}

	data, err := json.Marshal(q.entries)
	if err != nil {
		return errors.Wrap(err, "failed to marshal offline queue")
	}
	if err := q.driver.Set(StorageKey, data); err != nil {
		return errors.Wrap(err, "failed to persist offline queue")
	}
	return nil
}
