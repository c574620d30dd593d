// Package aichat orchestrates AI conversation turns: thread creation,
// streamed turn execution, cancellation and retry over the streaming
// channel. Unlike human chat, AI sends are not routed through the offline
// queue; a failed turn is retried only explicitly.
package aichat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/voyantlabs/agencydesk/chat"
	"github.com/voyantlabs/agencydesk/chat/stream"
)

// Streamer opens one streaming turn. *stream.Client satisfies it.
type Streamer interface {
	OpenStream(ctx context.Context, turn stream.TurnRequest, onEvent stream.Handler) error
}

// ThreadAPI issues the thread-creation control call.
type ThreadAPI interface {
	CreateThread(ctx context.Context) (*chat.Thread, error)
}

// Config configures the AI chat manager.
type Config struct {
	// LocalUserID authors the user-side items.
	LocalUserID string
	// AssistantID authors the streamed items. Defaults to "assistant".
	AssistantID string
}

// Manager runs AI chat for one conversation. At most one streaming turn
// is in flight per manager; starting a new turn cancels the prior one,
// and a superseded stream's late events never mutate state.
type Manager struct {
	api      ThreadAPI
	streamer Streamer
	cfg      Config

	mu       sync.Mutex
	threadID string
	items    []chat.Message

	// Transient streaming state for the current turn.
	streamingText   string
	streamingItemID string

	// generation increments per turn. Events and completions carry the
	// generation they belong to and are dropped when superseded.
	generation int
	cancel     context.CancelFunc
	lastErr    error

	wg sync.WaitGroup
}

// NewManager creates an AI chat manager.
func NewManager(api ThreadAPI, streamer Streamer, cfg Config) *Manager {
	if cfg.AssistantID == "" {
		cfg.AssistantID = "assistant"
	}
	return &Manager{api: api, streamer: streamer, cfg: cfg}
}

// CreateThread issues the thread-creation control call and stores the
// returned identifier for subsequent turns.
func (m *Manager) CreateThread(ctx context.Context) (string, error) {
	thread, err := m.api.CreateThread(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to create AI thread")
	}
	m.mu.Lock()
	m.threadID = thread.ID
	m.mu.Unlock()
	slog.Info("AI thread created", "thread_id", thread.ID)
	return thread.ID, nil
}

// SendMessage appends the user item, cancels any in-flight turn, and
// starts streaming the reply. It returns the appended user item without
// waiting for the turn; observe progress via StreamingText and Messages.
// A thread is created on first send if none exists.
func (m *Manager) SendMessage(ctx context.Context, content string) (chat.Message, error) {
	m.mu.Lock()
	threadID := m.threadID
	m.mu.Unlock()

	if threadID == "" {
		var err error
		if threadID, err = m.CreateThread(ctx); err != nil {
			return chat.Message{}, err
		}
	}

	userItem := chat.Message{
		ID:        chat.NewTempMessageID(),
		ThreadID:  threadID,
		Content:   content,
		AuthorID:  m.cfg.LocalUserID,
		CreatedTs: chat.NowTs(),
		Status:    chat.DeliveryPending,
	}

	m.mu.Lock()
	if m.cancel != nil {
		// One active stream per manager: the prior turn dies here.
		m.cancel()
	}
	m.generation++
	gen := m.generation
	m.items = append(m.items, userItem)
	m.streamingText = ""
	m.streamingItemID = ""
	m.lastErr = nil

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runTurn(turnCtx, gen, userItem.ID, stream.TurnRequest{
		ThreadID: threadID,
		Message:  content,
	})

	return userItem, nil
}

// runTurn executes one streaming turn and reconciles its completion.
func (m *Manager) runTurn(ctx context.Context, gen int, userItemID string, turn stream.TurnRequest) {
	defer m.wg.Done()

	err := m.streamer.OpenStream(ctx, turn, func(event stream.Event) {
		m.handleEvent(gen, event)
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		// Superseded while finishing; the newer turn owns the state.
		return
	}
	m.cancel = nil
	m.streamingText = ""
	m.streamingItemID = ""

	switch {
	case err == nil:
		m.setItemStatus(userItemID, chat.DeliveryConfirmed)
	case errors.Is(err, stream.ErrTurnCanceled):
		// User-initiated cancellation is a completion, not a failure.
		m.setItemStatus(userItemID, chat.DeliveryConfirmed)
	default:
		// Leave the user item in place, marked for explicit retry.
		m.setItemStatus(userItemID, chat.DeliveryFailed)
		m.lastErr = err
		slog.Warn("AI turn failed", "thread_id", turn.ThreadID, "error", err)
	}
}

// handleEvent applies one stream event. Events from a superseded
// generation are dropped: a cancelled stream's late deltas never mutate
// the timeline after the next turn has started.
func (m *Manager) handleEvent(gen int, event stream.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return
	}

	switch event.Type {
	case stream.EventItemStart:
		if event.Item != nil {
			m.streamingItemID = event.Item.ID
		}
		m.streamingText = ""
	case stream.EventItemDelta:
		// Fragments concatenate in arrival order.
		m.streamingText += event.Delta
	case stream.EventItemDone:
		if event.Item == nil {
			return
		}
		// The transient buffer is replaced by the finalized item.
		m.items = append(m.items, chat.Message{
			ID:        event.Item.ID,
			ThreadID:  m.threadID,
			Content:   event.Item.Content,
			AuthorID:  m.cfg.AssistantID,
			CreatedTs: chat.NowTs(),
			Status:    chat.DeliveryConfirmed,
		})
		m.streamingText = ""
		m.streamingItemID = ""
	case stream.EventResponseDone, stream.EventError:
		// Terminal events settle in runTurn via OpenStream's return.
	}
}

// setItemStatus updates one item's delivery status. Callers hold mu.
func (m *Manager) setItemStatus(itemID string, status chat.DeliveryStatus) {
	for i := range m.items {
		if m.items[i].ID == itemID {
			m.items[i].Status = status
			return
		}
	}
}

// RetryMessage re-sends a prior user turn: the timeline is truncated to
// just before the item and its text re-issued as a fresh turn.
func (m *Manager) RetryMessage(ctx context.Context, itemID string) (chat.Message, error) {
	m.mu.Lock()
	idx := -1
	for i := range m.items {
		if m.items[i].ID == itemID && m.items[i].AuthorID == m.cfg.LocalUserID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return chat.Message{}, errors.Errorf("no user item with id %s", itemID)
	}
	content := m.items[idx].Content
	m.items = m.items[:idx]
	m.mu.Unlock()

	return m.SendMessage(ctx, content)
}

// Cancel stops the in-flight turn, if any. Not an error path: the partial
// transient buffer is discarded and no failure is recorded.
func (m *Manager) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until no turn is in flight. Used by tests and shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// ThreadID returns the AI thread identifier, empty before creation.
func (m *Manager) ThreadID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadID
}

// Messages returns a copy of the permanent timeline.
func (m *Manager) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Message, len(m.items))
	copy(out, m.items)
	return out
}

// StreamingText returns the transient buffer of the in-flight reply.
func (m *Manager) StreamingText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamingText
}

// IsStreaming reports whether a turn is currently in flight.
func (m *Manager) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// LastError returns the most recent turn failure, nil after a clean turn.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
