// Package session orchestrates human and visitor chat: thread load,
// optimistic send, offline queue flush, typing, presence, reactions and
// reply pagination on top of the duplex channel and the portal REST API.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/voyantlabs/agencydesk/auth"
	"github.com/voyantlabs/agencydesk/chat"
	"github.com/voyantlabs/agencydesk/chat/duplex"
	"github.com/voyantlabs/agencydesk/chat/metrics"
	"github.com/voyantlabs/agencydesk/chat/outbox"
)

// DuplexChannel is the duplex adapter surface the manager drives.
// *duplex.Client satisfies it; tests substitute fakes.
type DuplexChannel interface {
	IsConnected() bool
	JoinThread(threadID string) error
	LeaveThread(threadID string) error
	StartTyping(threadID string) error
	StopTyping(threadID string) error
	SendPresenceHeartbeat() error
	SendPresenceSet(status chat.PresenceStatus) error
}

// loadPhase is the per-thread load state machine.
type loadPhase int

const (
	phaseUnloaded loadPhase = iota
	phaseLoading
	phaseLoaded
)

// threadState is everything the manager tracks for one thread.
type threadState struct {
	phase    loadPhase
	thread   *chat.Thread
	timeline *timeline
	loadErr  error
}

// Config configures a session manager.
type Config struct {
	// LocalUserID is the authenticated portal user.
	LocalUserID string

	// AIResponderID names the AI autoresponder account. A received
	// message authored by it clears the synthetic "AI is typing"
	// indicator.
	AIResponderID string

	// TypingWindow overrides the typing indicator decay window.
	TypingWindow time.Duration

	// PageSize is the message page size for loads and reply pagination.
	PageSize int
}

// Manager is the human chat session manager. It operates on at most one
// actively joined thread at a time; joining a new thread implicitly
// leaves the previous one. All state is guarded by one mutex; callbacks
// arriving from the duplex read loop and calls from the UI serialize on it.
type Manager struct {
	api    API
	duplex DuplexChannel
	queue  *outbox.Queue
	cfg    Config

	typing   *TypingTracker
	presence *PresenceStore

	mu             sync.Mutex
	threads        map[string]*threadState
	activeThreadID string

	// pendingRecipient, when set, makes the next SendMessage create the
	// thread and its first message in one round trip.
	pendingRecipient     string
	pendingRecipientKind chat.ThreadKind
}

// NewManager creates a session manager.
func NewManager(api API, channel DuplexChannel, queue *outbox.Queue, cfg Config) *Manager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Manager{
		api:      api,
		duplex:   channel,
		queue:    queue,
		cfg:      cfg,
		typing:   NewTypingTracker(cfg.TypingWindow),
		presence: NewPresenceStore(cfg.LocalUserID),
		threads:  make(map[string]*threadState),
	}
}

// Close releases background resources.
func (m *Manager) Close() {
	m.typing.Close()
}

// DuplexCallbacks returns the callback set to register on the duplex
// client so server events flow into this manager.
func (m *Manager) DuplexCallbacks() duplex.Callbacks {
	return duplex.Callbacks{
		OnMessage:            m.HandleInboundMessage,
		OnTypingStart:        m.HandleTypingStart,
		OnTypingStop:         m.HandleTypingStop,
		OnMessageRead:        m.HandleMessageRead,
		OnReactionAdded:      m.HandleReactionAdded,
		OnReactionRemoved:    m.HandleReactionRemoved,
		OnPresenceChanged:    m.HandlePresenceChanged,
		OnConnectionRestored: m.HandleConnectionRestored,
	}
}

// ----------------------------------------------------------------------------
// Thread load
// ----------------------------------------------------------------------------

// LoadThread fetches thread metadata and the most recent page of root
// messages, then joins the thread's duplex room. Loading a thread that is
// already loading or loaded is a no-op. A failed load surfaces as a
// thread-level error state without affecting other threads.
func (m *Manager) LoadThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	if st, ok := m.threads[threadID]; ok && st.phase != phaseUnloaded {
		m.mu.Unlock()
		return nil
	}
	st := &threadState{phase: phaseLoading, timeline: newTimeline()}
	m.threads[threadID] = st
	m.mu.Unlock()

	thread, err := m.api.GetThread(ctx, threadID)
	if err == nil {
		var page []chat.Message
		page, err = m.api.ListMessages(ctx, threadID, ListOptions{Limit: m.cfg.PageSize})
		if err == nil {
			m.mu.Lock()
			st.thread = thread
			st.timeline.setRootPage(page)
			m.mu.Unlock()
		}
	}

	if err != nil {
		m.mu.Lock()
		st.phase = phaseUnloaded
		st.loadErr = err
		m.mu.Unlock()
		slog.Warn("Failed to load thread", "thread_id", threadID, "error", err)
		return errors.Wrapf(err, "failed to load thread %s", threadID)
	}

	m.joinActive(threadID)

	m.mu.Lock()
	st.phase = phaseLoaded
	st.loadErr = nil
	m.mu.Unlock()

	slog.Info("Thread loaded", "thread_id", threadID)
	return nil
}

// joinActive joins the thread's room, leaving the previously active one.
func (m *Manager) joinActive(threadID string) {
	m.mu.Lock()
	previous := m.activeThreadID
	m.activeThreadID = threadID
	m.mu.Unlock()

	if previous != "" && previous != threadID {
		if err := m.duplex.LeaveThread(previous); err != nil {
			slog.Debug("Failed to leave previous thread", "thread_id", previous, "error", err)
		}
	}
	if err := m.duplex.JoinThread(threadID); err != nil {
		slog.Warn("Failed to join thread room", "thread_id", threadID, "error", err)
	}
}

// SetRecipient primes the manager to create a new thread on the next
// SendMessage when no thread is active yet.
func (m *Manager) SetRecipient(userID string, kind chat.ThreadKind) {
	m.mu.Lock()
	m.pendingRecipient = userID
	m.pendingRecipientKind = kind
	m.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Send path
// ----------------------------------------------------------------------------

// SendMessage sends content to the active thread, or creates a thread with
// its first message when none is active and a recipient is known. The
// returned message is the optimistic entry; its ID is temporary until
// confirmation. Transient delivery failures do not return an error: they
// surface as the entry's failed status plus an offline-queue record.
func (m *Manager) SendMessage(ctx context.Context, content, parentID string) (chat.Message, error) {
	m.mu.Lock()
	threadID := m.activeThreadID
	recipient := m.pendingRecipient
	m.mu.Unlock()

	if threadID == "" {
		if recipient == "" {
			return chat.Message{}, errors.New("no active thread and no recipient")
		}
		return m.sendFirstMessage(ctx, content)
	}
	return m.send(ctx, threadID, content, parentID, chat.NewClientMessageID(), "")
}

// sendFirstMessage creates the thread and first message atomically so a
// thread can never exist with zero messages.
func (m *Manager) sendFirstMessage(ctx context.Context, content string) (chat.Message, error) {
	m.mu.Lock()
	req := CreateThreadRequest{
		Kind:            m.pendingRecipientKind,
		RecipientID:     m.pendingRecipient,
		FirstMessage:    content,
		ClientMessageID: chat.NewClientMessageID(),
	}
	m.mu.Unlock()

	thread, msg, err := m.api.CreateThreadWithMessage(ctx, req)
	if err != nil {
		metrics.Default().RecordSend("failed")
		return chat.Message{}, errors.Wrap(err, "failed to create thread")
	}

	st := &threadState{phase: phaseLoaded, thread: thread, timeline: newTimeline()}
	st.timeline.appendConfirmed(*msg)

	m.mu.Lock()
	m.threads[thread.ID] = st
	m.pendingRecipient = ""
	m.mu.Unlock()

	m.joinActive(thread.ID)
	metrics.Default().RecordSend("confirmed")
	return *msg, nil
}

// send runs the optimistic two-phase send. When retryTempID is non-empty
// the call reuses an existing failed entry instead of inserting a new one.
func (m *Manager) send(ctx context.Context, threadID, content, parentID, token, retryTempID string) (chat.Message, error) {
	tempID := retryTempID

	m.mu.Lock()
	st, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return chat.Message{}, errors.Errorf("thread %s not loaded", threadID)
	}

	var optimistic chat.Message
	if tempID == "" {
		tempID = chat.NewTempMessageID()
		optimistic = chat.Message{
			ID:              tempID,
			ClientMessageID: token,
			ThreadID:        threadID,
			ParentID:        parentID,
			Content:         content,
			AuthorID:        m.cfg.LocalUserID,
			CreatedTs:       chat.NowTs(),
			Status:          chat.DeliveryPending,
		}
		st.timeline.insertOptimistic(optimistic)
	} else {
		st.timeline.markPending(tempID)
		optimistic, _ = m.messageByID(st, tempID)
	}
	m.mu.Unlock()

	entry := outbox.Entry{
		ClientMessageID: token,
		ThreadID:        threadID,
		ParentID:        parentID,
		Content:         content,
		TempID:          tempID,
	}

	if !m.duplex.IsConnected() {
		// Offline: skip network delivery, go straight to the queue.
		m.failAndEnqueue(st, tempID, entry)
		metrics.Default().RecordSend("queued")
		return optimistic, nil
	}

	confirmed, err := m.api.SendMessage(ctx, SendRequest{
		ThreadID:        threadID,
		Content:         content,
		ParentID:        parentID,
		ClientMessageID: token,
	})
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			// Fatal for this operation; not retried automatically.
			m.mu.Lock()
			st.timeline.markFailed(tempID)
			m.mu.Unlock()
			metrics.Default().RecordSend("failed")
			return optimistic, err
		}
		m.failAndEnqueue(st, tempID, entry)
		metrics.Default().RecordSend("queued")
		slog.Warn("Send failed, message queued for retry",
			"thread_id", threadID,
			"client_message_id", token,
			"error", err,
		)
		return optimistic, nil
	}

	m.applyConfirmed(*confirmed)
	metrics.Default().RecordSend("confirmed")
	return *confirmed, nil
}

// failAndEnqueue marks the optimistic entry failed and persists it.
func (m *Manager) failAndEnqueue(st *threadState, tempID string, entry outbox.Entry) {
	m.mu.Lock()
	st.timeline.markFailed(tempID)
	m.mu.Unlock()
	if err := m.queue.Enqueue(entry); err != nil {
		slog.Error("Failed to enqueue offline send",
			"client_message_id", entry.ClientMessageID,
			"error", err,
		)
	}
}

// messageByID finds any message by its current identifier. Callers hold mu.
func (m *Manager) messageByID(st *threadState, id string) (chat.Message, bool) {
	var found chat.Message
	ok := false
	st.timeline.eachBucket(func(bucket []chat.Message) {
		for _, msg := range bucket {
			if msg.ID == id {
				found, ok = msg, true
			}
		}
	})
	return found, ok
}

// applyConfirmed runs phase 2 of the send commit: reconcile the confirmed
// message into the timeline by idempotency token and drop any matching
// offline-queue entry. Safe to call for confirmations arriving via the
// HTTP response and the duplex echo in any order.
func (m *Manager) applyConfirmed(confirmed chat.Message) {
	m.mu.Lock()
	st, ok := m.threads[confirmed.ThreadID]
	if !ok {
		m.mu.Unlock()
		return
	}
	applied := st.timeline.reconcile(confirmed)
	m.mu.Unlock()

	if !applied {
		metrics.Default().RecordDedup()
		return
	}
	if confirmed.ClientMessageID != "" {
		if err := m.queue.Remove(confirmed.ClientMessageID); err != nil {
			slog.Warn("Failed to drop confirmed entry from offline queue",
				"client_message_id", confirmed.ClientMessageID,
				"error", err,
			)
		}
	}
}

// RetryMessage re-issues a failed send under its original idempotency
// token, so a duplicate of the original attempt still in flight cannot
// double-insert.
func (m *Manager) RetryMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	var failed chat.Message
	found := false
	for _, st := range m.threads {
		if msg, ok := st.timeline.findFailed(messageID); ok {
			failed = msg
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return errors.Errorf("no failed message with id %s", messageID)
	}

	_, err := m.send(ctx, failed.ThreadID, failed.Content, failed.ParentID, failed.ClientMessageID, failed.ID)
	return err
}

// FlushOutbox replays queued sends in order. Triggered on reconnect and on
// mount; concurrent triggers coalesce into one running drain.
func (m *Manager) FlushOutbox(ctx context.Context) error {
	return m.queue.Drain(ctx, func(ctx context.Context, entry outbox.Entry) error {
		if !m.duplex.IsConnected() {
			return outbox.ErrOffline
		}
		confirmed, err := m.api.SendMessage(ctx, SendRequest{
			ThreadID:        entry.ThreadID,
			Content:         entry.Content,
			ParentID:        entry.ParentID,
			ClientMessageID: entry.ClientMessageID,
		})
		if err != nil {
			return err
		}
		m.applyConfirmed(*confirmed)
		metrics.Default().RecordSend("confirmed")
		return nil
	})
}

// ----------------------------------------------------------------------------
// Reply pagination
// ----------------------------------------------------------------------------

// LoadReplies fetches one page of replies under the parent, prepending
// older messages to the bucket. Pass the oldest known reply ID as before
// to page backwards; empty fetches the most recent page.
func (m *Manager) LoadReplies(ctx context.Context, threadID, parentID, before string) error {
	page, err := m.api.ListMessages(ctx, threadID, ListOptions{
		ParentID: parentID,
		Before:   before,
		Limit:    m.cfg.PageSize,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to load replies for %s", parentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.threads[threadID]
	if !ok {
		return errors.Errorf("thread %s not loaded", threadID)
	}
	st.timeline.prependReplies(parentID, page)
	return nil
}

// ----------------------------------------------------------------------------
// Typing / presence / reactions / read receipts
// ----------------------------------------------------------------------------

// StartTyping signals that the local user is typing in the thread.
func (m *Manager) StartTyping(threadID string) error {
	return m.duplex.StartTyping(threadID)
}

// StopTyping clears the local user's typing signal.
func (m *Manager) StopTyping(threadID string) error {
	return m.duplex.StopTyping(threadID)
}

// SetPresence applies the status locally before server acknowledgment and
// publishes it on the duplex channel.
func (m *Manager) SetPresence(status chat.PresenceStatus) error {
	if !status.IsValid() {
		return errors.Errorf("invalid presence status: %s", status)
	}
	m.presence.SetLocal(status)
	return m.duplex.SendPresenceSet(status)
}

// AddReaction sends a reaction; the local mirror updates only when the
// confirmed event comes back on the duplex channel.
func (m *Manager) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return m.api.AddReaction(ctx, threadID, messageID, emoji)
}

// RemoveReaction removes a reaction, mirrored on confirmation like AddReaction.
func (m *Manager) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return m.api.RemoveReaction(ctx, threadID, messageID, emoji)
}

// MarkRead reports the message as read.
func (m *Manager) MarkRead(ctx context.Context, threadID, messageID string) error {
	return m.api.MarkRead(ctx, threadID, messageID)
}

// MarkAIResponding shows the synthetic "AI is typing" indicator for the
// thread. It decays on the typing window like any other indicator and is
// cleared early when the AI responder's message arrives.
func (m *Manager) MarkAIResponding(threadID string) {
	if m.cfg.AIResponderID != "" {
		m.typing.Start(threadID, m.cfg.AIResponderID)
	}
}

// ----------------------------------------------------------------------------
// Inbound event handlers (registered on the duplex client)
// ----------------------------------------------------------------------------

// HandleInboundMessage merges a live message event into the timeline,
// deduplicated by identifier and idempotency token.
func (m *Manager) HandleInboundMessage(msg chat.Message) {
	m.applyConfirmed(msg)

	if m.cfg.AIResponderID != "" && msg.AuthorID == m.cfg.AIResponderID {
		m.typing.Stop(msg.ThreadID, m.cfg.AIResponderID)
	}
}

func (m *Manager) HandleTypingStart(threadID, userID string) {
	m.typing.Start(threadID, userID)
}

func (m *Manager) HandleTypingStop(threadID, userID string) {
	m.typing.Stop(threadID, userID)
}

func (m *Manager) HandleMessageRead(threadID, messageID, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.threads[threadID]; ok {
		st.timeline.setRead(messageID)
	}
}

func (m *Manager) HandleReactionAdded(threadID, messageID string, reaction chat.Reaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.threads[threadID]; ok {
		st.timeline.addReaction(messageID, reaction)
	}
}

func (m *Manager) HandleReactionRemoved(threadID, messageID string, reaction chat.Reaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.threads[threadID]; ok {
		st.timeline.removeReaction(messageID, reaction)
	}
}

func (m *Manager) HandlePresenceChanged(userID string, status chat.PresenceStatus) {
	m.presence.ApplyRemote(userID, status)
}

// HandleConnectionRestored re-subscribes the active thread and flushes the
// offline queue. The adapter does not remember subscriptions across a
// reconnect; this is where they come back.
func (m *Manager) HandleConnectionRestored() {
	m.mu.Lock()
	active := m.activeThreadID
	m.mu.Unlock()

	if active != "" {
		if err := m.duplex.JoinThread(active); err != nil {
			slog.Warn("Failed to rejoin thread after reconnect", "thread_id", active, "error", err)
		}
	}

	if !m.queue.IsEmpty() {
		go func() {
			if err := m.FlushOutbox(context.Background()); err != nil {
				slog.Warn("Offline queue flush incomplete", "error", err)
			}
		}()
	}
}

// ----------------------------------------------------------------------------
// Read-only observables
// ----------------------------------------------------------------------------

// IsConnected reports the duplex connection status.
func (m *Manager) IsConnected() bool {
	return m.duplex.IsConnected()
}

// ActiveThreadID returns the currently joined thread, if any.
func (m *Manager) ActiveThreadID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeThreadID
}

// Thread returns the loaded thread metadata.
func (m *Manager) Thread(threadID string) (*chat.Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.threads[threadID]
	if !ok || st.thread == nil {
		return nil, false
	}
	thread := *st.thread
	return &thread, true
}

// ThreadError returns the load error for a thread, if its last load failed.
func (m *Manager) ThreadError(threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.threads[threadID]; ok {
		return st.loadErr
	}
	return nil
}

// Messages returns a copy of the thread's root timeline.
func (m *Manager) Messages(threadID string) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]chat.Message, len(st.timeline.root))
	copy(out, st.timeline.root)
	return out
}

// RepliesFor returns a copy of the reply bucket under the parent message.
func (m *Manager) RepliesFor(threadID, parentID string) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	bucket := st.timeline.replies[parentID]
	out := make([]chat.Message, len(bucket))
	copy(out, bucket)
	return out
}

// TypingUsers returns users currently typing in the thread.
func (m *Manager) TypingUsers(threadID string) []string {
	return m.typing.TypingUsers(threadID)
}

// PresenceFor returns the known presence status for a user.
func (m *Manager) PresenceFor(userID string) chat.PresenceStatus {
	return m.presence.StatusFor(userID)
}

// QueueEmpty reports whether any sends are awaiting connectivity, for UI gating.
func (m *Manager) QueueEmpty() bool {
	return m.queue.IsEmpty()
}
