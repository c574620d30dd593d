package session

import (
	"sync"
	"time"
)

// defaultTypingWindow is the decay window for typing indicators. An
// indicator with no refresh inside the window clears itself even if the
// stop signal never arrives (abrupt disconnects).
const defaultTypingWindow = 6 * time.Second

// typingKey identifies one indicator.
type typingKey struct {
	threadID string
	userID   string
}

// TypingTracker holds ephemeral per-(thread, user) typing state with a
// fixed decay window. Safe for concurrent use.
type TypingTracker struct {
	mu      sync.Mutex
	window  time.Duration
	expires map[typingKey]time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewTypingTracker creates a tracker and starts its background sweeper.
func NewTypingTracker(window time.Duration) *TypingTracker {
	if window <= 0 {
		window = defaultTypingWindow
	}
	t := &TypingTracker{
		window:  window,
		expires: make(map[typingKey]time.Time),
		stopCh:  make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Start records or refreshes a typing indicator.
func (t *TypingTracker) Start(threadID, userID string) {
	t.mu.Lock()
	t.expires[typingKey{threadID, userID}] = time.Now().Add(t.window)
	t.mu.Unlock()
}

// Stop clears an indicator immediately.
func (t *TypingTracker) Stop(threadID, userID string) {
	t.mu.Lock()
	delete(t.expires, typingKey{threadID, userID})
	t.mu.Unlock()
}

// IsTyping reports whether the user has a live indicator in the thread.
func (t *TypingTracker) IsTyping(threadID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.expires[typingKey{threadID, userID}]
	return ok && time.Now().Before(deadline)
}

// TypingUsers returns the users with live indicators in the thread.
// Expired entries are pruned on the way out, so readers never observe a
// stale indicator even between sweeps.
func (t *TypingTracker) TypingUsers(threadID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var users []string
	for key, deadline := range t.expires {
		if key.threadID != threadID {
			continue
		}
		if now.After(deadline) {
			delete(t.expires, key)
			continue
		}
		users = append(users, key.userID)
	}
	return users
}

// sweep drops expired indicators so abandoned ones do not accumulate.
func (t *TypingTracker) sweep() {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for key, deadline := range t.expires {
				if now.After(deadline) {
					delete(t.expires, key)
				}
			}
			t.mu.Unlock()
		}
	}
}

// Close stops the background sweeper.
func (t *TypingTracker) Close() {
	t.once.Do(func() { close(t.stopCh) })
}
