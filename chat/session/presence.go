package session

import (
	"sync"
	"time"

	"github.com/voyantlabs/agencydesk/chat"
)

// localPresenceGrace is how long a local optimistic presence write shields
// the local user's status from remote updates. Inside the grace period a
// remote event can only confirm the optimistic value, never replace it;
// after it, server-driven transitions (e.g. auto-away) apply normally.
const localPresenceGrace = 30 * time.Second

// PresenceStore is an owned, process-scoped map of user presence. Local
// writes apply optimistically before server acknowledgment; remote events
// never overwrite a more recent local write for the local user.
type PresenceStore struct {
	mu          sync.RWMutex
	localUserID string
	statuses    map[string]chat.PresenceStatus
	lastLocalTs time.Time
}

// NewPresenceStore creates a presence store owned by the given local user.
func NewPresenceStore(localUserID string) *PresenceStore {
	return &PresenceStore{
		localUserID: localUserID,
		statuses:    make(map[string]chat.PresenceStatus),
	}
}

// SetLocal applies an optimistic status change for the local user.
func (p *PresenceStore) SetLocal(status chat.PresenceStatus) {
	p.mu.Lock()
	p.statuses[p.localUserID] = status
	p.lastLocalTs = time.Now()
	p.mu.Unlock()
}

// ApplyRemote applies a server-confirmed presence change.
func (p *PresenceStore) ApplyRemote(userID string, status chat.PresenceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if userID == p.localUserID &&
		!p.lastLocalTs.IsZero() &&
		time.Since(p.lastLocalTs) < localPresenceGrace &&
		p.statuses[userID] != status {
		// A fresher optimistic write wins over the stale remote echo.
		return
	}
	p.statuses[userID] = status
}

// StatusFor returns the known status for a user, defaulting to offline.
func (p *PresenceStore) StatusFor(userID string) chat.PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if status, ok := p.statuses[userID]; ok {
		return status
	}
	return chat.PresenceOffline
}

// Snapshot returns a copy of the full presence map.
func (p *PresenceStore) Snapshot() map[string]chat.PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]chat.PresenceStatus, len(p.statuses))
	for id, status := range p.statuses {
		out[id] = status
	}
	return out
}
