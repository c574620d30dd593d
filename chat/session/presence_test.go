package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/voyantlabs/agencydesk/chat"
)

func TestPresenceDefaultsOffline(t *testing.T) {
	store := NewPresenceStore("u-1")
	assert.Equal(t, chat.PresenceOffline, store.StatusFor("u-stranger"))
}

func TestPresenceRemoteUpdatesApply(t *testing.T) {
	store := NewPresenceStore("u-1")
	store.ApplyRemote("u-2", chat.PresenceDnd)
	assert.Equal(t, chat.PresenceDnd, store.StatusFor("u-2"))
}

func TestLocalWriteWinsOverStaleRemoteEcho(t *testing.T) {
	store := NewPresenceStore("u-1")
	store.SetLocal(chat.PresenceDnd)

	// A remote event carrying the pre-change status arrives late.
	store.ApplyRemote("u-1", chat.PresenceOnline)
	assert.Equal(t, chat.PresenceDnd, store.StatusFor("u-1"))
}

func TestRemoteConfirmationOfLocalWriteApplies(t *testing.T) {
	store := NewPresenceStore("u-1")
	store.SetLocal(chat.PresenceAway)

	// The server echoing the same status is a confirmation, not a conflict.
	store.ApplyRemote("u-1", chat.PresenceAway)
	assert.Equal(t, chat.PresenceAway, store.StatusFor("u-1"))
}

func TestRemoteAppliesForLocalUserAfterGrace(t *testing.T) {
	store := NewPresenceStore("u-1")
	store.SetLocal(chat.PresenceOnline)
	store.lastLocalTs = time.Now().Add(-localPresenceGrace - time.Second)

	// Outside the grace window server-driven transitions (auto-away) win.
	store.ApplyRemote("u-1", chat.PresenceAway)
	assert.Equal(t, chat.PresenceAway, store.StatusFor("u-1"))
}

func TestSnapshotCopies(t *testing.T) {
	store := NewPresenceStore("u-1")
	store.ApplyRemote("u-2", chat.PresenceOnline)

	snap := store.Snapshot()
	snap["u-2"] = chat.PresenceOffline
	assert.Equal(t, chat.PresenceOnline, store.StatusFor("u-2"))
}
