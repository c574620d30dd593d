package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingStartStop(t *testing.T) {
	tracker := NewTypingTracker(time.Minute)
	defer tracker.Close()

	tracker.Start("th-1", "u-2")
	assert.True(t, tracker.IsTyping("th-1", "u-2"))
	assert.False(t, tracker.IsTyping("th-1", "u-3"))
	assert.False(t, tracker.IsTyping("th-2", "u-2"))

	tracker.Stop("th-1", "u-2")
	assert.False(t, tracker.IsTyping("th-1", "u-2"))
}

func TestTypingDecaysWithoutStop(t *testing.T) {
	tracker := NewTypingTracker(30 * time.Millisecond)
	defer tracker.Close()

	// The stop signal never arrives (abrupt disconnect); the indicator
	// must clear on its own.
	tracker.Start("th-1", "u-2")
	assert.True(t, tracker.IsTyping("th-1", "u-2"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, tracker.IsTyping("th-1", "u-2"))
	assert.Empty(t, tracker.TypingUsers("th-1"))
}

func TestTypingRefreshExtendsWindow(t *testing.T) {
	tracker := NewTypingTracker(80 * time.Millisecond)
	defer tracker.Close()

	tracker.Start("th-1", "u-2")
	time.Sleep(50 * time.Millisecond)
	tracker.Start("th-1", "u-2") // refresh
	time.Sleep(50 * time.Millisecond)

	// 100ms after the first start but only 50ms after the refresh.
	assert.True(t, tracker.IsTyping("th-1", "u-2"))
}

func TestTypingUsersScopedToThread(t *testing.T) {
	tracker := NewTypingTracker(time.Minute)
	defer tracker.Close()

	tracker.Start("th-1", "u-2")
	tracker.Start("th-1", "u-3")
	tracker.Start("th-2", "u-4")

	users := tracker.TypingUsers("th-1")
	assert.ElementsMatch(t, []string{"u-2", "u-3"}, users)
}
