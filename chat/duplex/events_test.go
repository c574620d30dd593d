package duplex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"message event", `{"event":"message","thread_id":"th-1","message":{"id":"m-1"}}`, true},
		{"typing event", `{"event":"typing.start","thread_id":"th-1","user_id":"u-2"}`, true},
		{"unknown event kept for forward compat", `{"event":"something.new"}`, true},
		{"missing event field", `{"thread_id":"th-1"}`, false},
		{"truncated json", `{"event":"mess`, false},
		{"not json at all", `hello`, false},
		{"empty payload", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := decodeFrame([]byte(tt.data))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				require.NotEmpty(t, f.Event)
			}
		})
	}
}

func TestDecodeFrameFields(t *testing.T) {
	f, ok := decodeFrame([]byte(`{
		"event": "reaction.added",
		"thread_id": "th-1",
		"message_id": "m-1",
		"user_id": "u-2",
		"emoji": "👍"
	}`))
	require.True(t, ok)
	assert.Equal(t, eventReactionAdded, f.Event)
	assert.Equal(t, "th-1", f.ThreadID)
	assert.Equal(t, "m-1", f.MessageID)
	assert.Equal(t, "u-2", f.UserID)
	assert.Equal(t, "👍", f.Emoji)
}
