package duplex

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyantlabs/agencydesk/chat"
)

// fakeConn is a scriptable Conn. Inbound frames are pushed on the inbound
// channel; outbound frames are recorded.
type fakeConn struct {
	inbound chan []byte

	mu      sync.Mutex
	written []frame

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentOps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]string, 0, len(c.written))
	for _, f := range c.written {
		ops = append(ops, f.Op)
	}
	return ops
}

func (c *fakeConn) push(t *testing.T, f frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	c.inbound <- data
}

func connect(t *testing.T, conn Conn, callbacks Callbacks) *Client {
	t.Helper()
	client, err := NewClient(Config{
		HeartbeatInterval: time.Hour, // keep heartbeats out of the way
		DialFunc: func(_ context.Context) (Conn, error) {
			return conn, nil
		},
	}, callbacks)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func TestConnectFiresRestoredCallback(t *testing.T) {
	restored := make(chan struct{}, 1)
	client := connect(t, newFakeConn(), Callbacks{
		OnConnectionRestored: func() { restored <- struct{}{} },
	})
	waitFor(t, restored)
	assert.True(t, client.IsConnected())
}

func TestMessageForJoinedThreadIsDelivered(t *testing.T) {
	conn := newFakeConn()
	messages := make(chan chat.Message, 1)
	client := connect(t, conn, Callbacks{
		OnMessage: func(msg chat.Message) { messages <- msg },
	})
	require.NoError(t, client.JoinThread("th-1"))

	conn.push(t, frame{
		Event:    eventMessage,
		ThreadID: "th-1",
		Message:  &chat.Message{ID: "m-1", ThreadID: "th-1", Content: "hi"},
	})

	msg := waitFor(t, messages)
	assert.Equal(t, "m-1", msg.ID)
	// Inbound messages are server-acknowledged by definition.
	assert.Equal(t, chat.DeliveryConfirmed, msg.Status)
}

func TestEventsForUnjoinedThreadsAreDropped(t *testing.T) {
	conn := newFakeConn()
	messages := make(chan chat.Message, 1)
	client := connect(t, conn, Callbacks{
		OnMessage: func(msg chat.Message) { messages <- msg },
	})
	require.NoError(t, client.JoinThread("th-1"))

	conn.push(t, frame{
		Event:    eventMessage,
		ThreadID: "th-other",
		Message:  &chat.Message{ID: "m-ignored", ThreadID: "th-other"},
	})
	conn.push(t, frame{
		Event:    eventMessage,
		ThreadID: "th-1",
		Message:  &chat.Message{ID: "m-1", ThreadID: "th-1"},
	})

	// Only the joined thread's message comes through, proving the
	// unjoined one was dropped ahead of it.
	msg := waitFor(t, messages)
	assert.Equal(t, "m-1", msg.ID)
}

func TestPresenceBypassesThreadFilter(t *testing.T) {
	conn := newFakeConn()
	presence := make(chan chat.PresenceStatus, 1)
	connect(t, conn, Callbacks{
		OnPresenceChanged: func(_ string, status chat.PresenceStatus) { presence <- status },
	})

	// No thread joined at all.
	conn.push(t, frame{Event: eventPresenceChanged, UserID: "u-2", Status: "dnd"})
	assert.Equal(t, chat.PresenceDnd, waitFor(t, presence))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	conn := newFakeConn()
	typing := make(chan string, 1)
	client := connect(t, conn, Callbacks{
		OnTypingStart: func(_, userID string) { typing <- userID },
	})
	require.NoError(t, client.JoinThread("th-1"))

	conn.inbound <- []byte(`{"event":`)
	conn.inbound <- []byte(`not json`)
	conn.push(t, frame{Event: eventTypingStart, ThreadID: "th-1", UserID: "u-2"})

	assert.Equal(t, "u-2", waitFor(t, typing))
}

func TestVerbsSerializeExpectedOps(t *testing.T) {
	conn := newFakeConn()
	client := connect(t, conn, Callbacks{})

	require.NoError(t, client.JoinThread("th-1"))
	require.NoError(t, client.StartTyping("th-1"))
	require.NoError(t, client.StopTyping("th-1"))
	require.NoError(t, client.SendPresenceSet(chat.PresenceAway))
	require.NoError(t, client.LeaveThread("th-1"))

	assert.Equal(t, []string{opJoin, opTypingStart, opTypingStop, opPresenceSet, opLeave}, conn.sentOps())
}

func TestReconnectResetsJoinedThreads(t *testing.T) {
	conns := make(chan *fakeConn, 2)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first
	conns <- second

	restored := make(chan struct{}, 2)
	client, err := NewClient(Config{
		HeartbeatInterval: time.Hour,
		DialFunc: func(_ context.Context) (Conn, error) {
			return <-conns, nil
		},
	}, Callbacks{
		OnConnectionRestored: func() { restored <- struct{}{} },
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	waitFor(t, restored)
	require.NoError(t, client.JoinThread("th-1"))

	// Kill the first connection; the client redials and fires the
	// restored callback again.
	first.Close()
	waitFor(t, restored)
	assert.True(t, client.IsConnected())

	// The joined set does not survive the reconnect: the caller must
	// re-join before thread events flow again.
	assert.False(t, client.isJoined("th-1"))
}

func TestWriteWhileDisconnectedFails(t *testing.T) {
	conn := newFakeConn()
	client := connect(t, conn, Callbacks{})
	require.NoError(t, client.Close())
	assert.Error(t, client.StartTyping("th-1"))
}
