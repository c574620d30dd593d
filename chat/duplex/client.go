// Package duplex maintains the persistent bidirectional connection used
// for human and visitor chat. One client process holds one connection;
// per-thread rooms, typing, presence, reactions and read receipts are
// multiplexed over it.
package duplex

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/voyantlabs/agencydesk/auth"
	"github.com/voyantlabs/agencydesk/chat"
	"github.com/voyantlabs/agencydesk/chat/metrics"
)

const (
	// reconnectBaseDelay is the first reconnect backoff step.
	reconnectBaseDelay = 500 * time.Millisecond
	// reconnectMaxDelay caps the backoff between reconnect attempts.
	reconnectMaxDelay = 30 * time.Second

	// defaultHeartbeatInterval is how often presence heartbeats are sent
	// while the connection is up.
	defaultHeartbeatInterval = 25 * time.Second
)

// Conn is the subset of the websocket connection the client uses.
// Narrowing the type keeps the read/write pumps testable without a server.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes one connection. The default dialer speaks websocket
// with a bearer Authorization header from the token provider.
type Dialer func(ctx context.Context) (Conn, error)

// Config configures the duplex client.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://portal.example.com/ws/chat.
	URL string

	// TokenProvider supplies the bearer credential for the handshake.
	TokenProvider auth.TokenProvider

	// HeartbeatInterval overrides the presence heartbeat cadence.
	HeartbeatInterval time.Duration

	// DialFunc overrides the connection factory. Tests inject fakes here.
	DialFunc Dialer
}

// Client is the duplex channel adapter.
//
// Reconnection is automatic and transparent: when the read loop fails the
// client redials with capped backoff, then fires OnConnectionRestored.
// The joined-thread set is forgotten across a reconnect; re-subscription
// is the session manager's responsibility.
type Client struct {
	cfg       Config
	callbacks Callbacks
	dial      Dialer

	mu     sync.Mutex
	conn   Conn
	joined map[string]bool

	connected atomic.Bool
	closed    atomic.Bool
	cancel    context.CancelFunc

	// heartbeatLimiter bounds how often heartbeats go out even if several
	// triggers (ticker, explicit calls) coincide.
	heartbeatLimiter *rate.Limiter

	wg sync.WaitGroup
}

// NewClient creates a duplex client. Connect must be called before use.
func NewClient(cfg Config, callbacks Callbacks) (*Client, error) {
	if cfg.URL == "" && cfg.DialFunc == nil {
		return nil, errors.New("duplex: endpoint URL required")
	}
	if cfg.TokenProvider == nil && cfg.DialFunc == nil {
		return nil, errors.New("duplex: token provider required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	c := &Client{
		cfg:              cfg,
		callbacks:        callbacks,
		joined:           make(map[string]bool),
		heartbeatLimiter: rate.NewLimiter(rate.Every(cfg.HeartbeatInterval/2), 1),
	}
	c.dial = cfg.DialFunc
	if c.dial == nil {
		c.dial = c.dialWebsocket
	}
	return c, nil
}

// dialWebsocket performs the websocket handshake with a bearer credential.
func (c *Client) dialWebsocket(ctx context.Context) (Conn, error) {
	creds, err := c.cfg.TokenProvider.Credentials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "duplex handshake")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.Wrap(auth.ErrUnauthenticated, "duplex handshake rejected")
		}
		return nil, errors.Wrapf(err, "failed to dial %s", c.cfg.URL)
	}
	return conn, nil
}

// Connect establishes the connection and starts the background read and
// heartbeat loops. It returns once the first connection attempt settles;
// later drops are handled by the internal reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	conn, err := c.dial(runCtx)
	if err != nil {
		cancel()
		return err
	}
	c.installConn(conn)

	c.wg.Add(2)
	go c.readLoop(runCtx)
	go c.heartbeatLoop(runCtx)

	if c.callbacks.OnConnectionRestored != nil {
		c.callbacks.OnConnectionRestored()
	}
	return nil
}

// installConn swaps in a fresh connection and resets per-connection state.
func (c *Client) installConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.joined = make(map[string]bool)
	c.mu.Unlock()
	c.connected.Store(true)
}

// Close tears the connection down permanently. No reconnect follows.
func (c *Client) Close() error {
	c.closed.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.connected.Store(false)
	return nil
}

// IsConnected reports whether the connection is currently up. Session
// managers use this as the engine's single online/offline signal.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// readLoop consumes frames until the connection drops, then reconnects.
func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			c.dispatch(data)
		}

		c.connected.Store(false)
		_ = conn.Close()

		if c.closed.Load() || ctx.Err() != nil {
			return
		}

		slog.Warn("Duplex connection lost, reconnecting")
		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect redials with capped exponential backoff. Returns false when
// the client is closed before a connection could be re-established.
func (c *Client) reconnect(ctx context.Context) bool {
	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.installConn(conn)
			metrics.Default().RecordReconnect()
			slog.Info("Duplex connection restored")
			if c.callbacks.OnConnectionRestored != nil {
				c.callbacks.OnConnectionRestored()
			}
			return true
		}

		if errors.Is(err, auth.ErrUnauthenticated) {
			// A dead token will not heal by retrying faster.
			slog.Error("Duplex reconnect rejected, credentials invalid", "error", err)
		} else {
			slog.Warn("Duplex reconnect failed", "delay", delay, "error", err)
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// dispatch decodes one inbound frame and routes it to the registered
// callback. Malformed frames and events for threads this process has not
// joined are dropped here, at the single parse boundary.
func (c *Client) dispatch(data []byte) {
	f, ok := decodeFrame(data)
	if !ok {
		metrics.Default().RecordDuplexDrop()
		slog.Debug("Dropped malformed duplex frame", "size", len(data))
		return
	}

	// Presence is process-global; everything else is scoped to a joined
	// thread.
	if f.Event != eventPresenceChanged && !c.isJoined(f.ThreadID) {
		metrics.Default().RecordDuplexDrop()
		slog.Debug("Dropped event for unjoined thread",
			"event", f.Event,
			"thread_id", f.ThreadID,
		)
		return
	}

	metrics.Default().RecordDuplexEvent(f.Event)

	switch f.Event {
	case eventMessage:
		if c.callbacks.OnMessage != nil && f.Message != nil {
			msg := *f.Message
			msg.Status = chat.DeliveryConfirmed
			c.callbacks.OnMessage(msg)
		}
	case eventTypingStart:
		if c.callbacks.OnTypingStart != nil {
			c.callbacks.OnTypingStart(f.ThreadID, f.UserID)
		}
	case eventTypingStop:
		if c.callbacks.OnTypingStop != nil {
			c.callbacks.OnTypingStop(f.ThreadID, f.UserID)
		}
	case eventMessageRead:
		if c.callbacks.OnMessageRead != nil {
			c.callbacks.OnMessageRead(f.ThreadID, f.MessageID, f.UserID)
		}
	case eventReactionAdded:
		if c.callbacks.OnReactionAdded != nil {
			c.callbacks.OnReactionAdded(f.ThreadID, f.MessageID, chat.Reaction{Emoji: f.Emoji, UserID: f.UserID})
		}
	case eventReactionRemoved:
		if c.callbacks.OnReactionRemoved != nil {
			c.callbacks.OnReactionRemoved(f.ThreadID, f.MessageID, chat.Reaction{Emoji: f.Emoji, UserID: f.UserID})
		}
	case eventPresenceChanged:
		status := chat.PresenceStatus(f.Status)
		if c.callbacks.OnPresenceChanged != nil && status.IsValid() {
			c.callbacks.OnPresenceChanged(f.UserID, status)
		}
	default:
		// Unknown event types are tolerated for forward compatibility.
		slog.Debug("Ignored unknown duplex event", "event", f.Event)
	}
}

func (c *Client) isJoined(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[threadID]
}

// writeFrame serializes one outbound frame. The write lock keeps the
// single-writer constraint of the underlying connection.
func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.connected.Load() {
		return errors.New("duplex: not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "failed to send %s", f.Op)
	}
	return nil
}

// JoinThread subscribes this process to the thread's event multicast.
func (c *Client) JoinThread(threadID string) error {
	if err := c.writeFrame(frame{Op: opJoin, ThreadID: threadID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.joined[threadID] = true
	c.mu.Unlock()
	return nil
}

// LeaveThread unsubscribes from the thread. Events still in flight for it
// are dropped at the dispatch boundary.
func (c *Client) LeaveThread(threadID string) error {
	c.mu.Lock()
	delete(c.joined, threadID)
	c.mu.Unlock()
	return c.writeFrame(frame{Op: opLeave, ThreadID: threadID})
}

// StartTyping emits an ephemeral typing-start signal for the thread.
func (c *Client) StartTyping(threadID string) error {
	return c.writeFrame(frame{Op: opTypingStart, ThreadID: threadID})
}

// StopTyping emits a typing-stop signal for the thread.
func (c *Client) StopTyping(threadID string) error {
	return c.writeFrame(frame{Op: opTypingStop, ThreadID: threadID})
}

// SendPresenceHeartbeat tells the server this user is still here. Calls
// beyond the rate limit are silently coalesced.
func (c *Client) SendPresenceHeartbeat() error {
	if !c.heartbeatLimiter.Allow() {
		return nil
	}
	return c.writeFrame(frame{Op: opPresenceHeartbeat})
}

// SendPresenceSet publishes an explicit presence status.
func (c *Client) SendPresenceSet(status chat.PresenceStatus) error {
	if !status.IsValid() {
		return errors.Errorf("invalid presence status: %s", status)
	}
	return c.writeFrame(frame{Op: opPresenceSet, Status: string(status)})
}

// heartbeatLoop sends periodic presence heartbeats while connected.
func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			if err := c.SendPresenceHeartbeat(); err != nil {
				slog.Debug("Presence heartbeat failed", "error", err)
			}
		}
	}
}
