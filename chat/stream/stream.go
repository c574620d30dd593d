// Package stream implements the unidirectional streaming channel used for
// AI-generated replies. Each turn is one HTTP request whose response body
// is an incremental event stream consumed until a terminal event, stream
// close, or caller cancellation.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/voyantlabs/agencydesk/auth"
	"github.com/voyantlabs/agencydesk/chat/metrics"
)

const (
	// scannerInitialBufSize is the initial line buffer for the event scanner.
	scannerInitialBufSize = 64 * 1024
	// scannerMaxBufSize bounds a single event line.
	scannerMaxBufSize = 1024 * 1024
)

// ErrTurnCanceled reports a user-initiated cancellation. It is a distinct
// completion reason, not a failure: callers record no error for it.
var ErrTurnCanceled = errors.New("streaming turn canceled")

// TurnError is a terminal server-side failure delivered on the stream.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string {
	return "streaming turn failed: " + e.Message
}

// TurnRequest describes one AI turn.
type TurnRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// EventType discriminates stream events.
type EventType string

const (
	// EventItemStart opens a new streamed item with a provisional identifier.
	EventItemStart EventType = "item.start"
	// EventItemDelta carries an incremental content fragment.
	EventItemDelta EventType = "item.delta"
	// EventItemDone finalizes the item with authoritative content and identifier.
	EventItemDone EventType = "item.done"
	// EventResponseDone marks the entire turn complete.
	EventResponseDone EventType = "response.done"
	// EventError is a terminal failure; no further events follow.
	EventError EventType = "error"
)

// Item is the streamed item payload carried by start/done events.
type Item struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
}

// Event is one decoded stream event, a tagged union on Type.
type Event struct {
	Type  EventType `json:"type"`
	Item  *Item     `json:"item,omitempty"`
	Delta string    `json:"delta,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Handler receives each decoded event in arrival order.
type Handler func(event Event)

// Client issues streaming turn requests.
type Client struct {
	endpoint      string
	tokenProvider auth.TokenProvider
	httpClient    *http.Client
}

// NewClient creates a streaming client for the given turn endpoint.
func NewClient(endpoint string, provider auth.TokenProvider) *Client {
	return &Client{
		endpoint:      endpoint,
		tokenProvider: provider,
		httpClient: &http.Client{
			Timeout: 0, // No timeout for streaming connections
		},
	}
}

// OpenStream issues one turn request and invokes onEvent for every decoded
// event until the body closes, a terminal event arrives, or ctx is
// canceled.
//
// Outcomes: nil on normal completion, ErrTurnCanceled on caller
// cancellation, *TurnError when the server reports a terminal error event,
// or a wrapped transport error otherwise. Malformed lines are skipped; a
// corrupt line never sacrifices the rest of the turn.
func (c *Client) OpenStream(ctx context.Context, turn TurnRequest, onEvent Handler) error {
	creds, err := c.tokenProvider.Credentials(ctx)
	if err != nil {
		return errors.Wrap(err, "streaming turn")
	}

	body, err := json.Marshal(turn)
	if err != nil {
		return errors.Wrap(err, "failed to encode turn request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build turn request")
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ErrTurnCanceled
		}
		return errors.Wrap(err, "failed to open stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.Wrap(auth.ErrUnauthenticated, "streaming turn rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	metrics.Default().StreamOpened()
	defer metrics.Default().StreamClosed()

	err = c.consume(ctx, resp.Body, onEvent)

	outcome := "done"
	switch {
	case errors.Is(err, ErrTurnCanceled):
		outcome = "canceled"
	case err != nil:
		outcome = "error"
	}
	metrics.Default().RecordStreamTurn(outcome)

	slog.Debug("Streaming turn finished",
		"thread_id", turn.ThreadID,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return err
}

// consume scans `data: <json>` lines off the body and dispatches events.
// The cancellation check is cooperative, between chunks.
func (c *Client) consume(ctx context.Context, body io.Reader, onEvent Handler) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ErrTurnCanceled
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// SSE comments and unknown fields are skipped.
			continue
		}
		payload = strings.TrimSpace(payload)

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			slog.Debug("Skipped malformed stream line", "line", truncate(payload, 120))
			continue
		}
		if event.Type == "" {
			continue
		}

		onEvent(event)

		switch event.Type {
		case EventResponseDone:
			return nil
		case EventError:
			return &TurnError{Message: event.Error}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ErrTurnCanceled
		}
		return errors.Wrap(err, "stream read failed")
	}
	// Body closed without response.done: treat as normal completion, the
	// server ends the stream by closing it.
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
