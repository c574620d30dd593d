package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/voyantlabs/agencydesk/auth"
	"github.com/voyantlabs/agencydesk/chat"
)

// ListOptions selects one page of a thread's messages. A zero ParentID
// requests the root timeline (replies excluded server-side); a non-zero
// ParentID pages the reply bucket under that parent.
type ListOptions struct {
	ParentID string
	Before   string // message ID cursor; empty for the most recent page
	Limit    int
}

// SendRequest is one send to an existing thread. ClientMessageID is the
// idempotency token; the server echoes it back unchanged.
type SendRequest struct {
	ThreadID        string `json:"-"`
	Content         string `json:"content"`
	ParentID        string `json:"parent_id,omitempty"`
	ClientMessageID string `json:"client_message_id"`
}

// CreateThreadRequest creates a thread and its first message in one round
// trip, so a thread can never exist with zero messages.
type CreateThreadRequest struct {
	Kind            chat.ThreadKind `json:"kind"`
	RecipientID     string          `json:"recipient_id"`
	FirstMessage    string          `json:"first_message"`
	ClientMessageID string          `json:"client_message_id"`
}

// API is the portal's chat REST surface as the session manager consumes it.
type API interface {
	GetThread(ctx context.Context, threadID string) (*chat.Thread, error)
	ListMessages(ctx context.Context, threadID string, opts ListOptions) ([]chat.Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*chat.Message, error)
	CreateThreadWithMessage(ctx context.Context, req CreateThreadRequest) (*chat.Thread, *chat.Message, error)
	AddReaction(ctx context.Context, threadID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error
	MarkRead(ctx context.Context, threadID, messageID string) error
}

// HTTPClient implements API against the portal backend.
type HTTPClient struct {
	baseURL       string
	tokenProvider auth.TokenProvider
	httpClient    *http.Client
}

// NewHTTPClient creates the REST client for the given API base URL.
func NewHTTPClient(baseURL string, provider auth.TokenProvider) *HTTPClient {
	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: provider,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do performs one authenticated JSON round trip. out may be nil when the
// response body is irrelevant.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	creds, err := c.tokenProvider.Credentials(ctx)
	if err != nil {
		return errors.Wrap(err, "chat api")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request %s %s failed", method, path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Wrapf(auth.ErrUnauthenticated, "%s %s", method, path)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "failed to decode %s %s response", method, path)
		}
	}
	return nil
}

func (c *HTTPClient) GetThread(ctx context.Context, threadID string) (*chat.Thread, error) {
	var thread chat.Thread
	if err := c.do(ctx, http.MethodGet, "/api/v1/threads/"+url.PathEscape(threadID), nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, threadID string, opts ListOptions) ([]chat.Message, error) {
	query := url.Values{}
	if opts.ParentID != "" {
		query.Set("parent_id", opts.ParentID)
	}
	if opts.Before != "" {
		query.Set("before", opts.Before)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/api/v1/threads/" + url.PathEscape(threadID) + "/messages"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, req SendRequest) (*chat.Message, error) {
	var msg chat.Message
	path := "/api/v1/threads/" + url.PathEscape(req.ThreadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &msg); err != nil {
		return nil, err
	}
	if msg.ClientMessageID != req.ClientMessageID {
		// A server that fails to echo the token breaks reconciliation.
		return nil, errors.Errorf("server did not echo client_message_id (got %q)", msg.ClientMessageID)
	}
	msg.Status = chat.DeliveryConfirmed
	return &msg, nil
}

func (c *HTTPClient) CreateThreadWithMessage(ctx context.Context, req CreateThreadRequest) (*chat.Thread, *chat.Message, error) {
	var out struct {
		Thread  chat.Thread  `json:"thread"`
		Message chat.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/threads", req, &out); err != nil {
		return nil, nil, err
	}
	out.Message.Status = chat.DeliveryConfirmed
	return &out.Thread, &out.Message, nil
}

func (c *HTTPClient) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	path := fmt.Sprintf("/api/v1/threads/%s/messages/%s/reactions",
		url.PathEscape(threadID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, nil)
}

func (c *HTTPClient) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	path := fmt.Sprintf("/api/v1/threads/%s/messages/%s/reactions/%s",
		url.PathEscape(threadID), url.PathEscape(messageID), url.PathEscape(emoji))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) MarkRead(ctx context.Context, threadID, messageID string) error {
	path := fmt.Sprintf("/api/v1/threads/%s/messages/%s/read",
		url.PathEscape(threadID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}
