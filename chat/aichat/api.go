package aichat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/voyantlabs/agencydesk/auth"
	"github.com/voyantlabs/agencydesk/chat"
)

// HTTPThreadAPI implements ThreadAPI against the portal backend.
type HTTPThreadAPI struct {
	baseURL       string
	tokenProvider auth.TokenProvider
	httpClient    *http.Client
}

// NewHTTPThreadAPI creates the thread-creation client.
func NewHTTPThreadAPI(baseURL string, provider auth.TokenProvider) *HTTPThreadAPI {
	return &HTTPThreadAPI{
		baseURL:       baseURL,
		tokenProvider: provider,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPThreadAPI) CreateThread(ctx context.Context) (*chat.Thread, error) {
	creds, err := c.tokenProvider.Credentials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ai thread create")
	}

	body, err := json.Marshal(map[string]string{"kind": string(chat.ThreadKindAI)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/ai/threads", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "thread create request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.Wrap(auth.ErrUnauthenticated, "thread create rejected")
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("thread create failed with status %d", resp.StatusCode)
	}

	var thread chat.Thread
	if err := json.NewDecoder(resp.Body).Decode(&thread); err != nil {
		return nil, errors.Wrap(err, "failed to decode thread")
	}
	return &thread, nil
}
