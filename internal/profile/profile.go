// Package profile holds the runtime configuration for the chat engine
// client. Values come from flags (via the cmd entry point) and from
// environment variables prefixed AGENCYDESK_.
package profile

import (
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the chat client.
type Profile struct {
	// Portal endpoints
	APIBaseURL string // REST base, e.g. https://portal.example.com
	DuplexURL  string // websocket endpoint, e.g. wss://portal.example.com/ws/chat
	StreamURL  string // AI turn endpoint, e.g. https://portal.example.com/api/v1/ai/turns

	// Session credentials (normally injected by the portal shell)
	AccessToken string
	UserID      string

	// Engine tuning
	AIResponderID     string
	TypingWindow      time.Duration
	HeartbeatInterval time.Duration
	PageSize          int

	// Durable storage for the offline queue
	Data   string // data directory (file driver) or DSN (sqlite driver)
	Driver string // "file" or "sqlite"

	Mode    string
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. Values already
// set (e.g. from flags) are only overridden when the variable is present.
func (p *Profile) FromEnv() {
	p.APIBaseURL = getEnvOrDefault("AGENCYDESK_API_BASE_URL", p.APIBaseURL)
	p.DuplexURL = getEnvOrDefault("AGENCYDESK_DUPLEX_URL", p.DuplexURL)
	p.StreamURL = getEnvOrDefault("AGENCYDESK_STREAM_URL", p.StreamURL)
	p.AccessToken = getEnvOrDefault("AGENCYDESK_ACCESS_TOKEN", p.AccessToken)
	p.UserID = getEnvOrDefault("AGENCYDESK_USER_ID", p.UserID)
	p.AIResponderID = getEnvOrDefault("AGENCYDESK_AI_RESPONDER_ID", p.AIResponderID)
	p.Data = getEnvOrDefault("AGENCYDESK_DATA", p.Data)
	p.Driver = getEnvOrDefault("AGENCYDESK_DRIVER", p.Driver)

	if secs := getEnvOrDefaultInt("AGENCYDESK_TYPING_WINDOW_SECONDS", 0); secs > 0 {
		p.TypingWindow = time.Duration(secs) * time.Second
	}
	if secs := getEnvOrDefaultInt("AGENCYDESK_HEARTBEAT_SECONDS", 0); secs > 0 {
		p.HeartbeatInterval = time.Duration(secs) * time.Second
	}
	if size := getEnvOrDefaultInt("AGENCYDESK_PAGE_SIZE", 0); size > 0 {
		p.PageSize = size
	}
}

// Validate checks the profile for a usable configuration.
func (p *Profile) Validate() error {
	if p.APIBaseURL == "" {
		return errors.New("api base url required")
	}
	if _, err := url.Parse(p.APIBaseURL); err != nil {
		return errors.Wrapf(err, "invalid api base url %s", p.APIBaseURL)
	}
	if p.DuplexURL == "" {
		return errors.New("duplex url required")
	}
	if p.StreamURL == "" {
		return errors.New("stream url required")
	}
	if p.Driver != "file" && p.Driver != "sqlite" {
		return errors.Errorf("unknown storage driver %q (want file or sqlite)", p.Driver)
	}
	if p.Data == "" {
		return errors.New("data directory (or dsn) required")
	}
	return nil
}
