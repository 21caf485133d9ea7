package core

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the connection and reconnect settings of a realtime client.
type Config struct {
	// URL is the broker endpoint, e.g. "http://localhost:8080/ws".
	URL string `json:"url" validate:"required,url"`
	// SockJS selects the raw WebSocket endpoint of a SockJS server ("<URL>/websocket").
	SockJS bool `json:"sockjs"`
	// Host is sent as the STOMP virtual host; the URL host is used when empty.
	Host string `json:"host,omitempty"`
	// ConnectHeaders are added to the STOMP CONNECT frame, e.g. an Authorization header.
	ConnectHeaders map[string]string `json:"connect_headers,omitempty"`

	MaxAttempts int           `json:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `json:"base_delay" validate:"min=1ms"`
	MaxDelay    time.Duration `json:"max_delay" validate:"min=1ms,gtefield=BaseDelay"`
	Multiplier  float64       `json:"multiplier" validate:"gte=1"`

	HeartbeatIncoming time.Duration `json:"heartbeat_incoming" validate:"min=0"`
	HeartbeatOutgoing time.Duration `json:"heartbeat_outgoing" validate:"min=0"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout" validate:"min=1ms"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config for the given endpoint with the reconnect
// policy of the web client: 5 attempts, 5s base delay growing by 1.5x up to
// 30s, and 25s heart-beats in both directions. SockJS is enabled for http(s) URLs.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		SockJS:            strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://"),
		MaxAttempts:       5,
		BaseDelay:         5 * time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        1.5,
		HeartbeatIncoming: 25 * time.Second,
		HeartbeatOutgoing: 25 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		LogLevel:          "info",
	}
}

var validate = validator.New()

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// WithReconnect sets the reconnect policy and returns the config for chaining.
func (c *Config) WithReconnect(maxAttempts int, baseDelay, maxDelay time.Duration) *Config {
	c.MaxAttempts = maxAttempts
	c.BaseDelay = baseDelay
	c.MaxDelay = maxDelay
	return c
}

// WithHeartbeat sets the STOMP heart-beat intervals and returns the config for chaining.
// Zero disables the corresponding direction.
func (c *Config) WithHeartbeat(incoming, outgoing time.Duration) *Config {
	c.HeartbeatIncoming = incoming
	c.HeartbeatOutgoing = outgoing
	return c
}

// WithConnectHeader adds a STOMP CONNECT header and returns the config for chaining.
func (c *Config) WithConnectHeader(key, value string) *Config {
	if c.ConnectHeaders == nil {
		c.ConnectHeaders = make(map[string]string)
	}
	c.ConnectHeaders[key] = value
	return c
}

// WithBearerToken sets the Authorization CONNECT header and returns the config for chaining.
func (c *Config) WithBearerToken(token string) *Config {
	return c.WithConnectHeader("Authorization", "Bearer "+token)
}

// WithSockJS enables or disables SockJS endpoint derivation and returns the config for chaining.
func (c *Config) WithSockJS(enabled bool) *Config {
	c.SockJS = enabled
	return c
}
