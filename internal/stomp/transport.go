package stomp

import (
	"time"

	"github.com/rs/zerolog"

	"socialrt/internal/transport"
	"socialrt/pkg/core"
)

// Config holds the STOMP connection settings.
type Config struct {
	URL               string
	SockJS            bool
	Host              string
	Headers           map[string]string
	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration
	HandshakeTimeout  time.Duration
}

// ConfigFrom derives the STOMP settings from a realtime client configuration.
func ConfigFrom(c *core.Config) Config {
	return Config{
		URL:               c.URL,
		SockJS:            c.SockJS,
		Host:              c.Host,
		Headers:           c.ConnectHeaders,
		HeartbeatIncoming: c.HeartbeatIncoming,
		HeartbeatOutgoing: c.HeartbeatOutgoing,
		HandshakeTimeout:  c.HandshakeTimeout,
	}
}

// Transport opens STOMP sessions over websockets. It implements core.Transport.
type Transport struct {
	config Config
	logger zerolog.Logger
}

// NewTransport creates a Transport. A zero HandshakeTimeout defaults to 10s.
func NewTransport(config Config) *Transport {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	return &Transport{
		config: config,
		logger: zerolog.Nop(),
	}
}

// SetLogger configures the logger passed to every session.
func (t *Transport) SetLogger(logger zerolog.Logger) {
	t.logger = logger
}

// Open implements core.Transport. An unusable endpoint fails synchronously;
// dial and handshake outcomes are reported to listener from another goroutine.
func (t *Transport) Open(listener core.SessionListener) (core.Session, error) {
	if _, err := transport.EndpointURL(t.config.URL, t.config.SockJS); err != nil {
		return nil, err
	}

	s := newSession(t.config, listener, t.logger.With().Str("component", "stomp").Logger())
	go s.run()
	return s, nil
}
