// Package transport provides the WebSocket socket used to carry broker frames.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
)

// SocketConfig holds configuration options for a websocket socket.
type SocketConfig struct {
	// URL is the websocket endpoint to dial. http(s) schemes are rewritten to ws(s).
	URL string
	// SockJS dials the raw websocket endpoint of a SockJS server ("<URL>/websocket").
	SockJS bool
	// HandshakeTimeout bounds the HTTP upgrade.
	HandshakeTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
}

// SocketHandler receives the events of a Socket. All callbacks run on the
// socket's read goroutine, in order.
type SocketHandler interface {
	OnOpen()
	OnText(data []byte)
	OnClose(err error)
}

// Socket is a client websocket connection delivering text messages to a handler.
type Socket struct {
	conn    *gws.Conn
	handler SocketHandler
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type socketEvents struct {
	socket *Socket
}

// EndpointURL returns the websocket address for raw. With sockjs set, the
// SockJS raw websocket path is appended, so "http://host/ws" becomes
// "ws://host/ws/websocket".
func EndpointURL(raw string, sockjs bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("endpoint has no host")
	}

	if sockjs {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	return u.String(), nil
}

// Dial opens a websocket and starts its read loop. OnOpen is the first
// callback the handler receives.
func Dial(config SocketConfig, handler SocketHandler, logger zerolog.Logger) (*Socket, error) {
	addr, err := EndpointURL(config.URL, config.SockJS)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		handler: handler,
		logger:  logger,
	}

	conn, _, err := gws.NewClient(&socketEvents{socket: s}, &gws.ClientOption{
		Addr:             addr,
		RequestHeader:    config.Header,
		HandshakeTimeout: config.HandshakeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	s.conn = conn

	s.logger.Debug().Str("url", addr).Msg("websocket dialed")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.ReadLoop()
	}()

	return s, nil
}

func (e *socketEvents) OnOpen(socket *gws.Conn) {
	e.socket.handler.OnOpen()
}

func (e *socketEvents) OnClose(socket *gws.Conn, err error) {
	e.socket.mu.Lock()
	e.socket.closed = true
	e.socket.mu.Unlock()

	e.socket.logger.Debug().Err(err).Msg("websocket closed")
	e.socket.handler.OnClose(err)
}

func (e *socketEvents) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (e *socketEvents) OnPong(socket *gws.Conn, payload []byte) {}

func (e *socketEvents) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	if message.Opcode != gws.OpcodeText && message.Opcode != gws.OpcodeBinary {
		return
	}
	// message buffers are pooled; hand the handler its own copy
	data := append([]byte(nil), message.Bytes()...)
	e.socket.handler.OnText(data)
}

// WriteText sends data as a single text message.
func (s *Socket) WriteText(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return errors.New("websocket closed")
	}
	return s.conn.WriteMessage(gws.OpcodeText, data)
}

// SetReadTimeout makes the read loop fail when nothing arrives within d.
// A zero d clears the deadline.
func (s *Socket) SetReadTimeout(d time.Duration) {
	if d <= 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
}

// Close sends a normal close frame and closes the network connection.
// It does not wait for the read loop to exit.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.WriteClose(1000, nil)
	return s.conn.NetConn().Close()
}

// Wait blocks until the read loop has exited.
func (s *Socket) Wait() {
	s.wg.Wait()
}
