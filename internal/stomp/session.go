package stomp

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socialrt/internal/transport"
	"socialrt/internal/ws"
	"socialrt/pkg/core"
)

// errConnectionClosed is reported when the socket closes without a cause.
var errConnectionClosed = errors.New("connection closed")

// Session is one STOMP connection. It implements core.Session.
type Session struct {
	config   Config
	listener core.SessionListener
	logger   zerolog.Logger
	state    *ws.State

	mu        sync.Mutex
	socket    *transport.Socket
	subs      map[string]*Subscription
	closed    bool
	reported  bool
	connected bool
	readWait  time.Duration
	stopBeat  chan struct{}
}

// Subscription is a SUBSCRIBE registered on a Session. It implements core.Handle.
type Subscription struct {
	id          string
	destination string
	handler     func(body []byte)
	session     *Session
}

func newSession(config Config, listener core.SessionListener, logger zerolog.Logger) *Session {
	s := &Session{
		config:   config,
		listener: listener,
		logger:   logger,
		state:    &ws.State{},
		subs:     make(map[string]*Subscription),
	}
	s.state.Store(ws.StateConnecting)
	return s
}

// run dials the socket and sends CONNECT. The rest of the handshake completes
// on the socket read goroutine.
func (s *Session) run() {
	sock, err := transport.Dial(transport.SocketConfig{
		URL:              s.config.URL,
		SockJS:           s.config.SockJS,
		HandshakeTimeout: s.config.HandshakeTimeout,
	}, s, s.logger)
	if err != nil {
		s.terminate(func() { s.listener.OnClosed(err) })
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sock.Close()
		return
	}
	s.socket = sock
	s.mu.Unlock()

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.1,1.2",
		frame.Host, s.virtualHost(),
		frame.HeartBeat, formatHeartBeat(s.config.HeartbeatOutgoing, s.config.HeartbeatIncoming),
	)
	for k, v := range s.config.Headers {
		connect.Header.Add(k, v)
	}

	if err := s.send(connect); err != nil {
		_ = sock.Close()
		s.terminate(func() { s.listener.OnClosed(fmt.Errorf("send CONNECT: %w", err)) })
	}
}

func (s *Session) virtualHost() string {
	if s.config.Host != "" {
		return s.config.Host
	}
	if u, err := url.Parse(s.config.URL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "/"
}

// OnOpen implements transport.SocketHandler.
func (s *Session) OnOpen() {
	s.logger.Debug().Str("url", s.config.URL).Msg("socket open, sending CONNECT")
}

// OnText implements transport.SocketHandler.
func (s *Session) OnText(data []byte) {
	s.mu.Lock()
	sock, wait := s.socket, s.readWait
	s.mu.Unlock()
	if sock != nil && wait > 0 {
		sock.SetReadTimeout(wait)
	}

	frames, err := Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed frame")
	}

	for _, f := range frames {
		switch f.Command {
		case frame.CONNECTED:
			s.handleConnected(f)
		case frame.MESSAGE:
			s.handleMessage(f)
		case frame.ERROR:
			s.handleError(f)
		case frame.RECEIPT:
			s.logger.Debug().Str("receipt", f.Header.Get(frame.ReceiptId)).Msg("receipt")
		default:
			s.logger.Debug().Str("command", f.Command).Msg("unhandled frame")
		}
	}
}

// OnClose implements transport.SocketHandler.
func (s *Session) OnClose(err error) {
	s.stopHeartbeat()
	s.state.Store(ws.StateDisconnected)

	if err == nil {
		err = errConnectionClosed
	}
	s.terminate(func() { s.listener.OnClosed(err) })
}

func (s *Session) handleConnected(f *frame.Frame) {
	serverOut, serverIn, err := parseHeartBeat(f.Header.Get(frame.HeartBeat))
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring server heart-beat")
	}
	out, in := negotiateHeartBeat(s.config.HeartbeatOutgoing, s.config.HeartbeatIncoming, serverOut, serverIn)

	s.mu.Lock()
	if s.closed || s.reported || s.connected {
		duplicate := s.connected
		s.mu.Unlock()
		if duplicate {
			s.logger.Warn().Msg("ignoring duplicate CONNECTED frame")
		}
		return
	}
	s.connected = true
	sock := s.socket
	if in > 0 {
		s.readWait = 2 * in
	}
	if out > 0 {
		s.stopBeat = make(chan struct{})
		go s.heartbeat(out, s.stopBeat)
	}
	s.mu.Unlock()

	if in > 0 && sock != nil {
		sock.SetReadTimeout(2 * in)
	}

	s.state.Store(ws.StateConnected)
	s.logger.Info().
		Str("version", f.Header.Get(frame.Version)).
		Dur("heartbeat_out", out).
		Dur("heartbeat_in", in).
		Msg("stomp connected")

	s.listener.OnConnected()
}

func (s *Session) handleMessage(f *frame.Frame) {
	id := f.Header.Get(frame.Subscription)

	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().
			Str("subscription", id).
			Str("destination", f.Header.Get(frame.Destination)).
			Msg("message for unknown subscription")
		return
	}
	sub.handler(f.Body)
}

func (s *Session) handleError(f *frame.Frame) {
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = string(f.Body)
	}
	err := fmt.Errorf("stomp error: %s", msg)
	s.logger.Error().Err(err).Msg("broker sent ERROR")

	s.stopHeartbeat()
	s.state.Store(ws.StateDisconnected)

	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()

	s.terminate(func() { s.listener.OnError(err) })
	if sock != nil {
		_ = sock.Close()
	}
}

// terminate delivers the single terminal event of the session unless it was closed locally.
func (s *Session) terminate(report func()) {
	s.mu.Lock()
	if s.closed || s.reported {
		s.mu.Unlock()
		return
	}
	s.reported = true
	s.subs = make(map[string]*Subscription)
	s.mu.Unlock()

	report()
}

func (s *Session) heartbeat(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.sendRaw(heartbeatFrame); err != nil {
				s.logger.Debug().Err(err).Msg("heart-beat failed")
				return
			}
		}
	}
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	if s.stopBeat != nil {
		close(s.stopBeat)
		s.stopBeat = nil
	}
	s.mu.Unlock()
}

func (s *Session) send(f *frame.Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()

	if sock == nil {
		return core.ErrNotConnected
	}
	return sock.WriteText(data)
}

// State returns the connection state of the session.
func (s *Session) State() ws.ConnState {
	return s.state.Load()
}

// Subscribe implements core.Session.
func (s *Session) Subscribe(destination string, handler func(body []byte)) (core.Handle, error) {
	if s.state.Load() != ws.StateConnected {
		return nil, core.ErrNotConnected
	}

	sub := &Subscription{
		id:          "sub-" + uuid.NewString(),
		destination: destination,
		handler:     handler,
		session:     s,
	}

	s.mu.Lock()
	if s.closed || s.reported {
		s.mu.Unlock()
		return nil, core.ErrNotConnected
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
	if err := s.send(f); err != nil {
		s.remove(sub.id)
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}

	s.logger.Debug().Str("destination", destination).Str("id", sub.id).Msg("subscribed")
	return sub, nil
}

func (s *Session) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return false
	}
	delete(s.subs, id)
	return true
}

// Close implements core.Session. It sends DISCONNECT when the handshake had
// completed and closes the socket; no listener callback follows.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[string]*Subscription)
	sock := s.socket
	s.mu.Unlock()

	s.stopHeartbeat()
	wasConnected := s.state.Load() == ws.StateConnected
	s.state.Store(ws.StateDisconnected)

	if sock == nil {
		return nil
	}
	if wasConnected {
		disconnect := frame.New(frame.DISCONNECT, frame.Receipt, uuid.NewString())
		if err := s.send(disconnect); err != nil {
			s.logger.Debug().Err(err).Msg("send DISCONNECT")
		}
	}
	return sock.Close()
}

// ID returns the STOMP subscription id.
func (sub *Subscription) ID() string {
	return sub.id
}

// Destination returns the subscribed destination.
func (sub *Subscription) Destination() string {
	return sub.destination
}

// Unsubscribe implements core.Handle. Releasing a subscription twice is a no-op;
// releasing one whose session is gone returns core.ErrNotConnected.
func (sub *Subscription) Unsubscribe() error {
	s := sub.session
	if !s.remove(sub.id) {
		if s.State() != ws.StateConnected {
			return core.ErrNotConnected
		}
		return nil
	}
	if s.State() != ws.StateConnected {
		return core.ErrNotConnected
	}

	if err := s.send(frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.destination, err)
	}
	s.logger.Debug().Str("destination", sub.destination).Str("id", sub.id).Msg("unsubscribed")
	return nil
}
