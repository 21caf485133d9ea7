package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"socialrt/pkg/core"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	mu       sync.Mutex
	sessions []*fakeSession
	openErr  error
}

func (t *fakeTransport) Open(listener core.SessionListener) (core.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.openErr != nil {
		return nil, t.openErr
	}
	s := &fakeSession{listener: listener, handlers: make(map[string]func([]byte))}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *fakeTransport) session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[i]
}

func (t *fakeTransport) setOpenErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

type fakeSession struct {
	listener core.SessionListener

	mu             sync.Mutex
	subscribed     []string
	unsubscribed   []string
	handlers       map[string]func([]byte)
	subscribeErr   error
	unsubscribeErr error
	closed         bool
}

func (s *fakeSession) Subscribe(destination string, handler func([]byte)) (core.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribed = append(s.subscribed, destination)
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.handlers[destination] = handler
	return &fakeHandle{session: s, destination: destination}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) connect()       { s.listener.OnConnected() }
func (s *fakeSession) fail(err error) { s.listener.OnError(err) }
func (s *fakeSession) drop(err error) { s.listener.OnClosed(err) }
func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) subscribeCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func (s *fakeSession) unsubscribeCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribed...)
}

func (s *fakeSession) setSubscribeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

// publish delivers body to the handler of destination, reporting whether one exists.
func (s *fakeSession) publish(destination, body string) bool {
	s.mu.Lock()
	handler := s.handlers[destination]
	s.mu.Unlock()

	if handler == nil {
		return false
	}
	handler([]byte(body))
	return true
}

type fakeHandle struct {
	session     *fakeSession
	destination string
}

func (h *fakeHandle) Unsubscribe() error {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribed = append(s.unsubscribed, h.destination)
	delete(s.handlers, h.destination)
	return s.unsubscribeErr
}

func testConfig(maxAttempts int) *core.Config {
	return core.DefaultConfig("ws://broker.test/ws").
		WithReconnect(maxAttempts, 100*time.Millisecond, time.Second)
}

func newTestClient(t *testing.T, config *core.Config) (*Client, *fakeTransport, *clock.Mock) {
	t.Helper()

	transport := &fakeTransport{}
	mock := clock.NewMock()
	client, err := New(config, transport, WithClock(mock), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)

	return client, transport, mock
}

func connectAsync(c *Client) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	return done
}

func waitOpened(t *testing.T, transport *fakeTransport, n int) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool { return transport.opened() >= n }, waitFor, tick)
	return transport.session(n - 1)
}

func receive(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

// connected returns a client with an established session.
func connected(t *testing.T, config *core.Config) (*Client, *fakeTransport, *clock.Mock) {
	t.Helper()

	client, transport, mock := newTestClient(t, config)
	done := connectAsync(client)
	waitOpened(t, transport, 1).connect()
	require.NoError(t, receive(t, done))
	return client, transport, mock
}
