package stomp

import (
	"errors"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialrt/internal/ws"
	"socialrt/pkg/core"
)

func openSession(t *testing.T, b *testBroker, l *recordingListener) *Session {
	t.Helper()

	tr := NewTransport(Config{
		URL:     b.url(),
		SockJS:  true,
		Headers: map[string]string{"Authorization": "Bearer token-1"},
	})
	sess, err := tr.Open(l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess.(*Session)
}

func waitConnected(t *testing.T, l *recordingListener) {
	t.Helper()
	select {
	case <-l.connected:
	case err := <-l.errors:
		require.FailNow(t, "unexpected broker error", err.Error())
	case err := <-l.closed:
		require.FailNow(t, "unexpected close", err.Error())
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for CONNECTED")
	}
}

func TestSession_Handshake(t *testing.T) {
	b := newTestBroker(t)
	l := newRecordingListener()
	sess := openSession(t, b, l)

	connect := b.expectFrame(t, frame.CONNECT)
	assert.Equal(t, "1.1,1.2", connect.Header.Get(frame.AcceptVersion))
	assert.Equal(t, "127.0.0.1", connect.Header.Get(frame.Host))
	assert.Equal(t, "0,0", connect.Header.Get(frame.HeartBeat))
	assert.Equal(t, "Bearer token-1", connect.Header.Get("Authorization"))

	waitConnected(t, l)
	assert.Equal(t, ws.StateConnected, sess.State())
}

func TestSession_SubscribeReceiveUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	l := newRecordingListener()
	sess := openSession(t, b, l)
	waitConnected(t, l)

	bodies := make(chan string, 4)
	handle, err := sess.Subscribe("/topic/posts/42", func(body []byte) {
		bodies <- string(body)
	})
	require.NoError(t, err)

	sub := b.expectFrame(t, frame.SUBSCRIBE)
	assert.Equal(t, "/topic/posts/42", sub.Header.Get(frame.Destination))
	assert.Equal(t, "auto", sub.Header.Get(frame.Ack))
	assert.Equal(t, handle.(*Subscription).ID(), sub.Header.Get(frame.Id))

	require.True(t, b.publish("/topic/posts/42", `{"id":42,"content":"hi"}`))
	select {
	case body := <-bodies:
		assert.Equal(t, `{"id":42,"content":"hi"}`, body)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "message not delivered")
	}

	require.NoError(t, handle.Unsubscribe())
	unsub := b.expectFrame(t, frame.UNSUBSCRIBE)
	assert.Equal(t, sub.Header.Get(frame.Id), unsub.Header.Get(frame.Id))

	assert.NoError(t, handle.Unsubscribe())
}

func TestSession_CloseSendsDisconnect(t *testing.T) {
	b := newTestBroker(t)
	l := newRecordingListener()
	sess := openSession(t, b, l)
	waitConnected(t, l)

	require.NoError(t, sess.Close())
	b.expectFrame(t, frame.DISCONNECT)

	assert.Equal(t, ws.StateDisconnected, sess.State())
	assert.Never(t, func() bool { return len(l.closed) > 0 || len(l.errors) > 0 },
		200*time.Millisecond, 20*time.Millisecond)

	_, err := sess.Subscribe("/topic/posts/1", func([]byte) {})
	assert.ErrorIs(t, err, core.ErrNotConnected)
}

func TestSession_DuplicateConnected(t *testing.T) {
	b := newTestBroker(t)
	b.heartBeat = "0,1000"
	l := newRecordingListener()

	tr := NewTransport(Config{URL: b.url(), SockJS: true, HeartbeatOutgoing: time.Hour})
	opened, err := tr.Open(l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = opened.Close() })
	sess := opened.(*Session)
	waitConnected(t, l)

	sess.mu.Lock()
	beat := sess.stopBeat
	sess.mu.Unlock()
	require.NotNil(t, beat)

	bodies := make(chan string, 1)
	_, err = sess.Subscribe("/topic/posts/1", func(body []byte) { bodies <- string(body) })
	require.NoError(t, err)
	b.expectFrame(t, frame.SUBSCRIBE)

	b.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,1000"))
	require.True(t, b.publish("/topic/posts/1", `{"id":1}`))
	select {
	case <-bodies:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "message not delivered")
	}

	assert.Empty(t, l.connected)
	sess.mu.Lock()
	assert.Equal(t, beat, sess.stopBeat)
	sess.mu.Unlock()
	assert.Equal(t, ws.StateConnected, sess.State())
}

func TestSession_BrokerError(t *testing.T) {
	b := newTestBroker(t)
	b.rejectWith = "bad credentials"
	l := newRecordingListener()
	openSession(t, b, l)

	select {
	case err := <-l.errors:
		assert.Contains(t, err.Error(), "bad credentials")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for ERROR")
	}

	assert.Never(t, func() bool { return len(l.closed) > 0 || len(l.connected) > 0 },
		200*time.Millisecond, 20*time.Millisecond)
}

func TestSession_ServerDrop(t *testing.T) {
	b := newTestBroker(t)
	l := newRecordingListener()
	sess := openSession(t, b, l)
	waitConnected(t, l)

	handle, err := sess.Subscribe("/topic/friends/7", func([]byte) {})
	require.NoError(t, err)
	b.expectFrame(t, frame.SUBSCRIBE)

	b.dropConnection()

	select {
	case err := <-l.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for close")
	}
	assert.ErrorIs(t, handle.Unsubscribe(), core.ErrNotConnected)
}

func TestSession_DialFailure(t *testing.T) {
	b := newTestBroker(t)
	url := b.url()
	b.server.Close()

	l := newRecordingListener()
	tr := NewTransport(Config{URL: url, SockJS: true, HandshakeTimeout: time.Second})
	tr.SetLogger(zerolog.Nop())
	sess, err := tr.Open(l)
	require.NoError(t, err)
	defer sess.Close()

	select {
	case err := <-l.closed:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for dial failure")
	}
}

func TestTransport_OpenInvalidEndpoint(t *testing.T) {
	tr := NewTransport(Config{URL: "ftp://example.com/ws"})
	sess, err := tr.Open(newRecordingListener())
	assert.Nil(t, sess)
	assert.Error(t, err)
}

func TestSession_SubscribeBeforeConnected(t *testing.T) {
	sess := newSession(Config{URL: "ws://127.0.0.1:1/ws"}, newRecordingListener(), zerolog.Nop())

	_, err := sess.Subscribe("/topic/posts/1", func([]byte) {})
	assert.True(t, errors.Is(err, core.ErrNotConnected))
	assert.Equal(t, ws.StateConnecting, sess.State())
}

func TestConfigFrom(t *testing.T) {
	c := core.DefaultConfig("http://localhost:8080/ws").WithBearerToken("t")
	sc := ConfigFrom(c)

	assert.Equal(t, c.URL, sc.URL)
	assert.True(t, sc.SockJS)
	assert.Equal(t, "Bearer t", sc.Headers["Authorization"])
	assert.Equal(t, 25*time.Second, sc.HeartbeatIncoming)
	assert.Equal(t, 10*time.Second, sc.HandshakeTimeout)
}
