package stomp

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testBroker is a minimal in-process STOMP broker served on "/ws/websocket",
// the raw websocket path of a SockJS endpoint.
type testBroker struct {
	server   *httptest.Server
	received chan *frame.Frame

	mu         sync.Mutex
	conn       *websocket.Conn
	subs       map[string]string
	rejectWith string
	heartBeat  string
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	b := &testBroker{
		received: make(chan *frame.Frame, 256),
		subs:     make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/websocket", b.handle)
	b.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.dropConnection()
		b.server.Close()
	})
	return b
}

// url returns the SockJS-style endpoint of the broker.
func (b *testBroker) url() string {
	return b.server.URL + "/ws"
}

func (b *testBroker) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := Decode(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			b.serve(f)
			select {
			case b.received <- f:
			default:
			}
		}
	}
}

func (b *testBroker) serve(f *frame.Frame) {
	switch f.Command {
	case frame.CONNECT:
		b.mu.Lock()
		reject := b.rejectWith
		heartBeat := b.heartBeat
		b.mu.Unlock()
		if reject != "" {
			b.write(frame.New(frame.ERROR, frame.Message, reject))
			return
		}
		if heartBeat == "" {
			heartBeat = "0,0"
		}
		b.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, heartBeat))
	case frame.SUBSCRIBE:
		b.mu.Lock()
		b.subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
		b.mu.Unlock()
	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		for dest, id := range b.subs {
			if id == f.Header.Get(frame.Id) {
				delete(b.subs, dest)
			}
		}
		b.mu.Unlock()
	}
}

func (b *testBroker) write(f *frame.Frame) {
	data, err := Encode(f)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.WriteMessage(websocket.TextMessage, data)
	}
}

// publish sends body to the subscriber of destination, if any.
func (b *testBroker) publish(destination, body string) bool {
	b.mu.Lock()
	id, ok := b.subs[destination]
	b.mu.Unlock()
	if !ok {
		return false
	}

	f := frame.New(frame.MESSAGE,
		frame.Subscription, id,
		frame.Destination, destination,
		frame.MessageId, "m-1",
	)
	f.Body = []byte(body)
	b.write(f)
	return true
}

func (b *testBroker) dropConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// expectFrame waits for the next received frame with the given command.
func (b *testBroker) expectFrame(t *testing.T, command string) *frame.Frame {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-b.received:
			if f.Command == command {
				return f
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for frame", command)
			return nil
		}
	}
}

// recordingListener records the lifecycle callbacks of a session.
type recordingListener struct {
	connected chan struct{}
	errors    chan error
	closed    chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected: make(chan struct{}, 4),
		errors:    make(chan error, 4),
		closed:    make(chan error, 4),
	}
}

func (l *recordingListener) OnConnected()       { l.connected <- struct{}{} }
func (l *recordingListener) OnError(err error)  { l.errors <- err }
func (l *recordingListener) OnClosed(err error) { l.closed <- err }
