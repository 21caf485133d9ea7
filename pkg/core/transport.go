package core

// Transport opens broker sessions. It is the seam between the realtime client
// and the wire protocol; internal/stomp provides the STOMP-over-WebSocket
// implementation.
type Transport interface {
	// Open starts a new session and returns immediately. The handshake runs
	// in the background and its outcome is reported through the listener,
	// never synchronously from within Open.
	Open(listener SessionListener) (Session, error)
}

// SessionListener receives lifecycle events of one session. Each session
// reports OnConnected at most once, and at most one of OnError or OnClosed
// afterwards or in its place.
type SessionListener interface {
	// OnConnected is called when the broker acknowledged the handshake.
	OnConnected()
	// OnError is called when the broker sent a protocol error.
	OnError(err error)
	// OnClosed is called when the underlying socket closed or failed.
	OnClosed(err error)
}

// Session is a live broker session.
type Session interface {
	// Subscribe registers handler for messages on destination. Handler
	// invocations for one destination are sequential and in arrival order.
	Subscribe(destination string, handler func(body []byte)) (Handle, error)
	// Close tears the session down. Listener callbacks are not delivered after Close.
	Close() error
}

// Handle is a transport-level subscription owned by a subscription entry.
type Handle interface {
	// Unsubscribe releases the subscription on the broker.
	Unsubscribe() error
}
