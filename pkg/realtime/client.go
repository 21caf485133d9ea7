package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"socialrt/internal/ws"
	"socialrt/pkg/core"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock replaces the wall clock used for reconnect timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithRegisterer registers the client metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = NewMetrics(reg)
	}
}

// Client keeps one logical broker connection and the subscriptions made
// through it. When the connection drops it reconnects with exponential
// backoff and subscribes every active topic again.
// Clients are safe for concurrent use.
type Client struct {
	config    core.Config
	transport core.Transport
	logger    zerolog.Logger
	clock     clock.Clock
	metrics   *Metrics
	state     *ws.State

	mu         sync.Mutex
	session    core.Session
	generation uint64
	inFlight   bool
	cycle      *connectCycle
	attempts   int
	timer      *clock.Timer
	timerSeq   uint64
	registries [4]*registry
	detached   []core.Session
}

// connectCycle is shared by every caller waiting for the same connection,
// across the scheduled retries, until it connects or gives up.
type connectCycle struct {
	done chan struct{}
	err  error
}

func newConnectCycle() *connectCycle {
	return &connectCycle{done: make(chan struct{})}
}

// New creates a Client for the given configuration and transport.
// The configuration is validated and copied. No connection is opened until
// Connect or Subscribe is called.
func New(config *core.Config, transport core.Transport, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	c := &Client{
		config:    *config,
		transport: transport,
		logger:    zerolog.Nop(),
		clock:     clock.New(),
		state:     &ws.State{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if config.LogLevel != "" {
		if level, err := zerolog.ParseLevel(config.LogLevel); err == nil {
			c.logger = c.logger.Level(level)
		}
	}
	for _, category := range core.Categories() {
		c.registries[category] = newRegistry()
	}

	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ws.ConnState {
	return c.state.Load()
}

// Attempts returns the number of connection attempts made since the last
// successful connection or reset.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect ensures the client is connected. It returns immediately when a
// connection is up and joins the attempt in flight otherwise.
//
// Connect returns an error of kind KindConnectionExhausted when called with
// the attempt ceiling already reached; the attempt counter is reset so the
// next call starts over. When an attempt fails below the ceiling a retry is
// scheduled and Connect keeps waiting for it. Cancelling ctx abandons the
// wait but not the attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Load() == ws.StateConnected && c.session != nil {
		c.mu.Unlock()
		return nil
	}

	cycle := c.cycle
	if !c.inFlight {
		var err error
		cycle, err = c.beginAttemptLocked()
		if err != nil {
			c.unlock()
			return err
		}
	}
	c.unlock()

	select {
	case <-cycle.done:
		return cycle.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the connection down and forgets every subscription.
// Callers waiting in Connect or Subscribe fail with core.ErrDisconnected.
// The client can be connected again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()

	var entries []*subscription
	for _, category := range core.Categories() {
		entries = append(entries, c.registries[category].clear()...)
		c.metrics.setSubscriptions(category, 0)
	}

	c.detachSessionLocked()
	c.generation++
	c.state.Store(ws.StateDisconnected)
	c.finishCycleLocked(core.ErrDisconnected)
	c.unlock()

	for _, entry := range entries {
		if entry.handle != nil {
			c.release(entry.category, entry.key, entry.handle)
		}
	}

	c.logger.Info().Int("subscriptions", len(entries)).Msg("disconnected")
}

// beginAttemptLocked opens a new transport session, or resets the client
// when the attempt ceiling is reached.
func (c *Client) beginAttemptLocked() (*connectCycle, error) {
	if c.attempts >= c.config.MaxAttempts {
		c.resetLocked()
		c.attempts = 0
		err := core.NewError(core.KindConnectionExhausted, 0, "", core.ErrConnectionExhausted)
		c.finishCycleLocked(err)
		c.metrics.exhausted.Inc()
		c.logger.Error().Int("max_attempts", c.config.MaxAttempts).Msg("connection attempts exhausted")
		return nil, err
	}

	c.attempts++
	if c.cycle == nil {
		c.cycle = newConnectCycle()
	}
	cycle := c.cycle
	c.inFlight = true
	c.generation++
	c.state.Store(ws.StateConnecting)
	c.metrics.connectAttempts.Inc()

	c.logger.Info().Int("attempt", c.attempts).Str("url", c.config.URL).Msg("connecting")

	session, err := c.transport.Open(&sessionListener{client: c, generation: c.generation})
	if err != nil {
		c.logger.Warn().Err(err).Int("attempt", c.attempts).Msg("open transport failed")
		c.failLocked(core.NewError(core.KindConnectionFailure, 0, "", err))
		return cycle, nil
	}
	c.session = session

	return cycle, nil
}

// failLocked handles a failed or lost connection: below the ceiling a
// reconnect is scheduled, at the ceiling the client is reset and the waiters
// of the current cycle get err.
func (c *Client) failLocked(err error) {
	c.inFlight = false
	c.detachSessionLocked()
	c.generation++
	c.state.Store(ws.StateDisconnected)

	if c.attempts < c.config.MaxAttempts {
		c.scheduleReconnectLocked()
		return
	}

	c.resetLocked()
	c.finishCycleLocked(err)
	c.logger.Error().Err(err).Int("attempts", c.attempts).Msg("giving up reconnecting")
}

// resetLocked drops the transport and the pending timer but keeps the
// subscription records for the next connection.
func (c *Client) resetLocked() {
	c.stopTimerLocked()
	c.detachSessionLocked()
	c.generation++
	c.inFlight = false
	c.state.Store(ws.StateDisconnected)
}

func (c *Client) finishCycleLocked(err error) {
	c.inFlight = false
	if c.cycle == nil {
		return
	}
	c.cycle.err = err
	close(c.cycle.done)
	c.cycle = nil
}

func (c *Client) detachSessionLocked() {
	if c.session == nil {
		return
	}
	c.detached = append(c.detached, c.session)
	c.session = nil
}

// unlock releases mu and then closes the sessions detached while it was held.
func (c *Client) unlock() {
	stale := c.detached
	c.detached = nil
	c.mu.Unlock()

	for _, session := range stale {
		if err := session.Close(); err != nil {
			c.metrics.teardownFailures.Inc()
			c.logger.Warn().Err(err).Msg("close session failed")
		}
	}
}

// scheduleReconnect arms the reconnect timer from outside the lock.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.unlock()
}

func (c *Client) scheduleReconnectLocked() {
	c.stopTimerLocked()

	delay := Backoff(c.config.BaseDelay, c.config.MaxDelay, c.config.Multiplier, c.attempts)
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(delay, func() { c.reconnectTick(seq) })
	c.metrics.reconnects.Inc()

	c.logger.Info().Dur("delay", delay).Int("attempt", c.attempts).Msg("reconnect scheduled")
}

func (c *Client) stopTimerLocked() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) reconnectTick(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq {
		c.mu.Unlock()
		return
	}
	c.timer = nil

	if c.attempts >= c.config.MaxAttempts {
		c.attempts = 0
		c.mu.Unlock()
		c.logger.Warn().Msg("reconnect skipped, attempt counter reset")
		return
	}
	if c.inFlight || (c.state.Load() == ws.StateConnected && c.session != nil) {
		c.mu.Unlock()
		return
	}

	_, err := c.beginAttemptLocked()
	c.unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("reconnect failed")
	}
}

func (c *Client) handleConnected(generation uint64) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		c.logger.Debug().Uint64("generation", generation).Msg("ignoring stale connect")
		return
	}
	c.state.Store(ws.StateConnected)
	c.attempts = 0
	c.stopTimerLocked()
	c.finishCycleLocked(nil)
	c.metrics.connections.Inc()
	c.unlock()

	c.logger.Info().Str("url", c.config.URL).Msg("connected")

	c.resubscribeAll(context.Background())
}

func (c *Client) handleFailure(generation uint64, reason string, cause error) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	if cause == nil {
		cause = fmt.Errorf("%s", reason)
	}
	c.logger.Warn().Err(cause).Str("reason", reason).Int("attempt", c.attempts).Msg("connection lost")
	c.failLocked(core.NewError(core.KindConnectionFailure, 0, "", cause))
	c.unlock()
}

// sessionListener forwards the lifecycle of one transport session. Events
// from a session that has since been replaced are dropped.
type sessionListener struct {
	client     *Client
	generation uint64
}

func (l *sessionListener) OnConnected() {
	l.client.handleConnected(l.generation)
}

func (l *sessionListener) OnError(err error) {
	l.client.handleFailure(l.generation, "broker error", err)
}

func (l *sessionListener) OnClosed(err error) {
	l.client.handleFailure(l.generation, "connection closed", err)
}

// logFailure is the single sink for contained failures.
func (c *Client) logFailure(err *core.Error) {
	var event *zerolog.Event
	switch err.Kind {
	case core.KindSubscribeFailure, core.KindConnectionExhausted:
		event = c.logger.Error()
	default:
		event = c.logger.Warn()
	}
	if err.Key != "" {
		event = event.Str("category", err.Category.String()).Str("key", err.Key)
	}
	event.Str("kind", err.Kind.String()).Err(err.Err).Msg("realtime failure")
}
