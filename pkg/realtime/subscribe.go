package realtime

import (
	"context"
	"errors"
	"fmt"

	"socialrt/internal/ws"
	"socialrt/pkg/core"
)

// Handler receives the decoded events of one subscription. Handlers run on
// the transport read goroutine and should return quickly.
type Handler func(core.Event)

// SubscriptionInfo describes a tracked subscription.
type SubscriptionInfo struct {
	Category core.Category
	Key      string
	Topic    string
	// Active is false while the subscription waits for a connection.
	Active bool
}

// Subscribe registers handler for the topic of (category, key), connecting
// first when needed. Subscribing to a key that is already tracked, active or
// pending, does nothing and keeps the first handler.
//
// A transport failure is logged, a reconnect is scheduled and the error is
// returned with kind KindSubscribeFailure. The subscription is not kept.
// Callers may ignore that error: the reconnect already scheduled retries the
// connection, and a later Subscribe for the key starts over.
func (c *Client) Subscribe(ctx context.Context, category core.Category, key string, handler Handler) error {
	_, _, err := c.subscribe(ctx, category, key, handler)
	return err
}

// subscribe is Subscribe returning the entry it tracks. When the key was
// already tracked it returns the existing entry and existed set.
func (c *Client) subscribe(ctx context.Context, category core.Category, key string, handler Handler) (entry *subscription, existed bool, err error) {
	if !category.Valid() || key == "" || handler == nil {
		return nil, false, fmt.Errorf("%w: category=%s key=%q", core.ErrInvalidSubscription, category, key)
	}

	c.mu.Lock()
	reg := c.registries[category]
	if current := reg.get(key); current != nil {
		c.mu.Unlock()
		c.logger.Debug().Str("category", category.String()).Str("key", key).Msg("already subscribed")
		return current, true, nil
	}
	entry = &subscription{
		category: category,
		key:      key,
		topic:    category.Topic(key),
		handler:  handler,
	}
	reg.put(entry)
	c.metrics.setSubscriptions(category, reg.len())
	c.mu.Unlock()

	if err := c.establish(ctx, entry, true); err != nil {
		c.mu.Lock()
		if reg.removeEntry(entry) {
			c.metrics.setSubscriptions(category, reg.len())
		}
		c.mu.Unlock()
		return nil, false, err
	}
	return entry, false, nil
}

// Unsubscribe drops the subscription of (category, key). It does nothing
// when the key is not tracked. A subscription still waiting for a connection
// is cancelled.
func (c *Client) Unsubscribe(category core.Category, key string) {
	if !category.Valid() {
		return
	}

	c.mu.Lock()
	entry := c.registries[category].get(key)
	c.mu.Unlock()

	if entry != nil {
		c.unsubscribeEntry(entry)
	}
}

// unsubscribeEntry drops entry only while it is still the tracked
// subscription of its key. It reports whether it did.
func (c *Client) unsubscribeEntry(entry *subscription) bool {
	c.mu.Lock()
	reg := c.registries[entry.category]
	if !reg.removeEntry(entry) {
		c.mu.Unlock()
		return false
	}
	c.metrics.setSubscriptions(entry.category, reg.len())
	handle := entry.handle
	c.mu.Unlock()

	if handle != nil {
		c.release(entry.category, entry.key, handle)
	}
	c.logger.Debug().Str("category", entry.category.String()).Str("key", entry.key).Msg("unsubscribed")
	return true
}

// IsSubscribed reports whether (category, key) is tracked.
func (c *Client) IsSubscribed(category core.Category, key string) bool {
	if !category.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registries[category].has(key)
}

// Subscriptions returns the tracked subscriptions by category, then by
// insertion order.
func (c *Client) Subscriptions() []SubscriptionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []SubscriptionInfo
	for _, category := range core.Categories() {
		for _, entry := range c.registries[category].list() {
			out = append(out, SubscriptionInfo{
				Category: entry.category,
				Key:      entry.key,
				Topic:    entry.topic,
				Active:   entry.ready,
			})
		}
	}
	return out
}

// establish creates the transport subscription of entry. With wait set it
// connects first; otherwise it fails fast when no session is up.
func (c *Client) establish(ctx context.Context, entry *subscription, wait bool) error {
	if wait && c.State() != ws.StateConnected {
		if err := c.Connect(ctx); err != nil {
			if !errors.Is(err, core.ErrDisconnected) && ctx.Err() == nil && !core.IsConnectionExhausted(err) {
				c.scheduleReconnect()
			}
			return err
		}
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	var (
		handle core.Handle
		err    error
	)
	if session == nil {
		err = core.ErrNotConnected
	} else {
		handle, err = session.Subscribe(entry.topic, c.deliver(entry))
	}
	if err != nil {
		failure := core.NewError(core.KindSubscribeFailure, entry.category, entry.key, err)
		c.logFailure(failure)
		c.metrics.subscribeFailures.WithLabelValues(entry.category.String()).Inc()
		c.scheduleReconnect()
		return failure
	}

	c.mu.Lock()
	if c.registries[entry.category].get(entry.key) != entry {
		c.mu.Unlock()
		c.release(entry.category, entry.key, handle)
		return nil
	}
	entry.handle = handle
	entry.ready = true
	c.mu.Unlock()

	c.logger.Debug().Str("topic", entry.topic).Msg("subscribed")
	return nil
}

// resubscribeAll subscribes every established entry again on the current
// session. When that fails the previous entry is put back, stale handle
// included, unless the key was taken in the meantime.
func (c *Client) resubscribeAll(ctx context.Context) {
	for _, category := range core.Categories() {
		c.mu.Lock()
		previous := c.registries[category].takeReady()
		c.mu.Unlock()

		for _, old := range previous {
			entry := &subscription{
				category: old.category,
				key:      old.key,
				topic:    old.topic,
				handler:  old.handler,
			}

			c.mu.Lock()
			reg := c.registries[category]
			if reg.has(old.key) {
				c.mu.Unlock()
				continue
			}
			reg.put(entry)
			c.mu.Unlock()

			if err := c.establish(ctx, entry, false); err != nil {
				c.mu.Lock()
				reg.removeEntry(entry)
				if !reg.has(old.key) {
					reg.put(old)
				}
				c.mu.Unlock()
				c.logger.Warn().Err(err).Str("topic", old.topic).Msg("resubscribe failed, keeping previous subscription")
			}
		}

		c.mu.Lock()
		c.metrics.setSubscriptions(category, c.registries[category].len())
		c.mu.Unlock()
	}
}

// deliver returns the transport callback of entry.
func (c *Client) deliver(entry *subscription) func([]byte) {
	label := entry.category.String()
	return func(body []byte) {
		c.metrics.messages.WithLabelValues(label).Inc()

		event, err := core.DecodeEvent(entry.category, body)
		if err != nil {
			var failure *core.Error
			if !errors.As(err, &failure) {
				failure = core.NewError(core.KindPayloadDecode, entry.category, entry.key, err)
			}
			failure.Key = entry.key
			c.logFailure(failure)
			c.metrics.decodeFailures.WithLabelValues(label).Inc()
			return
		}
		c.dispatch(entry, event)
	}
}

func (c *Client) dispatch(entry *subscription, event core.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("topic", entry.topic).
				Msg("subscription handler panicked")
		}
	}()
	entry.handler(event)
}

// release unsubscribes a transport handle, logging any failure.
func (c *Client) release(category core.Category, key string, handle core.Handle) {
	if err := handle.Unsubscribe(); err != nil {
		c.metrics.teardownFailures.Inc()
		c.logFailure(core.NewError(core.KindTransportTeardown, category, key, err))
	}
}
