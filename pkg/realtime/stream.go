package realtime

import (
	"context"
	"fmt"
	"sync"

	"socialrt/pkg/core"
)

// Stream subscribes to (category, key) and delivers its events on a channel
// with room for buffer events. When the consumer falls behind, new events
// are dropped and counted. The subscription ends and the channel is closed
// once ctx is done. A key that is already tracked is rejected.
func (c *Client) Stream(ctx context.Context, category core.Category, key string, buffer int) (<-chan core.Event, error) {
	if buffer < 1 {
		buffer = 1
	}

	out := &eventChannel{ch: make(chan core.Event, buffer)}
	label := category.String()
	handler := func(event core.Event) {
		if !out.offer(event) {
			c.metrics.dropped.WithLabelValues(label).Inc()
			c.logger.Warn().Str("category", label).Str("key", key).Msg("stream buffer full, event dropped")
		}
	}

	entry, existed, err := c.subscribe(ctx, category, key, handler)
	if err != nil {
		return nil, err
	}
	if existed {
		return nil, fmt.Errorf("%w: %s %s is already subscribed", core.ErrInvalidSubscription, category, key)
	}

	go func() {
		<-ctx.Done()
		c.unsubscribeEntry(entry)
		out.close()
	}()

	return out.ch, nil
}

type eventChannel struct {
	mu     sync.Mutex
	ch     chan core.Event
	closed bool
}

// offer sends without blocking. It reports false when the event was dropped.
func (e *eventChannel) offer(event core.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return true
	}
	select {
	case e.ch <- event:
		return true
	default:
		return false
	}
}

func (e *eventChannel) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
