package realtime

import (
	"context"

	"socialrt/pkg/core"
)

// typed adapts a handler of one concrete event type. Events of any other
// type are ignored.
func typed[T core.Event](fn func(T)) Handler {
	if fn == nil {
		return nil
	}
	return func(event core.Event) {
		if v, ok := event.(T); ok {
			fn(v)
		}
	}
}

// SubscribePost follows likes, comments and edits of one post.
func (c *Client) SubscribePost(ctx context.Context, postID string, fn func(*core.PostUpdate)) error {
	return c.Subscribe(ctx, core.CategoryPost, postID, typed(fn))
}

// SubscribeFriendUpdates follows friend requests and friendship changes of a user.
func (c *Client) SubscribeFriendUpdates(ctx context.Context, userID string, fn func(*core.FriendUpdate)) error {
	return c.Subscribe(ctx, core.CategoryFriend, userID, typed(fn))
}

// SubscribeMessages follows the direct messages of a user.
func (c *Client) SubscribeMessages(ctx context.Context, userID string, fn func(*core.MessageEvent)) error {
	return c.Subscribe(ctx, core.CategoryMessage, userID, typed(fn))
}

// SubscribeNotifications follows the notifications of a user.
func (c *Client) SubscribeNotifications(ctx context.Context, userID string, fn func(*core.NotificationEvent)) error {
	return c.Subscribe(ctx, core.CategoryNotification, userID, typed(fn))
}

// UnsubscribePost stops following a post.
func (c *Client) UnsubscribePost(postID string) {
	c.Unsubscribe(core.CategoryPost, postID)
}

// UnsubscribeFriendUpdates stops following the friend updates of a user.
func (c *Client) UnsubscribeFriendUpdates(userID string) {
	c.Unsubscribe(core.CategoryFriend, userID)
}

// UnsubscribeMessages stops following the messages of a user.
func (c *Client) UnsubscribeMessages(userID string) {
	c.Unsubscribe(core.CategoryMessage, userID)
}

// UnsubscribeNotifications stops following the notifications of a user.
func (c *Client) UnsubscribeNotifications(userID string) {
	c.Unsubscribe(core.CategoryNotification, userID)
}
