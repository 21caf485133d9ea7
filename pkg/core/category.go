package core

import (
	"fmt"
	"strings"
)

// Category namespaces subscription keys by the kind of entity they follow.
type Category int

// Subscription categories. The declaration order is the replay order after a reconnect.
const (
	// CategoryPost follows updates of a single post.
	CategoryPost Category = iota
	// CategoryFriend follows friend-list changes of a user.
	CategoryFriend
	// CategoryMessage follows chat messages delivered to a user.
	CategoryMessage
	// CategoryNotification follows notifications delivered to a user.
	CategoryNotification
)

var categoryNames = [...]string{"POST", "FRIEND", "MESSAGE", "NOTIFICATION"}

var categoryPrefixes = [...]string{
	"/topic/posts/",
	"/topic/friends/",
	"/topic/messages/",
	"/topic/notifications/",
}

// Categories returns every category in replay order.
func Categories() []Category {
	return []Category{CategoryPost, CategoryFriend, CategoryMessage, CategoryNotification}
}

// String returns the string representation of the category.
func (c Category) String() string {
	if !c.Valid() {
		return "UNKNOWN"
	}
	return categoryNames[c]
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	return c >= CategoryPost && c <= CategoryNotification
}

// Topic returns the broker destination for key within the category,
// e.g. "/topic/posts/42".
func (c Category) Topic(key string) string {
	if !c.Valid() {
		return ""
	}
	return categoryPrefixes[c] + key
}

// ParseCategory resolves a category from its name, case-insensitively.
// The plural forms used in topic paths ("posts", "friends", ...) are accepted too.
func ParseCategory(s string) (Category, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range categoryNames {
		if name == n || name == n+"S" {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}
