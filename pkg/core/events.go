package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// ID is an entity identifier. The backend emits ids both as JSON numbers and
// as strings; both decode into the same textual form.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "null":
		*id = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := sonic.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = ID(str)
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("invalid id %s", s)
		}
		*id = ID(s)
	}
	return nil
}

// String returns the identifier text.
func (id ID) String() string {
	return string(id)
}

// Event is a decoded realtime payload. The concrete type is determined by the
// category of the topic it arrived on.
type Event interface {
	// Category returns the subscription category the event belongs to.
	Category() Category
	// RawJSON returns the payload exactly as received.
	RawJSON() []byte
}

// UserRef is the user summary embedded in posts, comments and messages.
type UserRef struct {
	ID        ID     `json:"id"`
	Username  string `json:"username,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// Comment is a comment attached to a post.
type Comment struct {
	ID        ID       `json:"id"`
	Content   string   `json:"content"`
	User      *UserRef `json:"user,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
}

// PostUpdate is the full post object pushed on /topic/posts/{id}.
type PostUpdate struct {
	ID           ID          `json:"id" validate:"required"`
	UserID       ID          `json:"userId,omitempty"`
	User         *UserRef    `json:"user,omitempty"`
	Content      string      `json:"content"`
	Images       []string    `json:"images,omitempty"`
	Videos       []string    `json:"videos,omitempty"`
	Privacy      string      `json:"privacy,omitempty"`
	Likes        []ID        `json:"likes,omitempty"`
	Comments     []Comment   `json:"comments,omitempty"`
	IsShared     bool        `json:"isShared,omitempty"`
	OriginalPost *PostUpdate `json:"originalPost,omitempty"`
	CreatedAt    string      `json:"createdAt,omitempty"`
	UpdatedAt    string      `json:"updatedAt,omitempty"`

	raw []byte
}

// Category implements Event.
func (p *PostUpdate) Category() Category { return CategoryPost }

// RawJSON implements Event.
func (p *PostUpdate) RawJSON() []byte { return p.raw }

// FriendUpdate is pushed on /topic/friends/{userId} when a friend request is
// sent, answered or a friendship is removed. NEW_REQUEST carries RequestID
// and User; UNFRIENDED carries UserID and FriendID.
type FriendUpdate struct {
	Type      string   `json:"type" validate:"required"`
	RequestID ID       `json:"requestId,omitempty"`
	User      *UserRef `json:"user,omitempty"`
	UserID    ID       `json:"userId,omitempty"`
	FriendID  ID       `json:"friendId,omitempty"`
	Friend    *UserRef `json:"friend,omitempty"`

	raw []byte
}

// Category implements Event.
func (f *FriendUpdate) Category() Category { return CategoryFriend }

// RawJSON implements Event.
func (f *FriendUpdate) RawJSON() []byte { return f.raw }

// ChatMessage is a single private chat message.
type ChatMessage struct {
	ID         ID     `json:"id"`
	SenderID   ID     `json:"senderId,omitempty"`
	ReceiverID ID     `json:"receiverId,omitempty"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp,omitempty"`
	Read       bool   `json:"read,omitempty"`
}

// MessageEvent is pushed on /topic/messages/{userId}.
type MessageEvent struct {
	// Type is the event kind, e.g. "NEW_MESSAGE".
	Type    string       `json:"type" validate:"required"`
	Sender  *UserRef     `json:"sender,omitempty"`
	Message *ChatMessage `json:"message,omitempty"`

	raw []byte
}

// Category implements Event.
func (m *MessageEvent) Category() Category { return CategoryMessage }

// RawJSON implements Event.
func (m *MessageEvent) RawJSON() []byte { return m.raw }

// Notification is a single notification record.
type Notification struct {
	ID        ID     `json:"id" validate:"required"`
	Type      string `json:"type"`
	SenderID  ID     `json:"senderId,omitempty"`
	EntityID  ID     `json:"entityId,omitempty"`
	Content   string `json:"content,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// NotificationEvent is pushed on /topic/notifications/{userId}.
type NotificationEvent struct {
	Type         string        `json:"type,omitempty"`
	Notification *Notification `json:"notification" validate:"required"`
	Sender       *UserRef      `json:"sender,omitempty"`

	raw []byte
}

// Category implements Event.
func (n *NotificationEvent) Category() Category { return CategoryNotification }

// RawJSON implements Event.
func (n *NotificationEvent) RawJSON() []byte { return n.raw }

var eventValidator = validator.New()

// DecodeEvent parses data into the typed event of the given category and
// validates it. The returned error is a *Error of kind KindPayloadDecode.
func DecodeEvent(category Category, data []byte) (Event, error) {
	var (
		ev     Event
		target any
	)
	switch category {
	case CategoryPost:
		p := &PostUpdate{raw: data}
		ev, target = p, p
	case CategoryFriend:
		f := &FriendUpdate{raw: data}
		ev, target = f, f
	case CategoryMessage:
		m := &MessageEvent{raw: data}
		ev, target = m, m
	case CategoryNotification:
		n := &NotificationEvent{raw: data}
		ev, target = n, n
	default:
		return nil, NewError(KindPayloadDecode, category, "", fmt.Errorf("unknown category %d", int(category)))
	}

	if err := sonic.Unmarshal(data, target); err != nil {
		return nil, NewError(KindPayloadDecode, category, "", fmt.Errorf("unmarshal: %w", err))
	}
	if err := eventValidator.Struct(target); err != nil {
		return nil, NewError(KindPayloadDecode, category, "", fmt.Errorf("validate: %w", err))
	}
	return ev, nil
}
