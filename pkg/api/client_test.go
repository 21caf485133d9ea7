package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialrt/pkg/core"
)

// backend is a scripted REST server recording the requests it served.
type backend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{routes: make(map[string]func(http.ResponseWriter, *http.Request))}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		b.requests = append(b.requests, r)
		b.bodies = append(b.bodies, string(body))
		route := b.routes[r.Method+" "+r.URL.Path]
		b.mu.Unlock()

		if route == nil {
			http.NotFound(w, r)
			return
		}
		route(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) handle(method, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[method+" "+path] = fn
}

func (b *backend) reply(method, path string, status int, body string) {
	b.handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *backend) last() (*http.Request, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1], b.bodies[len(b.bodies)-1]
}

func newTestClient(t *testing.T, b *backend, modify func(*Config)) (*Client, *clock.Mock) {
	t.Helper()

	config := DefaultConfig(b.URL)
	config.MaxRetries = 0
	config.RateLimitRequests = 1000
	if modify != nil {
		modify(config)
	}

	mock := clock.NewMock()
	client, err := New(config, WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mock
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty url", func(c *Config) { c.BaseURL = "" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"zero rate limit", func(c *Config) { c.RateLimitRequests = 0 }},
		{"negative cache ttl", func(c *Config) { c.CacheTTL = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("http://localhost:8080")
			tt.modify(config)
			_, err := New(config)
			assert.Error(t, err)
		})
	}

	_, err := New(nil)
	assert.Error(t, err)
}

func TestLogin_StoresToken(t *testing.T) {
	b := newBackend(t)
	b.reply(http.MethodPost, "/api/auth/login", http.StatusOK,
		`{"id":"u1","email":"a@b.c","firstName":"An","lastName":"Le","role":"USER","token":"jwt-1"}`)
	b.reply(http.MethodGet, "/api/notifications/unread-count/u1", http.StatusOK, `{"count":4}`)
	client, _ := newTestClient(t, b, nil)

	resp, err := client.Login(context.Background(), "a@b.c", "secret")
	require.NoError(t, err)
	assert.Equal(t, core.ID("u1"), resp.ID)
	assert.Equal(t, "jwt-1", client.Token())

	req, body := b.last()
	assert.Empty(t, req.Header.Get("Authorization"))
	var sent map[string]string
	require.NoError(t, sonic.UnmarshalString(body, &sent))
	assert.Equal(t, map[string]string{"email": "a@b.c", "password": "secret"}, sent)

	count, err := client.UnreadNotificationCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	req, _ = b.last()
	assert.Equal(t, "Bearer jwt-1", req.Header.Get("Authorization"))
}

func TestLogin_Rejected(t *testing.T) {
	b := newBackend(t)
	b.reply(http.MethodPost, "/api/auth/login", http.StatusBadRequest, `{"message":"bad credentials"}`)
	client, _ := newTestClient(t, b, nil)

	_, err := client.Login(context.Background(), "a@b.c", "wrong")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad credentials", apiErr.Message)
	assert.Empty(t, client.Token())
}

func TestPost_CachedUntilInvalidated(t *testing.T) {
	b := newBackend(t)
	b.reply(http.MethodGet, "/api/posts/42", http.StatusOK, `{"id":42,"content":"hello","likes":["u1"]}`)
	client, mock := newTestClient(t, b, nil)
	ctx := context.Background()

	post, err := client.Post(ctx, "42", "u9")
	require.NoError(t, err)
	assert.Equal(t, core.ID("42"), post.ID)
	assert.Equal(t, "hello", post.Content)
	assert.Equal(t, []core.ID{"u1"}, post.Likes)

	req, _ := b.last()
	assert.Equal(t, "u9", req.URL.Query().Get("viewerId"))

	_, err = client.Post(ctx, "42", "u9")
	require.NoError(t, err)
	assert.Equal(t, 1, b.count())

	client.Invalidate(core.CategoryPost, "42")
	_, err = client.Post(ctx, "42", "u9")
	require.NoError(t, err)
	assert.Equal(t, 2, b.count())

	mock.Add(5 * time.Second)
	_, err = client.Post(ctx, "42", "u9")
	require.NoError(t, err)
	assert.Equal(t, 3, b.count())
}

func TestPost_NotFound(t *testing.T) {
	b := newBackend(t)
	client, _ := newTestClient(t, b, nil)

	_, err := client.Post(context.Background(), "missing", "")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	req, _ := b.last()
	assert.False(t, req.URL.Query().Has("viewerId"))
}

func TestFriends(t *testing.T) {
	b := newBackend(t)
	b.reply(http.MethodGet, "/api/friends/list/u1", http.StatusOK,
		`[{"id":"u2","firstName":"Binh","lastName":"Tran"},{"id":"u3","firstName":"Chi"}]`)
	client, _ := newTestClient(t, b, nil)

	friends, err := client.Friends(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, core.ID("u2"), friends[0].ID)
	assert.Equal(t, "Tran", friends[0].LastName)

	client.Invalidate(core.CategoryFriend, "u1")
	_, err = client.Friends(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.count())
}

func TestMessages(t *testing.T) {
	b := newBackend(t)
	b.reply(http.MethodGet, "/api/messages/conversation", http.StatusOK,
		`[{"id":"m1","senderId":"u1","receiverId":"u2","content":"hi","read":true}]`)
	b.reply(http.MethodGet, "/api/messages/unread/u2", http.StatusOK, `{"u1":3,"u5":1}`)
	client, _ := newTestClient(t, b, nil)
	ctx := context.Background()

	messages, err := client.Conversation(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)

	req, _ := b.last()
	assert.Equal(t, "u1", req.URL.Query().Get("userId1"))
	assert.Equal(t, "u2", req.URL.Query().Get("userId2"))

	counts, err := client.UnreadMessageCounts(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u1": 3, "u5": 1}, counts)
}

func TestNotifications(t *testing.T) {
	b := newBackend(t)
	b.reply(http.MethodGet, "/api/notifications/u1", http.StatusOK,
		`[{"notification":{"id":"n1","type":"LIKE","read":false},"sender":{"id":"u2"}},{"notification":{"id":"n2","type":"COMMENT","read":true}}]`)
	b.reply(http.MethodPut, "/api/notifications/mark-read/n1", http.StatusOK, `{"id":"n1","type":"LIKE","read":true}`)
	client, _ := newTestClient(t, b, nil)
	ctx := context.Background()

	entries, err := client.Notifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.ID("n1"), entries[0].Notification.ID)
	require.NotNil(t, entries[0].Sender)
	assert.Equal(t, core.ID("u2"), entries[0].Sender.ID)
	assert.Nil(t, entries[1].Sender)

	n, err := client.MarkNotificationRead(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, n.Read)

	req, _ := b.last()
	assert.Equal(t, http.MethodPut, req.Method)
}

func TestCircuitBreaker(t *testing.T) {
	b := newBackend(t)
	b.reply(http.MethodGet, "/api/notifications/unread-count/u1", http.StatusInternalServerError, `{"error":"db down"}`)
	client, mock := newTestClient(t, b, func(c *Config) {
		c.CircuitBreakerFailThreshold = 2
		c.CircuitBreakerSuccessThreshold = 1
		c.CircuitBreakerCooldown = time.Minute
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.UnreadNotificationCount(ctx, "u1")
		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "db down", apiErr.Message)
	}

	_, err := client.UnreadNotificationCount(ctx, "u1")
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, 2, b.count())

	b.reply(http.MethodGet, "/api/notifications/unread-count/u1", http.StatusOK, `{"count":1}`)
	mock.Add(time.Minute)
	count, err := client.UnreadNotificationCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCircuitBreaker_IgnoresClientErrors(t *testing.T) {
	b := newBackend(t)
	client, _ := newTestClient(t, b, func(c *Config) {
		c.CircuitBreakerFailThreshold = 1
		c.CacheTTL = 0
	})

	for i := 0; i < 3; i++ {
		_, err := client.Post(context.Background(), "gone", "")
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, 3, b.count())
}

func TestClose(t *testing.T) {
	b := newBackend(t)
	client, _ := newTestClient(t, b, nil)
	require.NoError(t, client.Close())

	_, err := client.Friends(context.Background(), "u1")
	assert.True(t, errors.Is(err, core.ErrClientClosed))
	assert.Equal(t, 0, b.count())
}

func TestNewError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", 400, `{"message":"invalid"}`, "invalid"},
		{"error field", 500, `{"error":"boom"}`, "boom"},
		{"plain text", 403, "no access\n", "no access"},
		{"empty body", 404, "", "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.want, err.Message)
		})
	}
}
