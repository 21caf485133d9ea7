package api

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"socialrt/internal/circuitbreaker"
	httpc "socialrt/internal/http"
	"socialrt/internal/ratelimit"
	"socialrt/pkg/core"
)

const (
	pathLogin                   = "/api/auth/login"
	pathPost                    = "/api/posts/{id}"
	pathFriends                 = "/api/friends/list/{userId}"
	pathConversation            = "/api/messages/conversation"
	pathUnreadMessages          = "/api/messages/unread/{userId}"
	pathNotifications           = "/api/notifications/{userId}"
	pathUnreadNotificationCount = "/api/notifications/unread-count/{userId}"
	pathMarkNotificationRead    = "/api/notifications/mark-read/{id}"
)

// Config configures the REST client.
type Config struct {
	BaseURL    string        `json:"base_url" validate:"required,url"`
	Timeout    time.Duration `json:"timeout" validate:"min=1ms"`
	MaxRetries int           `json:"max_retries" validate:"min=0"`

	RateLimitRequests int           `json:"rate_limit_requests" validate:"min=1"`
	RateLimitPeriod   time.Duration `json:"rate_limit_period" validate:"min=1ms"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold" validate:"min=1"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold" validate:"min=1"`
	CircuitBreakerCooldown         time.Duration `json:"circuit_breaker_cooldown" validate:"min=1ms"`

	// CacheTTL keeps post and friend list lookups for this long. Zero disables caching.
	CacheTTL time.Duration `json:"cache_ttl" validate:"min=0"`
}

// DefaultConfig returns a Config for the backend at baseURL,
// e.g. "http://localhost:8080".
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:                        strings.TrimSuffix(baseURL, "/"),
		Timeout:                        10 * time.Second,
		MaxRetries:                     2,
		RateLimitRequests:              20,
		RateLimitPeriod:                time.Second,
		CircuitBreakerEnabled:          true,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 2,
		CircuitBreakerCooldown:         30 * time.Second,
		CacheTTL:                       5 * time.Second,
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Error is a non-2xx answer from the backend.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == nethttp.StatusNotFound
}

// newError builds an Error from a response body, which the backend sends as
// {"message": ...}, {"error": ...} or plain text.
func newError(status int, body []byte) *Error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if err := sonic.Unmarshal(body, &payload); err == nil {
		msg = payload.Message
		if msg == "" {
			msg = payload.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = nethttp.StatusText(status)
	}
	return &Error{StatusCode: status, Message: msg}
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the clock used by the cache and the circuit breaker.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// Client calls the social network REST API. It is used to catch up on state
// after the realtime connection was down. Clients are safe for concurrent use.
type Client struct {
	http    *httpc.Client
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	cache   *cache
	clock   clock.Clock

	mu     sync.RWMutex
	logger zerolog.Logger
	token  string
}

// New creates a Client from config.
func New(config *Config, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	hc, err := httpc.NewClient(&httpc.Config{
		BaseURL:      config.BaseURL,
		Timeout:      config.Timeout,
		MaxRetries:   config.MaxRetries,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}

	c := &Client{
		http:    hc,
		limiter: ratelimit.New(config.RateLimitRequests, config.RateLimitPeriod),
		clock:   clock.New(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.CircuitBreakerEnabled {
		c.breaker, err = circuitbreaker.New(circuitbreaker.Config{
			FailThreshold:    config.CircuitBreakerFailThreshold,
			SuccessThreshold: config.CircuitBreakerSuccessThreshold,
			Cooldown:         config.CircuitBreakerCooldown,
		}, c.clock)
		if err != nil {
			return nil, err
		}
		c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
			c.log().Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		})
	}
	if config.CacheTTL > 0 {
		c.cache = newCache(config.CacheTTL, c.clock)
	}

	return c, nil
}

// SetLogger sets the logger used by the client.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
	c.http.SetLogger(logger)
}

func (c *Client) log() *zerolog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	logger := c.logger
	return &logger
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Close releases the underlying HTTP resources.
func (c *Client) Close() error {
	if c.cache != nil {
		c.cache.clear()
	}
	return c.http.Close()
}

// Invalidate drops cached data about the entity a realtime event refers to.
func (c *Client) Invalidate(category core.Category, key string) {
	if c.cache == nil {
		return
	}
	switch category {
	case core.CategoryPost:
		c.cache.deletePrefix(postCachePrefix(key))
	case core.CategoryFriend:
		c.cache.delete(friendsCacheKey(key))
	}
}

func postCachePrefix(postID string) string { return "post:" + postID + "?" }
func friendsCacheKey(userID string) string { return "friends:" + userID }

// do sends one request through the rate limiter and circuit breaker and
// decodes a successful body into result when it is not nil.
func (c *Client) do(ctx context.Context, method, path string, result any, opts ...httpc.RequestOption) error {
	if err := c.limiter.Wait(ctx, path); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	opts = append(opts, httpc.WithBearerToken(c.Token()))
	call := func() error {
		resp, err := c.http.Do(ctx, method, path, opts...)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		if resp.IsError() {
			return newError(resp.StatusCode(), resp.Bytes())
		}
		if result == nil {
			return nil
		}
		if err := httpc.DecodeJSON(resp, result); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}

	if c.breaker == nil {
		return call()
	}
	return c.breaker.Execute(call, isClientError)
}

// isClientError keeps 4xx answers from tripping the breaker.
func isClientError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode < nethttp.StatusInternalServerError
}

// cached serves key from the cache or loads and stores it.
func cached[T any](c *Client, key string, load func() (T, error)) (T, error) {
	if c.cache != nil {
		if v, ok := c.cache.get(key); ok {
			c.log().Debug().Str("cache_key", key).Msg("cache hit")
			return v.(T), nil
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if c.cache != nil {
		c.cache.set(key, v)
	}
	return v, nil
}

// LoginResponse is the authenticated user and its token.
type LoginResponse struct {
	ID        core.ID `json:"id"`
	Email     string  `json:"email"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Role      string  `json:"role"`
	Token     string  `json:"token"`
}

// Login authenticates and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	body := map[string]string{"email": email, "password": password}

	var out LoginResponse
	if err := c.do(ctx, resty.MethodPost, pathLogin, &out, httpc.WithBody(body)); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("login: response carries no token")
	}
	c.SetToken(out.Token)
	return &out, nil
}

// Post fetches a post as seen by viewerID, which may be empty.
func (c *Client) Post(ctx context.Context, postID, viewerID string) (*core.PostUpdate, error) {
	return cached(c, postCachePrefix(postID)+viewerID, func() (*core.PostUpdate, error) {
		opts := []httpc.RequestOption{httpc.WithPathParam("id", postID)}
		if viewerID != "" {
			opts = append(opts, httpc.WithQueryParam("viewerId", viewerID))
		}

		var post core.PostUpdate
		if err := c.do(ctx, resty.MethodGet, pathPost, &post, opts...); err != nil {
			return nil, fmt.Errorf("get post %s: %w", postID, err)
		}
		return &post, nil
	})
}

// Friends lists the accepted friends of a user.
func (c *Client) Friends(ctx context.Context, userID string) ([]core.UserRef, error) {
	return cached(c, friendsCacheKey(userID), func() ([]core.UserRef, error) {
		var friends []core.UserRef
		if err := c.do(ctx, resty.MethodGet, pathFriends, &friends, httpc.WithPathParam("userId", userID)); err != nil {
			return nil, fmt.Errorf("list friends of %s: %w", userID, err)
		}
		return friends, nil
	})
}

// Conversation returns the messages exchanged by two users, oldest first.
func (c *Client) Conversation(ctx context.Context, userID1, userID2 string) ([]core.ChatMessage, error) {
	var messages []core.ChatMessage
	err := c.do(ctx, resty.MethodGet, pathConversation, &messages,
		httpc.WithQueryParam("userId1", userID1),
		httpc.WithQueryParam("userId2", userID2),
	)
	if err != nil {
		return nil, fmt.Errorf("conversation %s/%s: %w", userID1, userID2, err)
	}
	return messages, nil
}

// UnreadMessageCounts returns the number of unread messages of a user per sender id.
func (c *Client) UnreadMessageCounts(ctx context.Context, userID string) (map[string]int64, error) {
	counts := make(map[string]int64)
	if err := c.do(ctx, resty.MethodGet, pathUnreadMessages, &counts, httpc.WithPathParam("userId", userID)); err != nil {
		return nil, fmt.Errorf("unread messages of %s: %w", userID, err)
	}
	return counts, nil
}

// NotificationEntry is a notification with its sender, when known.
type NotificationEntry struct {
	Notification core.Notification `json:"notification"`
	Sender       *core.UserRef     `json:"sender,omitempty"`
}

// Notifications lists the notifications of a user.
func (c *Client) Notifications(ctx context.Context, userID string) ([]NotificationEntry, error) {
	var entries []NotificationEntry
	if err := c.do(ctx, resty.MethodGet, pathNotifications, &entries, httpc.WithPathParam("userId", userID)); err != nil {
		return nil, fmt.Errorf("notifications of %s: %w", userID, err)
	}
	return entries, nil
}

// UnreadNotificationCount returns the number of unread notifications of a user.
func (c *Client) UnreadNotificationCount(ctx context.Context, userID string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, resty.MethodGet, pathUnreadNotificationCount, &out, httpc.WithPathParam("userId", userID)); err != nil {
		return 0, fmt.Errorf("unread notification count of %s: %w", userID, err)
	}
	return out.Count, nil
}

// MarkNotificationRead marks one notification as read and returns it.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) (*core.Notification, error) {
	var n core.Notification
	if err := c.do(ctx, resty.MethodPut, pathMarkNotificationRead, &n, httpc.WithPathParam("id", notificationID)); err != nil {
		return nil, fmt.Errorf("mark notification %s read: %w", notificationID, err)
	}
	return &n, nil
}
