package http

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"socialrt/pkg/core"
)

// Client is a JSON REST client with sonic codecs and request logging.
type Client struct {
	client *resty.Client
	mu     sync.RWMutex
	logger zerolog.Logger
	closed bool
}

// Config configures a Client.
type Config struct {
	BaseURL      string            `validate:"required,url"`
	Timeout      time.Duration     `validate:"min=1ms"`
	MaxRetries   int               `validate:"min=0"`
	RetryWaitMin time.Duration     `validate:"min=0"`
	RetryWaitMax time.Duration     `validate:"min=0"`
	Headers      map[string]string `validate:"omitempty"`
}

// RequestOption customizes a single request.
type RequestOption func(*resty.Request)

var validate = validator.New()

// NewClient creates a Client from config.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rc := resty.New()
	rc.SetBaseURL(config.BaseURL)
	rc.SetTimeout(config.Timeout)
	rc.SetRetryCount(config.MaxRetries)
	rc.SetRetryWaitTime(config.RetryWaitMin)
	rc.SetRetryMaxWaitTime(config.RetryWaitMax)
	rc.SetHeader("Accept", "application/json")
	rc.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	for k, v := range config.Headers {
		rc.SetHeader(k, v)
	}

	c := &Client{
		client: rc,
		logger: zerolog.Nop(),
	}

	rc.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		c.log().Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})
	rc.AddResponseMiddleware(func(_ *resty.Client, resp *resty.Response) error {
		c.log().Debug().
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).
			Int("status", resp.StatusCode()).
			Int("size", len(resp.Bytes())).
			Msg("http response")
		return nil
	})

	return c, nil
}

// SetLogger sets the logger used for request tracing.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

func (c *Client) log() *zerolog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	logger := c.logger
	return &logger
}

// Close releases idle connections. Later requests fail with core.ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// Do sends a request with the given method and path.
func (c *Client) Do(ctx context.Context, method, path string, opts ...RequestOption) (*resty.Response, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, core.ErrClientClosed
	}
	req := c.client.R().SetContext(ctx)
	c.mu.RUnlock()

	for _, opt := range opts {
		opt(req)
	}
	return req.Execute(method, path)
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*resty.Response, error) {
	return c.Do(ctx, resty.MethodGet, path, opts...)
}

// Post sends a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*resty.Response, error) {
	return c.Do(ctx, resty.MethodPost, path, append([]RequestOption{WithBody(body)}, opts...)...)
}

// Put sends a PUT request.
func (c *Client) Put(ctx context.Context, path string, opts ...RequestOption) (*resty.Response, error) {
	return c.Do(ctx, resty.MethodPut, path, opts...)
}

func WithBody(body any) RequestOption {
	return func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(body)
	}
}

func WithBearerToken(token string) RequestOption {
	return func(r *resty.Request) {
		if token != "" {
			r.SetAuthToken(token)
		}
	}
}

func WithHeader(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetHeader(key, value)
	}
}

func WithPathParam(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetPathParam(key, value)
	}
}

func WithQueryParam(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetQueryParam(key, value)
	}
}

// DecodeJSON unmarshals the body of resp into v.
func DecodeJSON(resp *resty.Response, v any) error {
	body := resp.Bytes()
	if len(body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return sonic.Unmarshal(body, v)
}
