package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"socialrt/internal/stomp"
	"socialrt/pkg/api"
	"socialrt/pkg/core"
	"socialrt/pkg/realtime"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "subscribe to topics and print every event as a JSON line",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "post", Usage: "post id to follow"},
			&cli.StringSliceFlag{Name: "friends", Usage: "user id whose friend updates to follow"},
			&cli.StringSliceFlag{Name: "messages", Usage: "user id whose messages to follow"},
			&cli.StringSliceFlag{Name: "notifications", Usage: "user id whose notifications to follow"},
			&cli.BoolFlag{Name: "refresh", Usage: "fetch the current state from the API after each post or notification event"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address", EnvVars: []string{"RTWATCH_METRICS_ADDR"}},
		},
		Action: runWatch,
	}
}

func unreadCommand() *cli.Command {
	return &cli.Command{
		Name:      "unread",
		Usage:     "print unread notification and message counts of a user",
		ArgsUsage: "<user-id>",
		Action:    runUnread,
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// newAPI creates the REST client and logs in when credentials are given.
func newAPI(ctx context.Context, c *cli.Context, logger zerolog.Logger) (*api.Client, error) {
	client, err := api.New(api.DefaultConfig(c.String("api-url")))
	if err != nil {
		return nil, err
	}
	client.SetLogger(logger)
	client.SetToken(c.String("token"))

	if client.Token() == "" && c.String("email") != "" {
		resp, err := client.Login(ctx, c.String("email"), c.String("password"))
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info().Str("user", resp.ID.String()).Msg("logged in")
	}
	return client, nil
}

func runWatch(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(c.String("log-level"))

	subs := map[core.Category][]string{
		core.CategoryPost:         c.StringSlice("post"),
		core.CategoryFriend:       c.StringSlice("friends"),
		core.CategoryMessage:      c.StringSlice("messages"),
		core.CategoryNotification: c.StringSlice("notifications"),
	}
	total := 0
	for _, keys := range subs {
		total += len(keys)
	}
	if total == 0 {
		return fmt.Errorf("nothing to watch: pass --post, --friends, --messages or --notifications")
	}

	apiClient, err := newAPI(ctx, c, logger)
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}
	defer apiClient.Close()

	config := core.DefaultConfig(c.String("url")).
		WithReconnect(c.Int("max-attempts"), c.Duration("base-delay"), c.Duration("max-delay")).
		WithBearerToken(apiClient.Token())
	config.LogLevel = c.String("log-level")

	transport := stomp.NewTransport(stomp.ConfigFrom(config))
	transport.SetLogger(logger)

	registry := prometheus.NewRegistry()
	client, err := realtime.New(config, transport,
		realtime.WithLogger(logger),
		realtime.WithRegisterer(registry),
	)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if addr := c.String("metrics-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	printer := &printer{out: os.Stdout, logger: logger}
	for _, category := range core.Categories() {
		for _, key := range subs[category] {
			handler := printer.handler(category, key)
			if c.Bool("refresh") {
				handler = refreshing(ctx, apiClient, category, key, handler, logger)
			}
			if err := client.Subscribe(ctx, category, key, handler); err != nil {
				if core.IsConnectionError(err) || errors.Is(err, context.Canceled) {
					return fmt.Errorf("subscribe %s %s: %w", category, key, err)
				}
				logger.Warn().Err(err).Str("category", category.String()).Str("key", key).Msg("subscribe failed")
			}
		}
	}

	logger.Info().Int("subscriptions", len(client.Subscriptions())).Msg("watching, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

// printer writes events as JSON lines.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	logger zerolog.Logger
}

type line struct {
	Time     string `json:"time"`
	Category string `json:"category"`
	Key      string `json:"key"`
	Event    any    `json:"event"`
}

func (p *printer) handler(category core.Category, key string) realtime.Handler {
	return func(event core.Event) {
		p.print(line{
			Time:     time.Now().Format(time.RFC3339),
			Category: category.String(),
			Key:      key,
			Event:    json.RawMessage(event.RawJSON()),
		})
	}
}

func (p *printer) print(l line) {
	data, err := sonic.Marshal(l)
	if err != nil {
		p.logger.Warn().Err(err).Msg("encode event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.out.Write(append(data, '\n'))
}

// refreshing wraps next so that post and notification events are followed
// by a fresh read of the post or the unread notification count. Events that
// arrive while a refresh of the key is running do not start another one.
func refreshing(ctx context.Context, client *api.Client, category core.Category, key string, next realtime.Handler, logger zerolog.Logger) realtime.Handler {
	var inFlight atomic.Bool

	return func(event core.Event) {
		next(event)
		client.Invalidate(category, key)
		if category != core.CategoryPost && category != core.CategoryNotification {
			return
		}

		if !inFlight.CompareAndSwap(false, true) {
			logger.Debug().Str("category", category.String()).Str("key", key).Msg("refresh already running")
			return
		}

		go func() {
			defer inFlight.Store(false)

			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			switch category {
			case core.CategoryPost:
				post, err := client.Post(reqCtx, key, "")
				if err != nil {
					logger.Warn().Err(err).Str("post", key).Msg("refresh post")
					return
				}
				logger.Info().Str("post", key).Int("likes", len(post.Likes)).Int("comments", len(post.Comments)).Msg("post refreshed")
			case core.CategoryNotification:
				count, err := client.UnreadNotificationCount(reqCtx, key)
				if err != nil {
					logger.Warn().Err(err).Str("user", key).Msg("refresh unread count")
					return
				}
				logger.Info().Str("user", key).Int64("unread", count).Msg("unread notifications")
			}
		}()
	}
}

func runUnread(c *cli.Context) error {
	userID := c.Args().First()
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	logger := newLogger(c.String("log-level"))
	client, err := newAPI(c.Context, c, logger)
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}
	defer client.Close()

	notifications, err := client.UnreadNotificationCount(c.Context, userID)
	if err != nil {
		return err
	}
	messages, err := client.UnreadMessageCounts(c.Context, userID)
	if err != nil {
		return err
	}

	data, err := sonic.Marshal(map[string]any{
		"user":          userID,
		"notifications": notifications,
		"messages":      messages,
	})
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
