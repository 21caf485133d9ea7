package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:    "rtwatch",
		Usage:   "tail realtime post, friend, message and notification topics",
		Version: version,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			watchCommand(),
			unreadCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rtwatch: %v\n", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Usage:   "broker endpoint, http(s) for SockJS or ws(s) for raw WebSocket",
			Value:   "http://localhost:8080/ws",
			EnvVars: []string{"RTWATCH_URL"},
		},
		&cli.StringFlag{
			Name:    "api-url",
			Usage:   "REST API base URL",
			Value:   "http://localhost:8080",
			EnvVars: []string{"RTWATCH_API_URL"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "bearer token sent to the broker and the API",
			EnvVars: []string{"RTWATCH_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "email",
			Usage:   "log in with this email when no token is given",
			EnvVars: []string{"RTWATCH_EMAIL"},
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "password for --email",
			EnvVars: []string{"RTWATCH_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"RTWATCH_LOG_LEVEL"},
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Value:   5,
			EnvVars: []string{"RTWATCH_MAX_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "base-delay",
			Value:   5 * time.Second,
			EnvVars: []string{"RTWATCH_BASE_DELAY"},
		},
		&cli.DurationFlag{
			Name:    "max-delay",
			Value:   30 * time.Second,
			EnvVars: []string{"RTWATCH_MAX_DELAY"},
		},
	}
}
