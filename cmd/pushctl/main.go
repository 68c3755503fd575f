package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tinywideclouds/go-push-dispatch/internal/credentials"
	"github.com/tinywideclouds/go-push-dispatch/pushservice"
	"github.com/tinywideclouds/go-push-dispatch/pushservice/config"
)

// Flags holds the global options shared by every subcommand.
type Flags struct {
	ProjectID      string
	Credentials    string
	Endpoint       string
	TokenEndpoint  string
	Backend        string
	MaxConcurrency int
	RatePerSecond  float64
	DryRun         bool
	Verbose        bool
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pushctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	flags := &Flags{}

	app := &cli.Command{
		Name:  "pushctl",
		Usage: "Send FCM push notifications from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "credentials",
				Aliases:     []string{"c"},
				Usage:       "path to the service-account JSON key",
				Sources:     cli.EnvVars("GOOGLE_APPLICATION_CREDENTIALS"),
				Destination: &flags.Credentials,
			},
			&cli.StringFlag{
				Name:        "project",
				Usage:       "FCM project id (defaults to the key's project_id)",
				Sources:     cli.EnvVars("PROJECT_ID"),
				Destination: &flags.ProjectID,
			},
			&cli.StringFlag{
				Name:        "endpoint",
				Usage:       "FCM base URL override",
				Sources:     cli.EnvVars("FCM_ENDPOINT"),
				Destination: &flags.Endpoint,
			},
			&cli.StringFlag{
				Name:        "token-endpoint",
				Usage:       "OAuth2 token URL override",
				Sources:     cli.EnvVars("TOKEN_ENDPOINT"),
				Destination: &flags.TokenEndpoint,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "delivery backend: http or sdk",
				Value:       string(config.BackendHTTP),
				Sources:     cli.EnvVars("DELIVERY_BACKEND"),
				Destination: &flags.Backend,
			},
			&cli.IntFlag{
				Name:        "concurrency",
				Usage:       "maximum in-flight sends for send-multiple",
				Value:       config.DefaultMaxConcurrency,
				Sources:     cli.EnvVars("DISPATCH_MAX_CONCURRENCY"),
				Destination: &flags.MaxConcurrency,
			},
			&cli.FloatFlag{
				Name:        "rate",
				Usage:       "maximum sends per second, 0 for unlimited",
				Sources:     cli.EnvVars("DISPATCH_RATE_PER_SECOND"),
				Destination: &flags.RatePerSecond,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "ask FCM to validate without delivering",
				Destination: &flags.DryRun,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "log debug output to stderr",
				Destination: &flags.Verbose,
			},
		},
	}

	NewSendCmd(flags).Register(app)
	NewSendMultipleCmd(flags).Register(app)
	NewSendTopicCmd(flags).Register(app)
	NewTokenCmd(flags).Register(app)
	return app
}

func (f *Flags) logger() *slog.Logger {
	level := slog.LevelWarn
	if f.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// config maps the flags onto the service configuration and runs the same
// defaults and validation the service uses.
func (f *Flags) config(logger *slog.Logger) (*config.Config, error) {
	cfg := &config.Config{
		ProjectID: f.ProjectID,
		Credentials: config.CredentialsConfig{
			ServiceAccountFile: f.Credentials,
			TokenEndpoint:      f.TokenEndpoint,
		},
		Delivery: config.DeliveryConfig{
			Backend:  config.Backend(f.Backend),
			Endpoint: f.Endpoint,
			DryRun:   f.DryRun,
		},
		Dispatch: config.DispatchConfig{
			MaxConcurrency: f.MaxConcurrency,
			RatePerSecond:  f.RatePerSecond,
		},
	}
	if cfg.ProjectID == "" && f.Credentials != "" {
		account, err := credentials.LoadServiceAccount(f.Credentials)
		if err != nil {
			return nil, err
		}
		cfg.ProjectID = account.ProjectID
	}
	return config.UpdateConfigWithEnvOverrides(cfg, logger)
}

func (f *Flags) engine(ctx context.Context) (*pushservice.Engine, error) {
	logger := f.logger()
	cfg, err := f.config(logger)
	if err != nil {
		return nil, err
	}
	return pushservice.NewEngine(ctx, cfg, logger)
}
