package pushservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-push-dispatch/internal/coordinator"
	"github.com/tinywideclouds/go-push-dispatch/internal/credentials"
	"github.com/tinywideclouds/go-push-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-dispatch/pushservice/config"
)

// Engine is the assembled dispatch core: one credential provider shared by
// every send, and the coordinator on top of the configured delivery backend.
type Engine struct {
	Credentials *credentials.Provider
	Dispatcher  *coordinator.Coordinator
	ProjectID   string
}

// NewEngine loads the service account and wires the delivery backend
// selected by cfg.Delivery.Backend.
func NewEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	account, err := credentials.LoadServiceAccount(cfg.Credentials.ServiceAccountFile)
	if err != nil {
		return nil, err
	}

	opts := []credentials.Option{credentials.WithRefreshMargin(cfg.Credentials.RefreshMargin)}
	if cfg.Credentials.TokenEndpoint != "" {
		opts = append(opts, credentials.WithTokenURL(cfg.Credentials.TokenEndpoint))
	}
	provider := credentials.NewProvider(account, logger, opts...)

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = account.ProjectID
	}

	var deliverer coordinator.Deliverer
	switch cfg.Delivery.Backend {
	case config.BackendSDK:
		client, err := fcm.NewMessagingClient(ctx, projectID, provider.TokenSource(context.WithoutCancel(ctx)))
		if err != nil {
			return nil, err
		}
		deliverer = fcm.NewSDKClient(client, logger)
	case config.BackendHTTP, "":
		endpoint := fcm.SendEndpoint(cfg.Delivery.Endpoint, projectID)
		deliverer = fcm.NewHTTPClient(endpoint, cfg.Delivery.Timeout, logger)
	default:
		return nil, fmt.Errorf("unknown delivery backend %q", cfg.Delivery.Backend)
	}

	dispatcher := coordinator.New(provider, deliverer, coordinator.Config{
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		RatePerSecond:  cfg.Dispatch.RatePerSecond,
		Burst:          cfg.Dispatch.Burst,
		Build: fcm.BuildOptions{
			Priority:  cfg.Delivery.Priority,
			ChannelID: cfg.Delivery.ChannelID,
			DryRun:    cfg.Delivery.DryRun,
		},
	}, logger)

	logger.Info("Dispatch engine ready",
		"project_id", projectID,
		"backend", cfg.Delivery.Backend,
		"client_email", account.ClientEmail,
		"max_concurrency", cfg.Dispatch.MaxConcurrency,
	)

	return &Engine{Credentials: provider, Dispatcher: dispatcher, ProjectID: projectID}, nil
}
