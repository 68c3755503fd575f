// Package coordinator orchestrates single, multi-recipient and topic sends on
// top of the credential provider, the message builder and a delivery client.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-push-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

const DefaultMaxConcurrency = 8

// Deliverer sends one built message and classifies the result.
// fcm.HTTPClient and fcm.SDKClient implement it.
type Deliverer interface {
	Send(ctx context.Context, cred dispatch.Credential, msg *fcm.SendRequest) dispatch.Outcome
}

// Config tunes the fan-out.
type Config struct {
	// MaxConcurrency bounds in-flight sends per SendMany call.
	MaxConcurrency int
	// RatePerSecond caps provider calls across all calls; 0 disables.
	RatePerSecond float64
	Burst         int
	Build         fcm.BuildOptions
}

// Coordinator implements dispatch.Dispatcher.
type Coordinator struct {
	creds   dispatch.CredentialSource
	client  Deliverer
	build   fcm.BuildOptions
	workers int
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ dispatch.Dispatcher = (*Coordinator)(nil)

func New(creds dispatch.CredentialSource, client Deliverer, cfg Config, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		creds:   creds,
		client:  client,
		build:   cfg.Build,
		workers: cfg.MaxConcurrency,
		logger:  logger.With("component", "DispatchCoordinator"),
	}
	if c.workers <= 0 {
		c.workers = DefaultMaxConcurrency
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSecond))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

// SendOne validates, fetches a credential and delivers a single message.
func (c *Coordinator) SendOne(ctx context.Context, r dispatch.Recipient, p dispatch.Payload) (dispatch.Outcome, error) {
	msg, err := fcm.BuildMessage(r, p, c.build)
	if err != nil {
		return dispatch.Failed(r, err), err
	}

	cred, err := c.creds.Token(ctx)
	if err != nil {
		err = dispatch.WrapAuth(err)
		c.logger.Error("Credential unavailable, aborting send", "recipient", r.Short(), "err", err)
		return dispatch.Failed(r, err), err
	}

	out, _ := c.deliver(ctx, cred, msg)
	if out.Success {
		c.logger.Info("Notification sent", "recipient", r.Short(), "message_id", out.MessageID)
	}
	return out, out.AsError()
}

// SendTopic sends to every subscriber of topic.
func (c *Coordinator) SendTopic(ctx context.Context, topic string, p dispatch.Payload) (dispatch.Outcome, error) {
	return c.SendOne(ctx, dispatch.Topic(topic), p)
}

// SendMany fans out to every recipient with bounded concurrency. Per-recipient
// failures never stop the batch. If ctx ends early, recipients not yet sent to
// are marked not_attempted and the partial result is returned with an error.
func (c *Coordinator) SendMany(ctx context.Context, rs []dispatch.Recipient, p dispatch.Payload) (*dispatch.BatchResult, error) {
	if len(rs) == 0 {
		return nil, dispatch.WrapValidation(fmt.Errorf("no recipients"))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	msgs := make([]*fcm.SendRequest, len(rs))
	for i, r := range rs {
		msg, err := fcm.BuildMessage(r, p, c.build)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		msgs[i] = msg
	}

	cred, err := c.creds.Token(ctx)
	if err != nil {
		err = dispatch.WrapAuth(err)
		c.logger.Error("Credential unavailable, aborting batch", "recipients", len(rs), "err", err)
		return nil, err
	}

	start := time.Now()
	result := &dispatch.BatchResult{Outcomes: make([]dispatch.Outcome, len(rs))}
	attempted := make([]bool, len(rs))

	// Each worker owns exactly one slot of the result slices.
	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result.Outcomes[i], attempted[i] = c.deliver(ctx, cred, msg)
			return nil
		})
	}
	_ = g.Wait()

	skipped := 0
	for i := range rs {
		if !attempted[i] {
			skipped++
			if result.Outcomes[i].ErrorCode != dispatch.CodeNotAttempted {
				result.Outcomes[i] = dispatch.NotAttempted(rs[i], ctx.Err())
			}
		}
	}

	c.logger.Info("Batch dispatched",
		"total", result.TotalCount(),
		"success", result.SuccessCount(),
		"failed", result.FailureCount(),
		"not_attempted", skipped,
		"duration", time.Since(start),
	)

	if skipped > 0 {
		cause := context.Cause(ctx)
		if cause == nil {
			// The limiter gave up because the deadline was too close.
			cause = context.DeadlineExceeded
		}
		return result, fmt.Errorf("dispatch interrupted, %d of %d recipients not attempted: %w", skipped, len(rs), cause)
	}
	return result, nil
}

// deliver waits for the rate limiter and sends. The bool reports whether the
// provider was actually contacted.
func (c *Coordinator) deliver(ctx context.Context, cred dispatch.Credential, msg *fcm.SendRequest) (dispatch.Outcome, bool) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return dispatch.NotAttempted(msg.Recipient(), err), false
		}
	}
	if err := ctx.Err(); err != nil {
		return dispatch.NotAttempted(msg.Recipient(), err), false
	}
	return c.client.Send(ctx, cred, msg), true
}
