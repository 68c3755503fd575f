package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

const (
	// DefaultBaseURL is the FCM API host.
	DefaultBaseURL = "https://fcm.googleapis.com"
	// DefaultTimeout bounds each send call.
	DefaultTimeout = 10 * time.Second

	maxResponseBody = 64 << 10
)

// SendEndpoint returns the project-scoped messages:send URL.
func SendEndpoint(baseURL, projectID string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(baseURL, "/"), projectID)
}

// HTTPClient delivers messages with one POST per message and classifies the
// response. It never retries.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPClient creates a client posting to endpoint (see SendEndpoint).
func NewHTTPClient(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "FCMHTTPClient"),
	}
}

type sendResponse struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send posts msg with the bearer token and returns the classified outcome.
func (c *HTTPClient) Send(ctx context.Context, cred dispatch.Credential, msg *SendRequest) dispatch.Outcome {
	recipient := msg.Recipient()

	body, err := json.Marshal(msg)
	if err != nil {
		return dispatch.Failed(recipient, dispatch.WrapValidation(fmt.Errorf("marshal message: %w", err)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return dispatch.Failed(recipient, dispatch.WrapTransient(fmt.Errorf("build request: %w", err)))
	}
	req.Header.Set("Content-Type", "application/json; UTF-8")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("FCM transport failed", "recipient", recipient.Short(), "err", err)
		return dispatch.Failed(recipient, dispatch.WrapTransient(fmt.Errorf("fcm transport failed: %w", err)))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return dispatch.Failed(recipient, dispatch.WrapTransient(fmt.Errorf("read fcm response: %w", err)))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var sr sendResponse
		_ = json.Unmarshal(raw, &sr)
		return dispatch.Succeeded(recipient, sr.Name)
	}

	cause := errors.New(describeError(resp.StatusCode, raw))
	classified := ClassifyStatus(resp.StatusCode, cause)
	c.logger.Warn("FCM rejected message",
		"recipient", recipient.Short(),
		"status", resp.StatusCode,
		"class", dispatch.CodeOf(classified),
		"err", cause,
	)
	return dispatch.Failed(recipient, classified)
}

// ClassifyStatus maps an HTTP status onto the error taxonomy: 429 and 5xx are
// transient, other 4xx are permanent.
func ClassifyStatus(status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return dispatch.WrapTransient(cause)
	case status >= 400 && status < 500:
		return dispatch.WrapPermanent(cause)
	default:
		return dispatch.WrapTransient(cause)
	}
}

func describeError(status int, raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Error.Status == "" {
		return fmt.Sprintf("fcm returned %d", status)
	}
	code := er.Error.Status
	for _, d := range er.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
			break
		}
	}
	return fmt.Sprintf("fcm returned %d %s: %s", status, code, er.Error.Message)
}
