package fcm

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it; tests mock it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, msg *messaging.Message) (string, error)
}

// NewMessagingClient builds a Firebase messaging client authenticated by ts,
// so the SDK reuses the process-wide cached credential.
func NewMessagingClient(ctx context.Context, projectID string, ts oauth2.TokenSource) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create fcm messaging client: %w", err)
	}
	return client, nil
}

// SDKClient is the delivery backend built on the Firebase Admin SDK. The SDK
// attaches its own bearer token, so the credential argument is not used on
// the wire; it is still required to keep the auth check in the coordinator.
type SDKClient struct {
	client MessagingClient
	logger *slog.Logger
}

func NewSDKClient(client MessagingClient, logger *slog.Logger) *SDKClient {
	return &SDKClient{
		client: client,
		logger: logger.With("component", "FCMSDKClient"),
	}
}

// Send delivers one message through the SDK and classifies the result the
// same way HTTPClient does.
func (c *SDKClient) Send(ctx context.Context, _ dispatch.Credential, req *SendRequest) dispatch.Outcome {
	recipient := req.Recipient()
	msg := toSDKMessage(req)

	var (
		id  string
		err error
	)
	if req.ValidateOnly {
		id, err = c.client.SendDryRun(ctx, msg)
	} else {
		id, err = c.client.Send(ctx, msg)
	}
	if err == nil {
		return dispatch.Succeeded(recipient, id)
	}

	classified := classifySDKError(err)
	c.logger.Warn("FCM SDK send failed",
		"recipient", recipient.Short(),
		"class", dispatch.CodeOf(classified),
		"err", err,
	)
	return dispatch.Failed(recipient, classified)
}

func classifySDKError(err error) error {
	status := 0
	if resp := errorutils.HTTPResponse(err); resp != nil {
		status = resp.StatusCode
	}
	return classifySDKResult(err, status, isPermanentSDKError(err))
}

// Token is garbage or the request is malformed.
func isPermanentSDKError(err error) bool {
	return messaging.IsInvalidArgument(err) ||
		messaging.IsRegistrationTokenNotRegistered(err) ||
		messaging.IsUnregistered(err) ||
		messaging.IsSenderIDMismatch(err)
}

// classifySDKResult prefers the HTTP status when the SDK surfaced one. A zero
// status means the request never got a response.
func classifySDKResult(err error, status int, permanent bool) error {
	switch {
	case status != 0:
		return ClassifyStatus(status, err)
	case permanent:
		return dispatch.WrapPermanent(err)
	default:
		return dispatch.WrapTransient(fmt.Errorf("fcm transport failed: %w", err))
	}
}

func toSDKMessage(req *SendRequest) *messaging.Message {
	m := req.Message
	msg := &messaging.Message{
		Token: m.Token,
		Topic: m.Topic,
		Data:  m.Data,
	}
	if m.Notification != nil {
		msg.Notification = &messaging.Notification{
			Title: m.Notification.Title,
			Body:  m.Notification.Body,
		}
	}
	if m.Android != nil {
		msg.Android = &messaging.AndroidConfig{Priority: m.Android.Priority}
		if m.Android.Notification != nil {
			msg.Android.Notification = &messaging.AndroidNotification{
				ChannelID: m.Android.Notification.ChannelID,
			}
		}
	}
	return msg
}
