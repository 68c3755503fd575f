// Package fcm builds and delivers Firebase Cloud Messaging HTTP v1 messages.
package fcm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

const (
	DefaultPriority  = "high"
	DefaultChannelID = "notification_channel"
)

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.~%]+$`)

// SendRequest is the body of a messages:send call.
type SendRequest struct {
	ValidateOnly bool    `json:"validate_only,omitempty"`
	Message      Message `json:"message"`
}

// Message is the FCM v1 message. Exactly one of Token and Topic is set.
type Message struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
	Data         map[string]string `json:"data"`
	Android      *AndroidConfig    `json:"android,omitempty"`
}

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type AndroidConfig struct {
	Priority     string               `json:"priority,omitempty"`
	Notification *AndroidNotification `json:"notification,omitempty"`
}

type AndroidNotification struct {
	ChannelID string `json:"channel_id,omitempty"`
}

// Recipient reports who the message is addressed to.
func (r *SendRequest) Recipient() dispatch.Recipient {
	if r.Message.Topic != "" {
		return dispatch.Topic(r.Message.Topic)
	}
	return dispatch.Device(r.Message.Token)
}

// BuildOptions are the delivery hints stamped on every message.
type BuildOptions struct {
	Priority  string
	ChannelID string
	DryRun    bool
}

func DefaultBuildOptions() BuildOptions {
	return BuildOptions{Priority: DefaultPriority, ChannelID: DefaultChannelID}
}

// BuildMessage renders a recipient and payload into an FCM request. It does
// no I/O and only fails with a validation error.
func BuildMessage(r dispatch.Recipient, p dispatch.Payload, opts BuildOptions) (*SendRequest, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	msg := Message{
		Notification: &Notification{Title: p.Title, Body: p.Body},
		Data:         p.Data(),
	}

	switch r.Kind {
	case dispatch.KindDevice:
		if strings.TrimSpace(r.Value) == "" {
			return nil, dispatch.WrapValidation(fmt.Errorf("device token is empty"))
		}
		msg.Token = r.Value
	case dispatch.KindTopic:
		name := strings.TrimPrefix(r.Value, "/topics/")
		if strings.TrimSpace(name) == "" {
			return nil, dispatch.WrapValidation(fmt.Errorf("topic name is empty"))
		}
		if !topicPattern.MatchString(name) {
			return nil, dispatch.WrapValidation(fmt.Errorf("invalid topic name %q", name))
		}
		msg.Topic = name
	default:
		return nil, dispatch.WrapValidation(fmt.Errorf("unknown recipient kind %q", r.Kind))
	}

	if opts.Priority != "" || opts.ChannelID != "" {
		msg.Android = &AndroidConfig{Priority: opts.Priority}
		if opts.ChannelID != "" {
			msg.Android.Notification = &AndroidNotification{ChannelID: opts.ChannelID}
		}
	}

	return &SendRequest{ValidateOnly: opts.DryRun, Message: msg}, nil
}

// ValidateRecipient applies the same recipient checks as BuildMessage.
func ValidateRecipient(r dispatch.Recipient) error {
	_, err := BuildMessage(r, dispatch.NewPayload("-", "-", nil), BuildOptions{})
	return err
}
