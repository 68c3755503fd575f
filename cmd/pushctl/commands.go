package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// messageFlags are the payload options every send command takes.
type messageFlags struct {
	title string
	body  string
	data  []string
}

func (m *messageFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "title",
			Aliases:     []string{"t"},
			Usage:       "notification title",
			Required:    true,
			Destination: &m.title,
		},
		&cli.StringFlag{
			Name:        "body",
			Aliases:     []string{"b"},
			Usage:       "notification body",
			Required:    true,
			Destination: &m.body,
		},
		&cli.StringSliceFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "custom data entry as key=value, repeatable",
			Destination: &m.data,
		},
	}
}

func (m *messageFlags) payload() (dispatch.Payload, error) {
	data, err := parseData(m.data)
	if err != nil {
		return dispatch.Payload{}, err
	}
	return dispatch.NewPayload(m.title, m.body, data), nil
}

// parseData turns key=value pairs into a data map. Values may contain '='.
func parseData(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid data entry %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

type singleResult struct {
	Success   bool               `json:"success"`
	MessageID string             `json:"messageId,omitempty"`
	ErrorCode dispatch.ErrorCode `json:"errorCode,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type multiResult struct {
	TotalCount   int                `json:"totalCount"`
	SuccessCount int                `json:"successCount"`
	Results      map[string]bool    `json:"results"`
	Outcomes     []dispatch.Outcome `json:"outcomes"`
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printSingle writes the outcome and returns err so the exit code reflects
// the delivery.
func printSingle(w io.Writer, out dispatch.Outcome, err error) error {
	res := singleResult{Success: out.Success, MessageID: out.MessageID, ErrorCode: out.ErrorCode}
	if err != nil {
		res.ErrorCode = dispatch.CodeOf(err)
		res.Error = err.Error()
	}
	if perr := printJSON(w, res); perr != nil {
		return perr
	}
	return err
}

// SendCmd sends one notification to one device token.
type SendCmd struct {
	flags *Flags
	msg   messageFlags
	token string
}

func NewSendCmd(flags *Flags) *SendCmd {
	return &SendCmd{flags: flags}
}

func (cmd *SendCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send",
		Usage:     "Send a notification to one device",
		UsageText: "pushctl send --token <device-token> --title <title> --body <body> [--data k=v]...",
		Flags: append(cmd.msg.flags(), &cli.StringFlag{
			Name:        "token",
			Usage:       "device registration token",
			Required:    true,
			Destination: &cmd.token,
		}),
		Action: cmd.run,
	})
	return app
}

func (cmd *SendCmd) run(ctx context.Context, c *cli.Command) error {
	payload, err := cmd.msg.payload()
	if err != nil {
		return err
	}
	engine, err := cmd.flags.engine(ctx)
	if err != nil {
		return err
	}
	out, err := engine.Dispatcher.SendOne(ctx, dispatch.Device(cmd.token), payload)
	return printSingle(c.Root().Writer, out, err)
}

// SendMultipleCmd fans one notification out to several device tokens.
type SendMultipleCmd struct {
	flags  *Flags
	msg    messageFlags
	tokens []string
}

func NewSendMultipleCmd(flags *Flags) *SendMultipleCmd {
	return &SendMultipleCmd{flags: flags}
}

func (cmd *SendMultipleCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send-multiple",
		Usage:     "Send a notification to several devices",
		UsageText: "pushctl send-multiple --token <t1> --token <t2> --title <title> --body <body>",
		Description: `Each token is sent independently. One failing token does not stop the rest.

The command exits non-zero only when the batch could not run or no token succeeded.`,
		Flags: append(cmd.msg.flags(), &cli.StringSliceFlag{
			Name:        "token",
			Usage:       "device registration token, repeatable",
			Required:    true,
			Destination: &cmd.tokens,
		}),
		Action: cmd.run,
	})
	return app
}

func (cmd *SendMultipleCmd) run(ctx context.Context, c *cli.Command) error {
	payload, err := cmd.msg.payload()
	if err != nil {
		return err
	}
	engine, err := cmd.flags.engine(ctx)
	if err != nil {
		return err
	}

	recipients := make([]dispatch.Recipient, len(cmd.tokens))
	for i, t := range cmd.tokens {
		recipients[i] = dispatch.Device(t)
	}

	res, err := engine.Dispatcher.SendMany(ctx, recipients, payload)
	if res == nil {
		return err
	}
	if perr := printJSON(c.Root().Writer, multiResult{
		TotalCount:   res.TotalCount(),
		SuccessCount: res.SuccessCount(),
		Results:      res.ByToken(),
		Outcomes:     res.Outcomes,
	}); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if res.SuccessCount() == 0 {
		return fmt.Errorf("all %d sends failed", res.TotalCount())
	}
	return nil
}

// SendTopicCmd publishes one notification to a topic.
type SendTopicCmd struct {
	flags *Flags
	msg   messageFlags
	topic string
}

func NewSendTopicCmd(flags *Flags) *SendTopicCmd {
	return &SendTopicCmd{flags: flags}
}

func (cmd *SendTopicCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send-topic",
		Usage:     "Send a notification to a topic",
		UsageText: "pushctl send-topic --topic <name> --title <title> --body <body>",
		Flags: append(cmd.msg.flags(), &cli.StringFlag{
			Name:        "topic",
			Usage:       "topic name without the /topics/ prefix",
			Required:    true,
			Destination: &cmd.topic,
		}),
		Action: cmd.run,
	})
	return app
}

func (cmd *SendTopicCmd) run(ctx context.Context, c *cli.Command) error {
	payload, err := cmd.msg.payload()
	if err != nil {
		return err
	}
	engine, err := cmd.flags.engine(ctx)
	if err != nil {
		return err
	}
	out, err := engine.Dispatcher.SendTopic(ctx, cmd.topic, payload)
	return printSingle(c.Root().Writer, out, err)
}

// TokenCmd mints an access token and prints its expiry.
type TokenCmd struct {
	flags *Flags
	full  bool
}

func NewTokenCmd(flags *Flags) *TokenCmd {
	return &TokenCmd{flags: flags}
}

func (cmd *TokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "token",
		Usage: "Mint an FCM access token to check the credentials",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "full",
				Usage:       "print the whole token instead of a prefix",
				Destination: &cmd.full,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *TokenCmd) run(ctx context.Context, c *cli.Command) error {
	engine, err := cmd.flags.engine(ctx)
	if err != nil {
		return err
	}
	cred, err := engine.Credentials.Token(ctx)
	if err != nil {
		return err
	}

	token := cred.Token
	if !cmd.full && len(token) > 12 {
		token = token[:12] + "..."
	}
	return printJSON(c.Root().Writer, map[string]string{
		"project":   engine.ProjectID,
		"token":     token,
		"expiresAt": cred.ExpiresAt.Format(time.RFC3339),
		"expiresIn": time.Until(cred.ExpiresAt).Round(time.Second).String(),
	})
}
