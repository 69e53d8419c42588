package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/pitabwire/grantflow/model"
)

// SlackSender posts messages to Slack channels for "slack:<channel>"
// addresses.
type SlackSender struct {
	api *slack.Client
}

// NewSlackSender creates a sender with a bot token. apiURL overrides the
// Slack API endpoint when non-empty; it must end with a slash.
func NewSlackSender(token, apiURL string) *SlackSender {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackSender{api: slack.New(token, opts...)}
}

func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	channel := stripScheme(msg.To, "slack")
	if channel == "" {
		return model.NewPermanentError("slack", fmt.Errorf("empty channel in %q", msg.To))
	}

	text := "*" + msg.Subject + "*\n" + msg.Body
	_, _, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return classifySlackError(err)
	}
	return nil
}

// classifySlackError treats rate limits and server failures as transient and
// Slack API errors (unknown channel, bad token) as permanent.
func classifySlackError(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return model.NewTransientError("slack", err)
	}
	var se slack.StatusCodeError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return model.NewTransientError("slack", err)
		}
		return model.NewPermanentError("slack", err)
	}
	var api slack.SlackErrorResponse
	if errors.As(err, &api) {
		return model.NewPermanentError("slack", err)
	}
	if strings.Contains(err.Error(), "channel_not_found") || strings.Contains(err.Error(), "invalid_auth") {
		return model.NewPermanentError("slack", err)
	}
	return model.NewTransientError("slack", err)
}
