package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/slack-go/slack"
)

// SlackTransport posts alert notifications into a Slack channel.
type SlackTransport struct {
	api     *slack.Client
	channel string
}

// NewSlackTransport builds a transport for channel. An empty apiURL uses the public Slack API.
func NewSlackTransport(token, channel, apiURL string, timeout time.Duration) *SlackTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: timeout})}
	if base := strings.TrimSpace(apiURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, slack.OptionAPIURL(base))
	}
	return &SlackTransport{
		api:     slack.New(token, opts...),
		channel: channel,
	}
}

func (s *SlackTransport) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
	if msg.To != "" {
		text += "\n_to: " + msg.To + "_"
	}
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return registry.Transient(fmt.Errorf("slack: %w", err))
	}
	return nil
}
