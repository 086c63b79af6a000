package sink

import (
	"context"
	"fmt"
	"strings"

	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	"github.com/smallbiznis/stripesync/internal/providers/slack"
)

// Slack posts operator notifications to the alerts channel.
type Slack struct {
	provider slack.Provider
	channel  string
}

func NewSlack(provider slack.Provider, channel string) *Slack {
	return &Slack{provider: provider, channel: channel}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Accepts(n notificationdomain.Notification) bool {
	return n.Audience == notificationdomain.AudienceOperator
}

func (s *Slack) Send(ctx context.Context, n notificationdomain.Notification) error {
	return s.provider.Post(ctx, slack.Message{Channel: s.channel, Text: FormatSlack(n)})
}

// FormatSlack renders n as Slack mrkdwn.
func FormatSlack(n notificationdomain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* `%s`", n.Subject, n.Kind)
	for _, key := range sortedKeys(n.Fields) {
		fmt.Fprintf(&b, "\n• %s: %s", key, n.Fields[key])
	}
	return b.String()
}
