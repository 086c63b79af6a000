package slack

import "context"

// Message is one operator alert. An empty Channel posts to the channel the
// incoming webhook was created for.
type Message struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

type Provider interface {
	Post(ctx context.Context, msg Message) error
}

// NoOpProvider stands in when SLACK_WEBHOOK_URL is unset; alerts are dropped.
type NoOpProvider struct{}

var (
	_ Provider = (*NoOpProvider)(nil)
	_ Provider = (*WebhookProvider)(nil)
)

func (p *NoOpProvider) Post(context.Context, Message) error {
	return nil
}
