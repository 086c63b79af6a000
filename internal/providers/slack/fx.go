package slack

import (
	"strings"

	"github.com/smallbiznis/stripesync/internal/config"
	obsmetrics "github.com/smallbiznis/stripesync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Pipeline *obsmetrics.PipelineMetrics `optional:"true"`
}

func NewFromConfig(p Params) Provider {
	if strings.TrimSpace(p.Config.Slack.WebhookURL) == "" {
		p.Log.Named("providers.slack").Warn("SLACK_WEBHOOK_URL not set, operator notifications will not be posted")
		return &NoOpProvider{}
	}
	var observer BreakerObserver
	if p.Pipeline != nil {
		observer = p.Pipeline
	}
	return NewWebhookProvider(WebhookConfig{
		URL:     p.Config.Slack.WebhookURL,
		Timeout: p.Config.Slack.Timeout,
	}, p.Log, observer)
}
