package notification

import (
	"context"

	"github.com/smallbiznis/stripesync/internal/config"
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	"github.com/smallbiznis/stripesync/internal/notification/service"
	"github.com/smallbiznis/stripesync/internal/notification/sink"
	"github.com/smallbiznis/stripesync/internal/providers/email"
	"github.com/smallbiznis/stripesync/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	email.Module,
	slack.Module,
	fx.Provide(
		fx.Annotate(
			func(p email.Provider) notificationdomain.Sink { return sink.NewEmail(p) },
			fx.ResultTags(`group:"notification_sinks"`),
		),
		fx.Annotate(
			func(p slack.Provider, cfg config.Config) notificationdomain.Sink {
				return sink.NewSlack(p, cfg.Slack.OperatorChannel)
			},
			fx.ResultTags(`group:"notification_sinks"`),
		),
	),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) notificationdomain.Notifier { return s }),
	fx.Invoke(func(lc fx.Lifecycle, s *service.Service) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: s.Stop,
		})
	}),
)
