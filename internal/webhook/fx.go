package webhook

import (
	"github.com/smallbiznis/stripesync/internal/webhook/dispatcher"
	"github.com/smallbiznis/stripesync/internal/webhook/handler"
	"github.com/smallbiznis/stripesync/internal/webhook/repository"
	"github.com/smallbiznis/stripesync/internal/webhook/service"
	"github.com/smallbiznis/stripesync/internal/webhook/verifier"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(verifier.New),
	fx.Provide(
		fx.Annotate(handler.New, fx.As(new(dispatcher.Reconciler))),
	),
	fx.Provide(dispatcher.New),
	fx.Provide(service.NewService),
)
