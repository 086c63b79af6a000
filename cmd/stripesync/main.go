package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/config"
	"github.com/smallbiznis/stripesync/internal/customer"
	"github.com/smallbiznis/stripesync/internal/migration"
	"github.com/smallbiznis/stripesync/internal/notification"
	"github.com/smallbiznis/stripesync/internal/observability"
	"github.com/smallbiznis/stripesync/internal/paymentprovider"
	"github.com/smallbiznis/stripesync/internal/server"
	"github.com/smallbiznis/stripesync/internal/subscription"
	"github.com/smallbiznis/stripesync/internal/usage"
	"github.com/smallbiznis/stripesync/internal/webhook"
	"github.com/smallbiznis/stripesync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		paymentprovider.Module,
		customer.Module,
		subscription.Module,
		usage.Module,
		notification.Module,
		webhook.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
