package paymentprovider

import (
	"github.com/smallbiznis/stripesync/internal/paymentprovider/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentprovider.stripe",
	fx.Provide(stripe.NewClient),
)
