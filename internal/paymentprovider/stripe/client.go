// Package stripe talks to the Stripe API for data that webhook payloads omit.
package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/stripesync/internal/config"
	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"
)

// Client implements customerdomain.CustomerLookup over client.API.
type Client struct {
	api *client.API
	log *zap.Logger
}

// NewClient returns a lookup that reports ErrLookupUnavailable when no API key is set.
func NewClient(cfg config.Config, log *zap.Logger) customerdomain.CustomerLookup {
	return NewClientWithBackends(cfg.Stripe.APIKey, nil, log)
}

func NewClientWithBackends(apiKey string, backends *stripego.Backends, log *zap.Logger) *Client {
	c := &Client{log: log.Named("paymentprovider.stripe")}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		c.log.Warn("stripe api key missing, customer lookups disabled")
		return c
	}
	c.api = client.New(apiKey, backends)
	return c
}

func (c *Client) GetCustomer(ctx context.Context, customerID string) (*stripego.Customer, error) {
	if c == nil || c.api == nil {
		return nil, customerdomain.ErrLookupUnavailable
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, customerdomain.ErrMissingCustomer
	}

	params := &stripego.CustomerParams{}
	params.Context = ctx

	customer, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		var stripeErr *stripego.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, customerdomain.ErrMissingCustomer
		}
		return nil, err
	}
	return customer, nil
}
