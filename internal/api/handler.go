// Package api exposes payment tracking over HTTP: shop backends create and
// cancel crypto payments here, and operators inspect or force poll cycles.
package api

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shiftwatch/internal/exchange"
	"shiftwatch/internal/poller"
	"shiftwatch/internal/processor"
)

// PaymentCreator builds a fixed shift for a FIAT checkout total.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, depositCoin, depositNetwork string, fiatAmount decimal.Decimal, userIP string) (exchange.Shift, error)
}

// Handler serves the payment API.
type Handler struct {
	payments PaymentCreator
	tracker  *poller.Poller
	catalog  *processor.Catalog
	logger   zerolog.Logger
}

// NewHandler wires the API handler to its collaborators.
func NewHandler(payments PaymentCreator, tracker *poller.Poller, catalog *processor.Catalog, logger zerolog.Logger) *Handler {
	return &Handler{
		payments: payments,
		tracker:  tracker,
		catalog:  catalog,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}
