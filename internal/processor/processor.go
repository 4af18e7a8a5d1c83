// Package processor builds payment shifts for shop checkouts: it picks the
// settlement wallet, converts FIAT totals to crypto amounts, and creates
// fixed-rate shifts on the exchange.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shiftwatch/internal/config"
	"shiftwatch/internal/exchange"
)

// amountScale bounds crypto amounts to eight decimal places.
const amountScale = 8

// ExchangeAPI is the slice of the exchange client the processor depends on.
type ExchangeAPI interface {
	GetPair(ctx context.Context, from, to string) (exchange.Pair, error)
	RequestQuote(ctx context.Context, req exchange.QuoteRequest) (exchange.Quote, error)
	CreateFixedShift(ctx context.Context, req exchange.FixedShiftRequest) (exchange.Shift, error)
	GetCoins(ctx context.Context) ([]exchange.Coin, error)
	GetCoinIcon(ctx context.Context, coinNetwork string) ([]byte, error)
}

// ErrUnknownWallet indicates no settlement wallet is configured for a coin.
var ErrUnknownWallet = errors.New("no settlement wallet configured")

// ErrAmountMismatch indicates the exchange created a shift whose settle
// amount differs from the requested one.
var ErrAmountMismatch = errors.New("created shift settle amount mismatch")

var coinNetworkPattern = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// Processor turns shop checkout requests into tracked exchange shifts.
type Processor struct {
	api    ExchangeAPI
	cfg    config.ShopConfig
	client *http.Client
	logger zerolog.Logger
}

// New constructs a Processor.
func New(api ExchangeAPI, cfg config.ShopConfig, timeout time.Duration, logger zerolog.Logger) *Processor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Processor{
		api:    api,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "processor").Logger(),
	}
}

// DestinationWallet selects the settlement wallet for a deposit coin-network:
// paying with the main coin settles to the secondary wallet and vice versa,
// so the shop never holds the coin it was paid in.
func (p *Processor) DestinationWallet(depositCoinNetwork string) (config.WalletConfig, error) {
	target := p.cfg.MainCoin
	if depositCoinNetwork == p.cfg.MainCoin {
		target = p.cfg.SecondaryCoin
	}

	wallet, ok := p.cfg.Wallets[target]
	if !ok {
		return config.WalletConfig{}, fmt.Errorf("%w: %s", ErrUnknownWallet, target)
	}
	return wallet, nil
}

// AmountToShift converts a FIAT total into the crypto amount the settlement
// wallet must receive.
func (p *Processor) AmountToShift(ctx context.Context, fiatAmount decimal.Decimal, wallet config.WalletConfig) (decimal.Decimal, error) {
	if !fiatAmount.IsPositive() {
		return decimal.Decimal{}, errors.New("fiat amount must be positive")
	}

	usdRate, err := p.usdRate(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch usd rate: %w", err)
	}
	usdAmount := fiatAmount.Mul(usdRate)

	if wallet.Stable {
		return usdAmount.Round(amountScale), nil
	}

	pair, err := p.api.GetPair(ctx, p.cfg.USDReferenceCoin, wallet.Coin+"-"+wallet.Network)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch pair rate: %w", err)
	}
	if !pair.Rate.IsPositive() {
		return decimal.Decimal{}, errors.New("pair rate must be positive")
	}

	return usdAmount.Mul(pair.Rate).Round(amountScale), nil
}

// CreatePayment quotes and creates a fixed shift settling the given FIAT
// total into the configured wallet, verifying the exchange honoured the
// requested settle amount. userIP is forwarded to the exchange, which
// requires the paying user's address on shift creation.
func (p *Processor) CreatePayment(ctx context.Context, depositCoin, depositNetwork string, fiatAmount decimal.Decimal, userIP string) (exchange.Shift, error) {
	wallet, err := p.DestinationWallet(depositCoin + "-" + depositNetwork)
	if err != nil {
		return exchange.Shift{}, err
	}

	amount, err := p.AmountToShift(ctx, fiatAmount, wallet)
	if err != nil {
		return exchange.Shift{}, err
	}

	quote, err := p.api.RequestQuote(ctx, exchange.QuoteRequest{
		DepositCoin:    depositCoin,
		DepositNetwork: depositNetwork,
		SettleCoin:     wallet.Coin,
		SettleNetwork:  wallet.Network,
		SettleAmount:   &amount,
		UserIP:         userIP,
	})
	if err != nil {
		return exchange.Shift{}, fmt.Errorf("request quote: %w", err)
	}

	shift, err := p.api.CreateFixedShift(ctx, exchange.FixedShiftRequest{
		QuoteID:       quote.ID,
		SettleAddress: wallet.Address,
		SettleMemo:    wallet.Memo,
		UserIP:        userIP,
	})
	if err != nil {
		return exchange.Shift{}, fmt.Errorf("create fixed shift: %w", err)
	}

	if !shift.SettleAmount.Equal(amount) {
		return exchange.Shift{}, fmt.Errorf("%w: requested %s, got %s",
			ErrAmountMismatch, amount, shift.SettleAmount)
	}

	p.logger.Info().Str("shift_id", shift.ID).
		Str("deposit", depositCoin+"-"+depositNetwork).
		Str("settle", wallet.Coin+"-"+wallet.Network).
		Str("amount", amount.String()).
		Msg("fixed shift created")
	return shift, nil
}

// usdRate looks up the USD rate for the shop currency.
func (p *Processor) usdRate(ctx context.Context) (decimal.Decimal, error) {
	url := strings.TrimRight(p.cfg.RatesURL, "/") + "/" + p.cfg.Currency
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("rates api status %d", resp.StatusCode)
	}

	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode rates response: %w", err)
	}

	rate, ok := payload.Rates["USD"]
	if !ok || rate <= 0 {
		return decimal.Decimal{}, errors.New("usd rate missing from response")
	}
	return decimal.NewFromFloat(rate), nil
}

// SanitizeCoinNetwork strips a coin-network identifier down to the safe
// character set and caps its length.
func SanitizeCoinNetwork(input string) string {
	sanitized := coinNetworkPattern.ReplaceAllString(input, "")
	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
	}
	return sanitized
}
