package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	shiftsPath      = "/shifts"
	quotesPath      = "/quotes"
	fixedShiftsPath = "/shifts/fixed"
	pairPath        = "/pair"
	coinsPath       = "/coins"
	coinIconPath    = "/coins/icon"
)

// Options parameterise the exchange API client.
type Options struct {
	BaseURL        string
	AffiliateID    string
	Secret         string
	CommissionRate float64
	Timeout        time.Duration
	UserAgent      string
}

// Client talks to the sideshift-style exchange REST API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs an exchange API client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://sideshift.ai/api/v2"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetShift fetches the current snapshot of a single shift.
func (c *Client) GetShift(ctx context.Context, id string) (Shift, error) {
	if id == "" {
		return Shift{}, errors.New("shift id required")
	}

	var payload shiftPayload
	raw, err := c.get(ctx, shiftsPath+"/"+url.PathEscape(id), &payload)
	if err != nil {
		return Shift{}, err
	}
	return payload.toShift(raw)
}

// GetBulkShifts fetches snapshots for a batch of shift ids in one call.
func (c *Client) GetBulkShifts(ctx context.Context, ids []string) ([]Shift, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	endpoint := shiftsPath + "?ids=" + url.QueryEscape(strings.Join(ids, ","))
	var payloads []shiftPayload
	if _, err := c.get(ctx, endpoint, &payloads); err != nil {
		return nil, err
	}

	shifts := make([]Shift, 0, len(payloads))
	for _, p := range payloads {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		shift, err := p.toShift(raw)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, shift)
	}
	return shifts, nil
}

// GetPair returns the rate between a deposit coin-network and a settle coin-network.
func (c *Client) GetPair(ctx context.Context, from, to string) (Pair, error) {
	if from == "" || to == "" {
		return Pair{}, errors.New("pair endpoints required")
	}

	var payload struct {
		Min  string `json:"min"`
		Max  string `json:"max"`
		Rate string `json:"rate"`
	}
	endpoint := pairPath + "/" + url.PathEscape(from) + "/" + url.PathEscape(to)
	if _, err := c.get(ctx, endpoint, &payload); err != nil {
		return Pair{}, err
	}

	rate, err := decimal.NewFromString(payload.Rate)
	if err != nil {
		return Pair{}, fmt.Errorf("parse pair rate: %w", err)
	}

	pair := Pair{Rate: rate}
	if payload.Min != "" {
		pair.Min, _ = decimal.NewFromString(payload.Min)
	}
	if payload.Max != "" {
		pair.Max, _ = decimal.NewFromString(payload.Max)
	}
	return pair, nil
}

// RequestQuote asks for a fixed-rate quote.
func (c *Client) RequestQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	body := map[string]any{
		"depositCoin":    req.DepositCoin,
		"depositNetwork": req.DepositNetwork,
		"settleCoin":     req.SettleCoin,
		"settleNetwork":  req.SettleNetwork,
		"affiliateId":    c.opts.AffiliateID,
		"commissionRate": strconv.FormatFloat(c.opts.CommissionRate, 'f', -1, 64),
	}
	if req.DepositAmount != nil {
		body["depositAmount"] = req.DepositAmount.String()
	}
	if req.SettleAmount != nil {
		body["settleAmount"] = req.SettleAmount.String()
	}

	var payload struct {
		ID            string    `json:"id"`
		DepositCoin   string    `json:"depositCoin"`
		SettleCoin    string    `json:"settleCoin"`
		DepositAmount string    `json:"depositAmount"`
		SettleAmount  string    `json:"settleAmount"`
		Rate          string    `json:"rate"`
		ExpiresAt     time.Time `json:"expiresAt"`
	}
	if err := c.post(ctx, quotesPath, body, &payload, req.UserIP); err != nil {
		return Quote{}, err
	}

	quote := Quote{
		ID:          payload.ID,
		DepositCoin: payload.DepositCoin,
		SettleCoin:  payload.SettleCoin,
		ExpiresAt:   payload.ExpiresAt,
	}
	var err error
	if quote.DepositAmount, err = parseAmount(payload.DepositAmount); err != nil {
		return Quote{}, fmt.Errorf("parse quote deposit amount: %w", err)
	}
	if quote.SettleAmount, err = parseAmount(payload.SettleAmount); err != nil {
		return Quote{}, fmt.Errorf("parse quote settle amount: %w", err)
	}
	if quote.Rate, err = parseAmount(payload.Rate); err != nil {
		return Quote{}, fmt.Errorf("parse quote rate: %w", err)
	}
	return quote, nil
}

// CreateFixedShift turns an accepted quote into a live shift.
func (c *Client) CreateFixedShift(ctx context.Context, req FixedShiftRequest) (Shift, error) {
	if req.QuoteID == "" {
		return Shift{}, errors.New("quote id required")
	}
	if req.SettleAddress == "" {
		return Shift{}, errors.New("settle address required")
	}

	body := map[string]any{
		"quoteId":       req.QuoteID,
		"settleAddress": req.SettleAddress,
		"affiliateId":   c.opts.AffiliateID,
	}
	if req.SettleMemo != "" {
		body["settleMemo"] = req.SettleMemo
	}

	var payload shiftPayload
	if err := c.post(ctx, fixedShiftsPath, body, &payload, req.UserIP); err != nil {
		return Shift{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Shift{}, err
	}
	return payload.toShift(raw)
}

// GetCoins lists the assets currently supported by the exchange.
func (c *Client) GetCoins(ctx context.Context) ([]Coin, error) {
	var coins []Coin
	if _, err := c.get(ctx, coinsPath, &coins); err != nil {
		return nil, err
	}
	return coins, nil
}

// GetCoinIcon downloads the SVG icon for a coin-network identifier.
func (c *Client) GetCoinIcon(ctx context.Context, coinNetwork string) ([]byte, error) {
	if coinNetwork == "" {
		return nil, errors.New("coin-network identifier required")
	}

	endpoint := c.baseURL + coinIconPath + "/" + url.PathEscape(coinNetwork)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any, userIP string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if userIP != "" {
		req.Header.Set("x-user-ip", userIP)
	}

	_, err = c.do(req, out)
	return err
}

func (c *Client) do(req *http.Request, out any) (json.RawMessage, error) {
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("decode exchange response: %w", err)
		}
	}
	return json.RawMessage(payload), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "shiftwatch/1.0")
	}
	if c.opts.Secret != "" {
		req.Header.Set("x-sideshift-secret", c.opts.Secret)
	}
}

// shiftPayload is the wire representation of a shift; amounts arrive as strings.
type shiftPayload struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	DepositCoin    string    `json:"depositCoin"`
	DepositNetwork string    `json:"depositNetwork"`
	SettleCoin     string    `json:"settleCoin"`
	SettleNetwork  string    `json:"settleNetwork"`
	DepositAddress string    `json:"depositAddress"`
	SettleAddress  string    `json:"settleAddress"`
	SettleMemo     string    `json:"settleMemo,omitempty"`
	DepositAmount  string    `json:"depositAmount,omitempty"`
	SettleAmount   string    `json:"settleAmount,omitempty"`
	QuoteID        string    `json:"quoteId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func (p shiftPayload) toShift(raw json.RawMessage) (Shift, error) {
	shift := Shift{
		ID:             p.ID,
		Status:         Status(p.Status),
		DepositCoin:    p.DepositCoin,
		DepositNetwork: p.DepositNetwork,
		SettleCoin:     p.SettleCoin,
		SettleNetwork:  p.SettleNetwork,
		DepositAddress: p.DepositAddress,
		SettleAddress:  p.SettleAddress,
		SettleMemo:     p.SettleMemo,
		QuoteID:        p.QuoteID,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
		Raw:            raw,
	}
	if shift.Status == "" {
		shift.Status = StatusUnknown
	}

	var err error
	if shift.DepositAmount, err = parseAmount(p.DepositAmount); err != nil {
		return Shift{}, fmt.Errorf("parse deposit amount for %s: %w", p.ID, err)
	}
	if shift.SettleAmount, err = parseAmount(p.SettleAmount); err != nil {
		return Shift{}, fmt.Errorf("parse settle amount for %s: %w", p.ID, err)
	}
	return shift, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("exchange api error (%d): %s", status, apiErr.Error.Message)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("exchange api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("exchange api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("exchange api error (%d)", status)
}
