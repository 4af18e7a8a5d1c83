package exchange

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status mirrors the shift states reported by the exchange.
type Status string

// Shift statuses as reported by the exchange API.
const (
	StatusWaiting    Status = "waiting"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSettling   Status = "settling"
	StatusSettled    Status = "settled"
	StatusExpired    Status = "expired"
	StatusStopped    Status = "stopped"
	StatusUnknown    Status = "unknown"
)

// Terminal reports whether the status ends a shift's lifecycle on the exchange.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExpired
}

// Shift is one exchange-mediated transaction from a deposit coin to a
// settlement address.
type Shift struct {
	ID             string
	Status         Status
	DepositCoin    string
	DepositNetwork string
	SettleCoin     string
	SettleNetwork  string
	DepositAddress string
	SettleAddress  string
	SettleMemo     string
	DepositAmount  decimal.Decimal
	SettleAmount   decimal.Decimal
	QuoteID        string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Raw            json.RawMessage
}

// Quote is a fixed-rate offer for a deposit/settle pair.
type Quote struct {
	ID            string
	DepositCoin   string
	SettleCoin    string
	DepositAmount decimal.Decimal
	SettleAmount  decimal.Decimal
	Rate          decimal.Decimal
	ExpiresAt     time.Time
}

// Pair holds the current conversion rate between two coins.
type Pair struct {
	Min  decimal.Decimal
	Max  decimal.Decimal
	Rate decimal.Decimal
}

// Coin describes one listed asset and the networks it settles on.
type Coin struct {
	Coin             string   `json:"coin"`
	Name             string   `json:"name"`
	Networks         []string `json:"networks"`
	Mainnet          string   `json:"mainnet"`
	NetworksWithMemo []string `json:"networksWithMemo"`
}

// QuoteRequest parameterises a fixed-rate quote.
type QuoteRequest struct {
	DepositCoin    string
	DepositNetwork string
	SettleCoin     string
	SettleNetwork  string
	// Exactly one of DepositAmount/SettleAmount should be set.
	DepositAmount *decimal.Decimal
	SettleAmount  *decimal.Decimal
	// UserIP identifies the end user to the exchange; forwarded as x-user-ip.
	UserIP string
}

// FixedShiftRequest creates a shift from an accepted quote.
type FixedShiftRequest struct {
	QuoteID       string
	SettleAddress string
	SettleMemo    string
	UserIP        string
}
