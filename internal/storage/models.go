package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order is the shop-side view of one invoice the poller settles against.
type Order struct {
	ID            string
	Status        string
	PaymentStatus string
	ShiftID       *string
	CryptoTotal   *decimal.Decimal
	PayWith       *string
	UpdatedAt     time.Time
}

// FailedShift is the persisted audit row for a shift that left tracking
// without settling. Write-only from the poller; never read back into the
// active set.
type FailedShift struct {
	ShiftID        string
	OrderID        string
	Status         string
	Reason         string
	ExpectedAmount decimal.Decimal
	ExpectedWallet string
	RetryCount     int
	Snapshot       json.RawMessage
	CreatedAt      time.Time
	FailedAt       time.Time
}
