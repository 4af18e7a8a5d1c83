package poller

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"shiftwatch/internal/exchange"
)

// Failure reasons recorded when a shift leaves active tracking without settling.
const (
	ReasonMaxRetryExceeded  = "Error_MaxRetryExceeded"
	ReasonCanceledByUser    = "Canceled_by_User"
	ReasonRetentionExceeded = "Error_RetentionExceeded"
	ReasonManual            = "manual"
)

// ShiftRecord is the tracking state for one in-flight shift.
type ShiftRecord struct {
	ShiftID        string
	OrderID        string
	Status         exchange.Status
	ExpectedAmount decimal.Decimal
	ExpectedWallet string
	LastSnapshot   exchange.Shift
	CreatedAt      time.Time
	LastCheckedAt  time.Time
	RetryCount     int
}

// FailedRecord is an immutable snapshot of a record taken the moment it was
// declared permanently failed or canceled.
type FailedRecord struct {
	ShiftRecord
	Reason   string
	FailedAt time.Time
}

// Snapshot summarises poller state for observability.
type Snapshot struct {
	Running      bool `json:"isRunning"`
	ActiveCount  int  `json:"activeCount"`
	TotalTracked int  `json:"totalTracked"`
	RetryCeiling int  `json:"retryCeiling"`
}

// StatusSource supplies current shift snapshots from the exchange.
// Fetch failures are treated as transient and absorbed into backoff.
type StatusSource interface {
	GetShift(ctx context.Context, id string) (exchange.Shift, error)
	GetBulkShifts(ctx context.Context, ids []string) ([]exchange.Shift, error)
}

// Ledger applies terminal payment outcomes to the owning orders.
// Calls are fire-and-forget from the poller's perspective.
type Ledger interface {
	ConfirmPayment(ctx context.Context, orderID, shiftID string) error
	ResetPayment(ctx context.Context, orderID, shiftID, reason string) error
}

// Notice carries the context of a terminal payment outcome.
type Notice struct {
	OrderID string
	ShiftID string
	Amount  decimal.Decimal
	Coin    string
	Reason  string
}

// Notifier delivers best-effort payment notices. Failures are logged, never retried.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, notice Notice) error
	PaymentFailed(ctx context.Context, notice Notice) error
}

// Archive persists failed records for auditing. Optional; write-only.
type Archive interface {
	SaveFailedShift(ctx context.Context, record FailedRecord) error
}
