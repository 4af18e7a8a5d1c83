package api

import (
	"time"

	"github.com/shopspring/decimal"

	"shiftwatch/internal/poller"
)

// CreatePaymentRequest is the body for POST /api/payments.
type CreatePaymentRequest struct {
	OrderID        string          `json:"orderId"`
	DepositCoin    string          `json:"depositCoin"`
	DepositNetwork string          `json:"depositNetwork"`
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
}

// PaymentResponse describes one tracked payment.
type PaymentResponse struct {
	ShiftID        string          `json:"shiftId"`
	OrderID        string          `json:"orderId"`
	Status         string          `json:"status"`
	DepositCoin    string          `json:"depositCoin,omitempty"`
	DepositNetwork string          `json:"depositNetwork,omitempty"`
	DepositAddress string          `json:"depositAddress,omitempty"`
	DepositAmount  decimal.Decimal `json:"depositAmount"`
	SettleAmount   decimal.Decimal `json:"settleAmount"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastCheckedAt  time.Time       `json:"lastCheckedAt,omitzero"`
	RetryCount     int             `json:"retryCount"`
	Reason         string          `json:"reason,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
}

func paymentFromRecord(rec poller.ShiftRecord) PaymentResponse {
	return PaymentResponse{
		ShiftID:        rec.ShiftID,
		OrderID:        rec.OrderID,
		Status:         string(rec.Status),
		DepositCoin:    rec.LastSnapshot.DepositCoin,
		DepositNetwork: rec.LastSnapshot.DepositNetwork,
		DepositAddress: rec.LastSnapshot.DepositAddress,
		DepositAmount:  rec.LastSnapshot.DepositAmount,
		SettleAmount:   rec.ExpectedAmount,
		CreatedAt:      rec.CreatedAt,
		LastCheckedAt:  rec.LastCheckedAt,
		RetryCount:     rec.RetryCount,
	}
}

func paymentFromFailed(rec poller.FailedRecord) PaymentResponse {
	resp := paymentFromRecord(rec.ShiftRecord)
	resp.Reason = rec.Reason
	failedAt := rec.FailedAt
	resp.FailedAt = &failedAt
	return resp
}
