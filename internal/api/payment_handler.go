package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"shiftwatch/internal/poller"
	"shiftwatch/internal/processor"
)

// clientIP extracts the paying user's address, preferring the first
// X-Forwarded-For hop when the facade sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CreatePayment builds a fixed shift for a checkout total and places it
// under polling.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.OrderID == "" {
		BadRequest(w, "orderId is required")
		return
	}
	coin := processor.SanitizeCoinNetwork(req.DepositCoin)
	network := processor.SanitizeCoinNetwork(req.DepositNetwork)
	if coin == "" || network == "" {
		BadRequest(w, "depositCoin and depositNetwork are required")
		return
	}
	if !req.FiatAmount.IsPositive() {
		BadRequest(w, "fiatAmount must be positive")
		return
	}

	shift, err := h.payments.CreatePayment(r.Context(), coin, network, req.FiatAmount, clientIP(r))
	if err != nil {
		if errors.Is(err, processor.ErrUnknownWallet) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	err = h.tracker.Register(shift.ID, req.OrderID, shift.SettleAddress, shift.SettleAmount, shift)
	if err != nil {
		if errors.Is(err, poller.ErrAlreadyTracked) {
			Conflict(w, "shift is already tracked")
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	rec, _ := h.tracker.Active(shift.ID)
	Created(w, paymentFromRecord(rec))
}

// ListPayments returns all in-flight payments.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	records := h.tracker.Records()
	payments := make([]PaymentResponse, 0, len(records))
	for _, rec := range records {
		payments = append(payments, paymentFromRecord(rec))
	}
	List(w, payments, len(payments))
}

// GetPayment returns one payment, active or failed.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if rec, ok := h.tracker.Active(id); ok {
		Success(w, paymentFromRecord(rec))
		return
	}
	if rec, ok := h.tracker.Failed(id); ok {
		Success(w, paymentFromFailed(rec))
		return
	}
	NotFound(w, "payment not found")
}

// CancelPayment stops tracking a payment without touching the order ledger.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.tracker.Active(id); !ok {
		NotFound(w, "payment not found")
		return
	}
	h.tracker.Cancel(id, poller.ReasonCanceledByUser)
	NoContent(w)
}

// PollerStatus reports the polling loop state.
func (h *Handler) PollerStatus(w http.ResponseWriter, r *http.Request) {
	Success(w, h.tracker.Status())
}

// TriggerPoll forces an immediate poll cycle.
func (h *Handler) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	h.tracker.TriggerPollNow()
	Accepted(w, h.tracker.Status())
}

// ListCoins returns the payable coin catalog.
func (h *Handler) ListCoins(w http.ResponseWriter, r *http.Request) {
	entries := h.catalog.Entries()
	List(w, entries, len(entries))
}
