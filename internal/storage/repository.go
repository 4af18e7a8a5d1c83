package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")

	// ErrOrderNotFound indicates a ledger update matched no order row.
	ErrOrderNotFound = errors.New("storage: order not found")
)

const (
	confirmPaymentSQL = `UPDATE orders
    SET status                = 'completed',
        crypto_payment_status = 'confirmed',
        shift_id              = $2,
        paid_at               = now(),
        updated_at            = now()
    WHERE id = $1;`

	resetPaymentSQL = `UPDATE orders
    SET status                = 'waiting',
        crypto_payment_status = $3,
        shift_id              = NULL,
        crypto_total          = NULL,
        pay_with              = NULL,
        failed_shifts         = array_append(failed_shifts, $2),
        updated_at            = now()
    WHERE id = $1;`

	getOrderSQL = `SELECT
        id,
        status,
        crypto_payment_status,
        shift_id,
        crypto_total,
        pay_with,
        updated_at
    FROM orders
    WHERE id = $1;`

	insertFailedShiftSQL = `INSERT INTO failed_shifts (
        shift_id,
        order_id,
        status,
        reason,
        expected_amount,
        expected_wallet,
        retry_count,
        snapshot,
        created_at,
        failed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (shift_id) DO NOTHING;`

	listRecentFailedShiftsSQL = `SELECT
        shift_id,
        order_id,
        status,
        reason,
        expected_amount,
        expected_wallet,
        retry_count,
        snapshot,
        created_at,
        failed_at
    FROM failed_shifts
    ORDER BY failed_at DESC
    LIMIT $1;`

	deleteFailedShiftsBeforeSQL = `DELETE FROM failed_shifts WHERE failed_at < $1;`
)

// OrderLedger defines the payment outcome operations applied to orders.
type OrderLedger interface {
	ConfirmPayment(ctx context.Context, orderID, shiftID string) error
	ResetPayment(ctx context.Context, orderID, shiftID, reason string) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
}

// FailedShiftStore defines auditing operations for failed shifts.
type FailedShiftStore interface {
	InsertFailedShift(ctx context.Context, row FailedShift) error
	ListRecentFailedShifts(ctx context.Context, limit int) ([]FailedShift, error)
	DeleteFailedShiftsBefore(ctx context.Context, olderThan time.Time) error
}

// Store aggregates access to orders and the failed-shift archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ConfirmPayment marks an order as paid by the given shift.
func (s *Store) ConfirmPayment(ctx context.Context, orderID, shiftID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, confirmPaymentSQL, orderID, shiftID)
	if execErr != nil {
		return fmt.Errorf("confirm payment: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

// ResetPayment clears an order's crypto payment fields and records the failed
// attempt, returning the order to its waiting state.
func (s *Store) ResetPayment(ctx context.Context, orderID, shiftID, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, resetPaymentSQL, orderID, shiftID, reason)
	if execErr != nil {
		return fmt.Errorf("reset payment: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

// GetOrder fetches one order row.
func (s *Store) GetOrder(ctx context.Context, orderID string) (Order, error) {
	pool, err := s.getPool()
	if err != nil {
		return Order{}, err
	}

	var (
		order  Order
		total  *string
		shift  *string
		pay    *string
		status *string
	)
	row := pool.QueryRow(ctx, getOrderSQL, orderID)
	if scanErr := row.Scan(&order.ID, &order.Status, &status, &shift, &total, &pay, &order.UpdatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return Order{}, fmt.Errorf("get order: %w", scanErr)
	}

	if status != nil {
		order.PaymentStatus = *status
	}
	order.ShiftID = shift
	order.PayWith = pay
	if total != nil {
		parsed, parseErr := decimal.NewFromString(*total)
		if parseErr != nil {
			return Order{}, fmt.Errorf("parse crypto total: %w", parseErr)
		}
		order.CryptoTotal = &parsed
	}
	return order, nil
}

// InsertFailedShift appends one failed shift to the audit archive. Duplicate
// shift ids are ignored; the first write wins.
func (s *Store) InsertFailedShift(ctx context.Context, row FailedShift) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var snapshot any
	if len(row.Snapshot) > 0 {
		snapshot = []byte(row.Snapshot)
	}

	_, execErr := pool.Exec(ctx, insertFailedShiftSQL,
		row.ShiftID,
		row.OrderID,
		row.Status,
		row.Reason,
		row.ExpectedAmount.String(),
		row.ExpectedWallet,
		row.RetryCount,
		snapshot,
		row.CreatedAt,
		row.FailedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert failed shift: %w", execErr)
	}
	return nil
}

// ListRecentFailedShifts lists the latest archive rows, newest first.
func (s *Store) ListRecentFailedShifts(ctx context.Context, limit int) ([]FailedShift, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentFailedShiftsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list failed shifts: %w", queryErr)
	}
	defer rows.Close()

	out := make([]FailedShift, 0, limit)
	for rows.Next() {
		var (
			row    FailedShift
			amount string
		)
		if scanErr := rows.Scan(
			&row.ShiftID,
			&row.OrderID,
			&row.Status,
			&row.Reason,
			&amount,
			&row.ExpectedWallet,
			&row.RetryCount,
			&row.Snapshot,
			&row.CreatedAt,
			&row.FailedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan failed shift: %w", scanErr)
		}
		parsed, parseErr := decimal.NewFromString(amount)
		if parseErr != nil {
			return nil, fmt.Errorf("parse expected amount: %w", parseErr)
		}
		row.ExpectedAmount = parsed
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteFailedShiftsBefore prunes archive rows older than the cutoff.
func (s *Store) DeleteFailedShiftsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteFailedShiftsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete failed shifts: %w", execErr)
	}
	return nil
}

var (
	_ OrderLedger      = (*Store)(nil)
	_ FailedShiftStore = (*Store)(nil)
)
