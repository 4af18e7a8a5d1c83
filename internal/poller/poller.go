// Package poller tracks externally created payment shifts until they reach a
// terminal state, driving order confirmation and reset callbacks.
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shiftwatch/internal/exchange"
	"shiftwatch/internal/metrics"
)

// Options tune polling cadence and failure handling.
type Options struct {
	Interval     time.Duration
	RetryCeiling int
	BackoffCap   time.Duration
	Retention    time.Duration
}

// Poller owns the active set of tracked shifts and the timers that poll them.
//
// One recurring timer drives the periodic cycle; per-shift retry timers can
// trigger an out-of-band cycle after a transient failure. At most one cycle
// body runs at a time; the store's collections are guarded by a single mutex
// so registration, cancellation, and cleanup may be called from request
// handlers concurrently with an in-flight cycle.
type Poller struct {
	opts     Options
	source   StatusSource
	ledger   Ledger
	notifier Notifier
	archive  Archive
	logger   zerolog.Logger

	// Injection points for deterministic tests.
	now     func() time.Time
	delay   func(retryCount int) time.Duration
	trigger func()

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	records     map[string]*ShiftRecord
	failed      map[string]FailedRecord
	active      map[string]struct{}
	retryTimers map[string]*time.Timer
	pollTimer   *time.Timer
	running     bool

	// Serializes the cycle body: a retry-triggered cycle racing the periodic
	// one must never interleave, or terminal callbacks could fire twice.
	cycleMu sync.Mutex
}

// New constructs a Poller. The source and ledger collaborators are required;
// notifier and archive may be nil.
func New(opts Options, source StatusSource, ledger Ledger, notifier Notifier, archive Archive, logger zerolog.Logger) *Poller {
	if source == nil {
		panic("poller requires a status source")
	}
	if ledger == nil {
		panic("poller requires a ledger")
	}

	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = 5
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 10 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 48 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Poller{
		opts:        opts,
		source:      source,
		ledger:      ledger,
		notifier:    notifier,
		archive:     archive,
		logger:      logger.With().Str("component", "poller").Logger(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		records:     make(map[string]*ShiftRecord),
		failed:      make(map[string]FailedRecord),
		active:      make(map[string]struct{}),
		retryTimers: make(map[string]*time.Timer),
	}
	p.delay = func(retryCount int) time.Duration {
		return Delay(retryCount, opts.BackoffCap)
	}
	p.trigger = func() { go p.pollOnce() }
	return p
}

// Register begins tracking a shift and starts the polling schedule if idle.
func (p *Poller) Register(shiftID, orderID, wallet string, amount decimal.Decimal, snapshot exchange.Shift) error {
	switch {
	case shiftID == "":
		return fmt.Errorf("%w: shift id is empty", ErrInvalidArgument)
	case orderID == "":
		return fmt.Errorf("%w: order id is empty", ErrInvalidArgument)
	case wallet == "":
		return fmt.Errorf("%w: destination wallet is empty", ErrInvalidArgument)
	case !amount.IsPositive():
		return fmt.Errorf("%w: expected amount must be positive", ErrInvalidArgument)
	}

	p.mu.Lock()
	if _, ok := p.records[shiftID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, shiftID)
	}
	if _, ok := p.failed[shiftID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, shiftID)
	}

	p.records[shiftID] = &ShiftRecord{
		ShiftID:        shiftID,
		OrderID:        orderID,
		Status:         exchange.StatusWaiting,
		ExpectedAmount: amount,
		ExpectedWallet: wallet,
		LastSnapshot:   snapshot,
		CreatedAt:      p.now(),
	}
	p.active[shiftID] = struct{}{}
	metrics.ActiveShifts.Set(float64(len(p.active)))

	start := !p.running
	if start {
		p.running = true
	}
	p.mu.Unlock()

	p.logger.Info().Str("shift_id", shiftID).Str("order_id", orderID).Msg("tracking payment shift")
	if start {
		p.trigger()
	}
	return nil
}

// Remove discards a shift from active tracking. Idempotent; no failed record
// is written.
func (p *Poller) Remove(shiftID string) {
	p.mu.Lock()
	p.removeLocked(shiftID)
	p.mu.Unlock()
}

// Cancel stops tracking a shift and records the cancellation. Idempotent.
func (p *Poller) Cancel(shiftID, reason string) {
	if reason == "" {
		reason = ReasonManual
	}
	p.markFailed(shiftID, reason, exchange.StatusStopped, false)
}

// Active returns a copy of the tracking record for an in-flight shift.
func (p *Poller) Active(shiftID string) (ShiftRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[shiftID]
	if !ok {
		return ShiftRecord{}, false
	}
	return *rec, true
}

// Records returns copies of all in-flight tracking records, ordered by
// registration time.
func (p *Poller) Records() []ShiftRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ShiftRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Failed returns the terminal record for a permanently failed or canceled shift.
func (p *Poller) Failed(shiftID string) (FailedRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.failed[shiftID]
	return rec, ok
}

// Status reports current poller state for observability.
func (p *Poller) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Running:      p.running,
		ActiveCount:  len(p.active),
		TotalTracked: len(p.records) + len(p.failed),
		RetryCeiling: p.opts.RetryCeiling,
	}
}

// Start kicks the polling schedule if shifts are waiting and it is idle.
// Starting while already running is a no-op; a second recurring timer must
// never exist.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running || len(p.active) == 0 {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()
	p.trigger()
}

// Stop halts the periodic schedule. Pending per-shift retry timers stay armed;
// they are canceled individually on removal.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()
}

// TriggerPollNow forces an immediate out-of-band poll cycle.
func (p *Poller) TriggerPollNow() {
	p.trigger()
}

// Close shuts the poller down: periodic timer, all retry timers, and any
// in-flight downstream calls.
func (p *Poller) Close() {
	p.cancel()
	p.mu.Lock()
	p.stopLocked()
	for id, t := range p.retryTimers {
		t.Stop()
		delete(p.retryTimers, id)
	}
	p.mu.Unlock()
}

// pollOnce executes a single poll cycle: snapshot the batch, fetch statuses,
// apply transitions, sweep stale records, reschedule.
func (p *Poller) pollOnce() {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	batch := p.snapshotBatch()
	if len(batch) == 0 {
		p.stopIfIdle()
		return
	}

	metrics.PollCycles.Inc()
	p.logger.Debug().Int("batch", len(batch)).Msg("polling shift statuses")

	shifts, err := p.fetchBatch(batch)
	if err != nil {
		metrics.FetchFailures.Inc()
		p.logger.Warn().Err(err).Int("batch", len(batch)).Msg("status fetch failed, deferring to retry timers")
		for _, id := range batch {
			p.onTransientFailure(id)
		}
		p.sweep()
		return
	}

	byID := make(map[string]exchange.Shift, len(shifts))
	for _, sh := range shifts {
		byID[sh.ID] = sh
	}

	for _, id := range batch {
		sh, ok := byID[id]
		if !ok {
			// The exchange may omit ids transiently; poll again next cycle.
			continue
		}
		p.applyShift(sh)
	}

	p.sweep()
	p.scheduleNext()
}

// stopIfIdle winds an empty cycle down. The active set is re-checked under
// the lock: a registration that landed after the batch snapshot has already
// set running=true, and stopping here would strand it with no timer armed.
func (p *Poller) stopIfIdle() {
	p.mu.Lock()
	if len(p.active) == 0 {
		p.stopLocked()
	}
	p.mu.Unlock()
}

// snapshotBatch fixes the batch for this cycle; concurrent mutations of the
// active set do not affect an in-flight batch.
func (p *Poller) snapshotBatch() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]string, 0, len(p.active))
	for id := range p.active {
		batch = append(batch, id)
	}
	return batch
}

func (p *Poller) fetchBatch(batch []string) ([]exchange.Shift, error) {
	if len(batch) == 1 {
		shift, err := p.source.GetShift(p.ctx, batch[0])
		if err != nil {
			return nil, err
		}
		return []exchange.Shift{shift}, nil
	}
	return p.source.GetBulkShifts(p.ctx, batch)
}

// applyShift diffs a returned snapshot against stored state. An unchanged
// status causes no write. Terminal transitions are committed only through
// their handlers so a rejected settlement stays active and is re-validated
// against a later snapshot.
func (p *Poller) applyShift(sh exchange.Shift) {
	p.mu.Lock()
	rec, ok := p.records[sh.ID]
	if !ok {
		// Benign race with concurrent removal.
		p.mu.Unlock()
		return
	}
	if rec.Status == sh.Status {
		p.mu.Unlock()
		return
	}

	prev := rec.Status
	if !sh.Status.Terminal() {
		rec.Status = sh.Status
		rec.LastSnapshot = sh
		rec.LastCheckedAt = p.now()
		p.mu.Unlock()
		p.logger.Debug().Str("shift_id", sh.ID).
			Str("from", string(prev)).Str("to", string(sh.Status)).
			Msg("shift status changed")
		return
	}

	snapshot := *rec
	p.mu.Unlock()

	p.logger.Info().Str("shift_id", sh.ID).
		Str("from", string(prev)).Str("to", string(sh.Status)).
		Msg("shift reached terminal status")

	switch sh.Status {
	case exchange.StatusSettled:
		if err := p.handleSettled(sh, snapshot); err != nil {
			p.logger.Warn().Err(err).Str("shift_id", sh.ID).Msg("settlement rejected, scheduling retry")
			p.onTransientFailure(sh.ID)
		}
	case exchange.StatusExpired:
		p.handleExpired(sh, snapshot)
	}
}

// handleSettled confirms a completed payment. The settlement is accepted only
// if amount and destination address match what was registered; paying the
// wrong amount or address must never be confirmed.
func (p *Poller) handleSettled(sh exchange.Shift, rec ShiftRecord) error {
	if !rec.ExpectedAmount.Equal(sh.SettleAmount) {
		return fmt.Errorf("%w: expected amount %s, settled %s",
			errSettlementMismatch, rec.ExpectedAmount, sh.SettleAmount)
	}
	if rec.ExpectedWallet != sh.SettleAddress {
		return fmt.Errorf("%w: unexpected settle address %s",
			errSettlementMismatch, sh.SettleAddress)
	}

	if err := p.ledger.ConfirmPayment(p.ctx, rec.OrderID, rec.ShiftID); err != nil {
		p.logger.Error().Err(err).Str("order_id", rec.OrderID).Str("shift_id", rec.ShiftID).
			Msg("ledger confirm failed")
	}
	p.notify(true, Notice{
		OrderID: rec.OrderID,
		ShiftID: rec.ShiftID,
		Amount:  sh.SettleAmount,
		Coin:    sh.SettleCoin,
	})

	metrics.TerminalOutcomes.WithLabelValues(metrics.OutcomeSettled).Inc()
	p.Remove(rec.ShiftID)
	p.logger.Info().Str("shift_id", rec.ShiftID).Str("order_id", rec.OrderID).Msg("payment confirmed")
	return nil
}

// handleExpired resets the owning order and stops tracking the shift.
func (p *Poller) handleExpired(sh exchange.Shift, rec ShiftRecord) {
	if err := p.ledger.ResetPayment(p.ctx, rec.OrderID, rec.ShiftID, "failed"); err != nil {
		p.logger.Error().Err(err).Str("order_id", rec.OrderID).Str("shift_id", rec.ShiftID).
			Msg("ledger reset failed")
	}
	p.notify(false, Notice{
		OrderID: rec.OrderID,
		ShiftID: rec.ShiftID,
		Amount:  rec.ExpectedAmount,
		Coin:    sh.SettleCoin,
		Reason:  string(exchange.StatusExpired),
	})

	metrics.TerminalOutcomes.WithLabelValues(metrics.OutcomeExpired).Inc()
	p.Remove(rec.ShiftID)
	p.logger.Info().Str("shift_id", rec.ShiftID).Str("order_id", rec.OrderID).Msg("payment expired")
}

// onTransientFailure increments the retry count and either arms a backoff
// timer or declares the shift permanently failed.
func (p *Poller) onTransientFailure(shiftID string) {
	p.mu.Lock()
	rec, ok := p.records[shiftID]
	if !ok {
		p.mu.Unlock()
		return
	}

	rec.RetryCount++
	count := rec.RetryCount
	if count > p.opts.RetryCeiling {
		p.mu.Unlock()
		p.onPermanentFailure(shiftID)
		return
	}

	if t := p.retryTimers[shiftID]; t != nil {
		t.Stop()
	}
	d := p.delay(count)
	p.retryTimers[shiftID] = time.AfterFunc(d, func() { p.retryFire(shiftID) })
	p.mu.Unlock()

	metrics.RetriesScheduled.Inc()
	p.logger.Debug().Str("shift_id", shiftID).Int("retry", count).Dur("delay", d).
		Msg("retry scheduled")
}

// retryFire re-admits a shift to the active set and forces an immediate poll
// cycle, independent of the regular schedule.
func (p *Poller) retryFire(shiftID string) {
	p.mu.Lock()
	delete(p.retryTimers, shiftID)
	if _, ok := p.records[shiftID]; !ok {
		p.mu.Unlock()
		return
	}
	p.active[shiftID] = struct{}{}
	p.running = true
	p.mu.Unlock()

	p.pollOnce()
}

// onPermanentFailure moves a shift to the failed store and resets the order.
func (p *Poller) onPermanentFailure(shiftID string) {
	p.markFailed(shiftID, ReasonMaxRetryExceeded, "", true)
}

// markFailed is the single removal path for every non-settled exit: retry
// exhaustion, cancellation, and retention eviction. Idempotent against
// duplicate triggers via the failed store.
func (p *Poller) markFailed(shiftID, reason string, status exchange.Status, resetLedger bool) {
	p.mu.Lock()
	if _, done := p.failed[shiftID]; done {
		p.mu.Unlock()
		return
	}
	rec, ok := p.records[shiftID]
	if !ok {
		p.mu.Unlock()
		return
	}

	snapshot := *rec
	if status != "" {
		snapshot.Status = status
	}
	failed := FailedRecord{
		ShiftRecord: snapshot,
		Reason:      reason,
		FailedAt:    p.now(),
	}
	p.failed[shiftID] = failed
	p.removeLocked(shiftID)
	p.mu.Unlock()

	metrics.TerminalOutcomes.WithLabelValues(outcomeForReason(reason)).Inc()
	p.logger.Warn().Str("shift_id", shiftID).Str("order_id", snapshot.OrderID).
		Str("reason", reason).Msg("shift removed from tracking")

	if resetLedger {
		if err := p.ledger.ResetPayment(p.ctx, snapshot.OrderID, shiftID, reason); err != nil {
			p.logger.Error().Err(err).Str("order_id", snapshot.OrderID).Str("shift_id", shiftID).
				Msg("ledger reset failed")
		}
		p.notify(false, Notice{
			OrderID: snapshot.OrderID,
			ShiftID: shiftID,
			Amount:  snapshot.ExpectedAmount,
			Reason:  reason,
		})
	}

	if p.archive != nil {
		if err := p.archive.SaveFailedShift(p.ctx, failed); err != nil {
			p.logger.Error().Err(err).Str("shift_id", shiftID).Msg("failed-record archive write failed")
		}
	}
}

// sweep evicts records older than the retention age, independent of exchange
// status; a shift stuck in a non-terminal remote state must not poll forever.
func (p *Poller) sweep() {
	now := p.now()

	p.mu.Lock()
	var stale []string
	for id, rec := range p.records {
		if now.Sub(rec.CreatedAt) > p.opts.Retention {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.markFailed(id, ReasonRetentionExceeded, "", true)
	}
}

func (p *Poller) scheduleNext() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.active) == 0 {
		p.stopLocked()
		return
	}
	if !p.running {
		// Stopped externally while the cycle was in flight.
		return
	}
	if p.pollTimer != nil {
		p.pollTimer.Stop()
	}
	p.pollTimer = time.AfterFunc(p.opts.Interval, p.pollOnce)
}

func (p *Poller) removeLocked(shiftID string) {
	if t := p.retryTimers[shiftID]; t != nil {
		t.Stop()
		delete(p.retryTimers, shiftID)
	}
	delete(p.records, shiftID)
	delete(p.active, shiftID)
	metrics.ActiveShifts.Set(float64(len(p.active)))
	if len(p.active) == 0 {
		p.stopLocked()
	}
}

func (p *Poller) stopLocked() {
	if p.pollTimer != nil {
		p.pollTimer.Stop()
		p.pollTimer = nil
	}
	p.running = false
}

func (p *Poller) notify(confirmed bool, notice Notice) {
	if p.notifier == nil {
		return
	}
	var err error
	if confirmed {
		err = p.notifier.PaymentConfirmed(p.ctx, notice)
	} else {
		err = p.notifier.PaymentFailed(p.ctx, notice)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("shift_id", notice.ShiftID).Msg("payment notice delivery failed")
	}
}

func outcomeForReason(reason string) string {
	switch reason {
	case ReasonMaxRetryExceeded:
		return metrics.OutcomeFailed
	case ReasonRetentionExceeded:
		return metrics.OutcomeEvicted
	default:
		return metrics.OutcomeCanceled
	}
}
