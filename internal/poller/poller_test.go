package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shiftwatch/internal/exchange"
)

type fakeSource struct {
	mu          sync.Mutex
	shifts      map[string]exchange.Shift
	err         error
	singleCalls int
	bulkCalls   int
}

func (f *fakeSource) GetShift(_ context.Context, id string) (exchange.Shift, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	if f.err != nil {
		return exchange.Shift{}, f.err
	}
	sh, ok := f.shifts[id]
	if !ok {
		return exchange.Shift{}, errors.New("shift not found")
	}
	return sh, nil
}

func (f *fakeSource) GetBulkShifts(_ context.Context, ids []string) ([]exchange.Shift, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]exchange.Shift, 0, len(ids))
	for _, id := range ids {
		if sh, ok := f.shifts[id]; ok {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (f *fakeSource) set(sh exchange.Shift) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shifts == nil {
		f.shifts = make(map[string]exchange.Shift)
	}
	f.shifts[sh.ID] = sh
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.singleCalls + f.bulkCalls
}

type fakeLedger struct {
	mu       sync.Mutex
	confirms []string
	resets   []string
	reasons  map[string]string
}

func (f *fakeLedger) ConfirmPayment(_ context.Context, orderID, shiftID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, shiftID)
	return nil
}

func (f *fakeLedger) ResetPayment(_ context.Context, orderID, shiftID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, shiftID)
	if f.reasons == nil {
		f.reasons = make(map[string]string)
	}
	f.reasons[shiftID] = reason
	return nil
}

func (f *fakeLedger) confirmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.confirms)
}

func (f *fakeLedger) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

func (f *fakeLedger) resetReason(shiftID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reasons[shiftID]
}

type fakeNotifier struct {
	mu        sync.Mutex
	confirmed []Notice
	failed    []Notice
}

func (f *fakeNotifier) PaymentConfirmed(_ context.Context, n Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, n)
	return nil
}

func (f *fakeNotifier) PaymentFailed(_ context.Context, n Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, n)
	return nil
}

type fakeArchive struct {
	mu      sync.Mutex
	records []FailedRecord
}

func (f *fakeArchive) SaveFailedShift(_ context.Context, rec FailedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type fixture struct {
	poller   *Poller
	source   *fakeSource
	ledger   *fakeLedger
	notifier *fakeNotifier
	archive  *fakeArchive
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	if opts.RetryCeiling == 0 {
		opts.RetryCeiling = 2
	}

	f := &fixture{
		source:   &fakeSource{},
		ledger:   &fakeLedger{},
		notifier: &fakeNotifier{},
		archive:  &fakeArchive{},
	}
	f.poller = New(opts, f.source, f.ledger, f.notifier, f.archive, zerolog.Nop())
	// Keep cycles under test control: no auto-started goroutines and retry
	// timers that never fire on their own.
	f.poller.trigger = func() {}
	f.poller.delay = func(int) time.Duration { return time.Hour }
	t.Cleanup(f.poller.Close)
	return f
}

func (f *fixture) register(t *testing.T, shiftID, orderID, wallet, amount string) {
	t.Helper()
	err := f.poller.Register(shiftID, orderID, wallet, decimal.RequireFromString(amount), exchange.Shift{ID: shiftID})
	if err != nil {
		t.Fatalf("register %s: %v", shiftID, err)
	}
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, Options{})

	cases := []struct {
		name                     string
		shiftID, orderID, wallet string
		amount                   string
	}{
		{"empty shift id", "", "o1", "w1", "1"},
		{"empty order id", "s1", "", "w1", "1"},
		{"empty wallet", "s1", "o1", "", "1"},
		{"zero amount", "s1", "o1", "w1", "0"},
	}
	for _, tc := range cases {
		err := f.poller.Register(tc.shiftID, tc.orderID, tc.wallet, amount(tc.amount), exchange.Shift{})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")

	err := f.poller.Register("s1", "o2", "w2", amount("2"), exchange.Shift{})
	if !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("expected ErrAlreadyTracked, got %v", err)
	}

	f.poller.Cancel("s1", "")
	err = f.poller.Register("s1", "o1", "w1", amount("1"), exchange.Shift{})
	if !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("a canceled id must never re-enter tracking, got %v", err)
	}
}

func TestSettledPaymentConfirmedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "bc1qdest", "1.5")

	f.source.set(exchange.Shift{ID: "s1", Status: exchange.StatusPending})
	f.poller.pollOnce()

	if f.ledger.confirmCount() != 0 || f.ledger.resetCount() != 0 {
		t.Fatal("no callback may fire before a terminal status")
	}
	rec, ok := f.poller.Active("s1")
	if !ok || rec.Status != exchange.StatusPending {
		t.Fatalf("status should track the exchange, got %+v", rec)
	}
	if rec.LastCheckedAt.IsZero() {
		t.Fatal("status change should stamp LastCheckedAt")
	}

	f.source.set(exchange.Shift{
		ID:            "s1",
		Status:        exchange.StatusSettled,
		SettleAmount:  amount("1.5"),
		SettleAddress: "bc1qdest",
		SettleCoin:    "BTC",
	})
	f.poller.pollOnce()

	if got := f.ledger.confirmCount(); got != 1 {
		t.Fatalf("confirm should fire exactly once, fired %d times", got)
	}
	if _, ok := f.poller.Active("s1"); ok {
		t.Fatal("settled shift must leave the active set")
	}
	if st := f.poller.Status(); st.Running || st.ActiveCount != 0 {
		t.Fatalf("scheduler should stop on empty active set: %+v", st)
	}
	if len(f.notifier.confirmed) != 1 {
		t.Fatalf("expected one confirmation notice, got %d", len(f.notifier.confirmed))
	}
}

func TestUnchangedStatusCausesNoWrite(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")

	f.source.set(exchange.Shift{ID: "s1", Status: exchange.StatusWaiting})
	f.poller.pollOnce()

	rec, _ := f.poller.Active("s1")
	if !rec.LastCheckedAt.IsZero() {
		t.Fatal("unchanged status must not touch the record")
	}
}

func TestRetryCeilingDeclaresPermanentFailure(t *testing.T) {
	f := newFixture(t, Options{RetryCeiling: 2})
	f.register(t, "s1", "o1", "w1", "1")
	f.source.setErr(errors.New("exchange down"))

	f.poller.pollOnce()
	f.poller.pollOnce()
	if f.ledger.resetCount() != 0 {
		t.Fatal("reset must not fire before the ceiling is exceeded")
	}

	f.poller.pollOnce()
	if got := f.ledger.resetCount(); got != 1 {
		t.Fatalf("reset should fire exactly once, fired %d times", got)
	}
	if got := f.ledger.resetReason("s1"); got != ReasonMaxRetryExceeded {
		t.Fatalf("unexpected reset reason %q", got)
	}

	failed, ok := f.poller.Failed("s1")
	if !ok {
		t.Fatal("shift should appear in the failed store")
	}
	if failed.Reason != ReasonMaxRetryExceeded || failed.RetryCount != 3 {
		t.Fatalf("unexpected failed record %+v", failed)
	}
	if _, ok := f.poller.Active("s1"); ok {
		t.Fatal("permanently failed shift must leave the active set")
	}
	if len(f.archive.records) != 1 {
		t.Fatalf("failed record should be archived once, got %d", len(f.archive.records))
	}
}

func TestBulkOmittedShiftStaysActive(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")
	f.register(t, "s2", "o2", "w2", "2")

	f.source.set(exchange.Shift{ID: "s1", Status: exchange.StatusProcessing})
	f.poller.pollOnce()

	if f.source.bulkCalls != 1 || f.source.singleCalls != 0 {
		t.Fatalf("two-member batch should use the bulk fetch, got single=%d bulk=%d",
			f.source.singleCalls, f.source.bulkCalls)
	}

	rec, ok := f.poller.Active("s2")
	if !ok {
		t.Fatal("omitted shift must stay active")
	}
	if rec.Status != exchange.StatusWaiting || rec.RetryCount != 0 {
		t.Fatalf("omitted shift must be unchanged, got %+v", rec)
	}
	if !f.poller.Status().Running {
		t.Fatal("scheduler should keep running while shifts remain active")
	}
}

func TestSingleMemberBatchUsesSingleFetch(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")

	f.source.set(exchange.Shift{ID: "s1", Status: exchange.StatusWaiting})
	f.poller.pollOnce()

	if f.source.singleCalls != 1 || f.source.bulkCalls != 0 {
		t.Fatalf("single-member batch should use the single fetch, got single=%d bulk=%d",
			f.source.singleCalls, f.source.bulkCalls)
	}
}

func TestSettlementMismatchNeverConfirms(t *testing.T) {
	f := newFixture(t, Options{RetryCeiling: 5})
	f.register(t, "s1", "o1", "bc1qdest", "1.5")

	f.source.set(exchange.Shift{
		ID:            "s1",
		Status:        exchange.StatusSettled,
		SettleAmount:  amount("1.4"),
		SettleAddress: "bc1qdest",
	})
	f.poller.pollOnce()

	if f.ledger.confirmCount() != 0 {
		t.Fatal("a mismatched settlement must never be confirmed")
	}
	rec, ok := f.poller.Active("s1")
	if !ok {
		t.Fatal("mismatched shift must stay active for re-validation")
	}
	if rec.RetryCount != 1 {
		t.Fatalf("mismatch should count as a retryable failure, got %d", rec.RetryCount)
	}
	if rec.Status == exchange.StatusSettled {
		t.Fatal("rejected settlement must not be committed to the record")
	}

	// A later snapshot with the right amount settles cleanly.
	f.source.set(exchange.Shift{
		ID:            "s1",
		Status:        exchange.StatusSettled,
		SettleAmount:  amount("1.5"),
		SettleAddress: "bc1qdest",
	})
	f.poller.pollOnce()

	if f.ledger.confirmCount() != 1 {
		t.Fatalf("matching snapshot should confirm, got %d confirms", f.ledger.confirmCount())
	}
}

func TestExpiredShiftResetsOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")

	f.source.set(exchange.Shift{ID: "s1", Status: exchange.StatusExpired})
	f.poller.pollOnce()

	if f.ledger.resetCount() != 1 {
		t.Fatalf("expired shift should reset exactly once, got %d", f.ledger.resetCount())
	}
	if got := f.ledger.resetReason("s1"); got != "failed" {
		t.Fatalf("unexpected reset reason %q", got)
	}
	if _, ok := f.poller.Active("s1"); ok {
		t.Fatal("expired shift must leave the active set")
	}
	if len(f.notifier.failed) != 1 {
		t.Fatalf("expected one failure notice, got %d", len(f.notifier.failed))
	}
}

func TestCancelIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")

	f.poller.Cancel("s1", ReasonCanceledByUser)
	f.poller.Cancel("s1", ReasonCanceledByUser)

	failed, ok := f.poller.Failed("s1")
	if !ok {
		t.Fatal("canceled shift should be in the failed store")
	}
	if failed.Reason != ReasonCanceledByUser || failed.Status != exchange.StatusStopped {
		t.Fatalf("unexpected cancel record %+v", failed)
	}
	if f.ledger.resetCount() != 0 {
		t.Fatal("cancellation must not reset the ledger")
	}
	if len(f.archive.records) != 1 {
		t.Fatalf("cancel should archive once, got %d", len(f.archive.records))
	}
}

func TestRemoveIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")

	f.poller.Remove("s1")
	f.poller.Remove("s1")

	if _, ok := f.poller.Active("s1"); ok {
		t.Fatal("removed shift must not stay active")
	}
	if _, ok := f.poller.Failed("s1"); ok {
		t.Fatal("plain removal writes no failed record")
	}
	if f.poller.Status().Running {
		t.Fatal("scheduler should stop when the active set empties")
	}
}

func TestRetentionEviction(t *testing.T) {
	f := newFixture(t, Options{Retention: 48 * time.Hour})
	f.register(t, "s1", "o1", "w1", "1")

	// Age the record past the retention window; the exchange still reports a
	// non-terminal status.
	f.poller.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	f.source.set(exchange.Shift{ID: "s1", Status: exchange.StatusWaiting})
	f.poller.pollOnce()

	failed, ok := f.poller.Failed("s1")
	if !ok {
		t.Fatal("stale shift should be evicted on the next sweep")
	}
	if failed.Reason != ReasonRetentionExceeded {
		t.Fatalf("unexpected eviction reason %q", failed.Reason)
	}
	if f.ledger.resetCount() != 1 {
		t.Fatalf("eviction should reset the order, got %d resets", f.ledger.resetCount())
	}
	if _, ok := f.poller.Active("s1"); ok {
		t.Fatal("evicted shift must leave the active set")
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	f := newFixture(t, Options{})

	var triggers int
	f.poller.trigger = func() { triggers++ }

	f.register(t, "s1", "o1", "w1", "1")
	if triggers != 1 {
		t.Fatalf("first registration should start the scheduler once, got %d", triggers)
	}

	f.register(t, "s2", "o2", "w2", "1")
	f.poller.Start()
	if triggers != 1 {
		t.Fatalf("starting while running must not create a second timer, got %d triggers", triggers)
	}

	f.poller.Stop()
	f.poller.Start()
	if triggers != 2 {
		t.Fatalf("explicit start after stop should trigger again, got %d", triggers)
	}
}

func TestEmptyCycleDoesNotStopConcurrentRegistration(t *testing.T) {
	f := newFixture(t, Options{})

	// Interleaving: an out-of-band cycle on an idle poller snapshots an
	// empty batch, a registration lands and starts the schedule, then the
	// empty cycle winds down on its stale snapshot.
	if batch := f.poller.snapshotBatch(); len(batch) != 0 {
		t.Fatalf("expected an empty batch, got %v", batch)
	}
	f.register(t, "s1", "o1", "w1", "1")
	f.poller.stopIfIdle()

	if !f.poller.Status().Running {
		t.Fatal("winding down an empty cycle must not stop a schedule a concurrent registration started")
	}

	// The registration's shift is still polled.
	f.source.set(exchange.Shift{ID: "s1", Status: exchange.StatusPending})
	f.poller.pollOnce()
	rec, ok := f.poller.Active("s1")
	if !ok || rec.Status != exchange.StatusPending {
		t.Fatalf("shift should still be polled, got %+v", rec)
	}
}

func TestEmptyCycleStopsIdleScheduler(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "w1", "1")
	f.poller.Remove("s1")

	f.poller.pollOnce()

	if f.poller.Status().Running {
		t.Fatal("an empty cycle on a truly idle poller should stop the schedule")
	}
}

func TestRetryTimerReadmitsAndRepolls(t *testing.T) {
	f := newFixture(t, Options{RetryCeiling: 5})
	f.poller.delay = func(int) time.Duration { return 10 * time.Millisecond }
	f.register(t, "s1", "o1", "bc1qdest", "1")

	f.source.setErr(errors.New("exchange down"))
	f.poller.pollOnce()
	fetches := f.source.calls()

	// The exchange recovers before the retry timer fires; its out-of-band
	// cycle must re-poll the shift and settle it with no further help.
	f.source.setErr(nil)
	f.source.set(exchange.Shift{
		ID:            "s1",
		Status:        exchange.StatusSettled,
		SettleAmount:  amount("1"),
		SettleAddress: "bc1qdest",
	})

	deadline := time.Now().Add(2 * time.Second)
	for f.ledger.confirmCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry timer never re-polled the shift")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if f.source.calls() <= fetches {
		t.Fatal("the retry cycle should have fetched the status again")
	}
	if _, ok := f.poller.Active("s1"); ok {
		t.Fatal("settled shift must leave the active set")
	}
}

func TestRemoveCancelsPendingRetryTimer(t *testing.T) {
	f := newFixture(t, Options{})
	f.poller.delay = func(int) time.Duration { return 10 * time.Millisecond }
	f.register(t, "s1", "o1", "w1", "1")

	f.source.setErr(errors.New("exchange down"))
	f.poller.pollOnce()

	f.poller.Remove("s1")
	f.poller.mu.Lock()
	pending := len(f.poller.retryTimers)
	f.poller.mu.Unlock()
	if pending != 0 {
		t.Fatalf("removal should cancel the pending retry timer, %d left", pending)
	}

	// Even if the timer already fired, no cycle may poll the removed shift.
	fetches := f.source.calls()
	time.Sleep(50 * time.Millisecond)
	if got := f.source.calls(); got != fetches {
		t.Fatalf("no cycle may run for a removed shift, fetches went %d -> %d", fetches, got)
	}
	if f.poller.Status().Running {
		t.Fatal("scheduler should be stopped with nothing left to poll")
	}
}

func TestCancelPreventsPendingRetryCycle(t *testing.T) {
	f := newFixture(t, Options{})
	f.poller.delay = func(int) time.Duration { return 10 * time.Millisecond }
	f.register(t, "s1", "o1", "w1", "1")

	f.source.setErr(errors.New("exchange down"))
	f.poller.pollOnce()
	f.poller.Cancel("s1", ReasonCanceledByUser)

	fetches := f.source.calls()
	time.Sleep(50 * time.Millisecond)
	if got := f.source.calls(); got != fetches {
		t.Fatalf("no cycle may run for a canceled shift, fetches went %d -> %d", fetches, got)
	}
	if failed, ok := f.poller.Failed("s1"); !ok || failed.Reason != ReasonCanceledByUser {
		t.Fatalf("cancel record missing or wrong: %+v", failed)
	}
}

func TestTerminalCallbackAtMostOnceUnderRacingCycles(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "s1", "o1", "bc1qdest", "1")
	f.source.set(exchange.Shift{
		ID:            "s1",
		Status:        exchange.StatusSettled,
		SettleAmount:  amount("1"),
		SettleAddress: "bc1qdest",
	})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.poller.pollOnce()
		}()
	}
	wg.Wait()

	if got := f.ledger.confirmCount(); got != 1 {
		t.Fatalf("racing cycles must confirm at most once, got %d", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t, Options{RetryCeiling: 4})
	f.register(t, "s1", "o1", "w1", "1")
	f.register(t, "s2", "o2", "w2", "1")
	f.poller.Cancel("s2", "")

	st := f.poller.Status()
	if !st.Running {
		t.Fatal("scheduler should be running with an active shift")
	}
	if st.ActiveCount != 1 || st.TotalTracked != 2 || st.RetryCeiling != 4 {
		t.Fatalf("unexpected snapshot %+v", st)
	}

	failed, _ := f.poller.Failed("s2")
	if failed.Reason != ReasonManual {
		t.Fatalf("cancel without reason should default to manual, got %q", failed.Reason)
	}
}
