// Package app wires configuration into the running payment watcher: the
// exchange client, the order ledger, the poller, and the HTTP facade.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shiftwatch/internal/api"
	"shiftwatch/internal/config"
	"shiftwatch/internal/exchange"
	"shiftwatch/internal/notify"
	"shiftwatch/internal/poller"
	"shiftwatch/internal/processor"
	"shiftwatch/internal/storage"
)

// coinRefreshInterval spaces periodic coin catalog refreshes.
const coinRefreshInterval = 24 * time.Hour

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newExchangeClient() *exchange.Client {
	cfg := a.Config.Exchange
	return exchange.NewClient(exchange.Options{
		BaseURL:        cfg.BaseURL,
		AffiliateID:    cfg.AffiliateID,
		Secret:         cfg.Secret,
		CommissionRate: cfg.CommissionRate,
		Timeout:        cfg.RequestTimeout,
		UserAgent:      cfg.UserAgent,
	}, a.Logger)
}

// newNotifier assembles the notice fanout from the enabled channels. The
// returned closer releases broker resources and is safe to call when no
// channel needs one.
func (a *App) newNotifier() (poller.Notifier, func(), error) {
	var fanout notify.Fanout
	closer := func() {}

	cfg := a.Config.Notifications
	if cfg.Telegram.Enabled {
		fanout = append(fanout, notify.NewTelegramNotifier(
			cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase,
			10*time.Second, a.Logger))
	}
	if cfg.AMQP.Enabled {
		publisher, err := notify.NewEventPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, a.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp notifier: %w", err)
		}
		fanout = append(fanout, publisher)
		closer = func() { _ = publisher.Close() }
	}

	if len(fanout) == 0 {
		return nil, closer, nil
	}
	return fanout, closer, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// failedShiftArchive adapts the storage layer to the poller's archive hook.
type failedShiftArchive struct {
	store *storage.Store
}

func (f failedShiftArchive) SaveFailedShift(ctx context.Context, record poller.FailedRecord) error {
	return f.store.InsertFailedShift(ctx, storage.FailedShift{
		ShiftID:        record.ShiftID,
		OrderID:        record.OrderID,
		Status:         string(record.Status),
		Reason:         record.Reason,
		ExpectedAmount: record.ExpectedAmount,
		ExpectedWallet: record.ExpectedWallet,
		RetryCount:     record.RetryCount,
		Snapshot:       record.LastSnapshot.Raw,
		CreatedAt:      record.CreatedAt,
		FailedAt:       record.FailedAt,
	})
}

// logOnlyLedger stands in when no database is configured. Outcomes are
// logged and otherwise dropped.
type logOnlyLedger struct {
	logger zerolog.Logger
}

func (l logOnlyLedger) ConfirmPayment(_ context.Context, orderID, shiftID string) error {
	l.logger.Warn().Str("order_id", orderID).Str("shift_id", shiftID).
		Msg("payment confirmed but no ledger is configured")
	return nil
}

func (l logOnlyLedger) ResetPayment(_ context.Context, orderID, shiftID, reason string) error {
	l.logger.Warn().Str("order_id", orderID).Str("shift_id", shiftID).Str("reason", reason).
		Msg("payment reset but no ledger is configured")
	return nil
}

// Run executes the long-running payment watcher.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; order ledger disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	client := a.newExchangeClient()
	proc := processor.New(client, a.Config.Shop, a.Config.Exchange.RequestTimeout, a.Logger)

	catalog := &processor.Catalog{}
	if _, err := proc.RefreshCoins(ctx, catalog); err != nil {
		a.Logger.Warn().Err(err).Msg("initial coin catalog refresh failed")
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	var ledger poller.Ledger
	var archive poller.Archive
	if store != nil {
		ledger = store
		archive = failedShiftArchive{store: store}
	} else {
		ledger = logOnlyLedger{logger: a.Logger}
	}

	tracker := poller.New(poller.Options{
		Interval:     a.Config.Poller.Interval,
		RetryCeiling: a.Config.Poller.RetryCeiling,
		BackoffCap:   a.Config.Poller.BackoffCap,
		Retention:    a.Config.Poller.Retention,
	}, client, ledger, notifier, archive, a.Logger)
	defer tracker.Close()

	go a.refreshCoinsLoop(ctx, proc, catalog)
	if store != nil {
		go a.pruneArchiveLoop(ctx, store)
	}

	handler := api.NewHandler(proc, tracker, catalog, a.Logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         a.Config.API.Listen,
		Handler:      mux,
		ReadTimeout:  a.Config.API.ReadTimeout,
		WriteTimeout: a.Config.API.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("listen", server.Addr).Msg("payment api listening")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.Logger.Info().Msg("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("http shutdown incomplete")
	}

	a.Logger.Info().Msg("payment watcher stopped")
	return nil
}

// refreshCoinsLoop keeps the payable coin catalog current.
func (a *App) refreshCoinsLoop(ctx context.Context, proc *processor.Processor, catalog *processor.Catalog) {
	ticker := time.NewTicker(coinRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, err := proc.RefreshCoins(ctx, catalog)
			if err != nil {
				a.Logger.Warn().Err(err).Msg("coin catalog refresh failed")
				continue
			}
			if len(added) > 0 {
				a.Logger.Info().Strs("coins", added).Msg("new payable coins listed")
			}
		}
	}
}

// pruneArchiveLoop deletes failed-shift audit rows past the retention window.
func (a *App) pruneArchiveLoop(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(a.Config.Poller.Retention / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-a.Config.Poller.Retention)
			if err := store.DeleteFailedShiftsBefore(ctx, cutoff); err != nil {
				a.Logger.Warn().Err(err).Msg("failed-shift archive prune failed")
			}
		}
	}
}
