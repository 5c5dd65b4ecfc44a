package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"sunbed/internal/clock"
	"sunbed/internal/config"
	"sunbed/internal/database"
	"sunbed/internal/domain"
	"sunbed/internal/events"
	"sunbed/internal/lockstatus"
	"sunbed/internal/logging"
	"sunbed/internal/metrics"
	"sunbed/internal/repository"
	"sunbed/internal/service"
	"sunbed/internal/ttlock"
	"sunbed/internal/worker"
	"sunbed/internal/yookassa"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds everything both commands need.
type app struct {
	cfg    *config.Config
	logger *zerolog.Logger
	closer io.Closer

	db    *database.DB
	redis *redis.Client
	state domain.SharedState
	bus   *events.EventBus
	locks *ttlock.Client

	bookings  *service.BookingService
	payments  *service.PaymentService
	reconcile *service.ReconcileService
	overdue   *service.OverdueService
	refunds   *service.RefundService
	scheduler *worker.Scheduler
}

func bootstrap(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closer: closer}

	a.db, err = database.Open(cfg.Database, a.component("database"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}

	a.redis, a.state = initSharedState(cfg, a.component("state"))

	a.bus = events.NewEventBus()
	eventLog := a.component("events")
	a.bus.SubscribeAll(func(ev *events.Event) error {
		metrics.IncBookingEvent(ev.Type)
		eventLog.Debug().Str("type", ev.Type).RawJSON("payload", ev.Payload).Msg("event")
		return nil
	})

	a.locks = ttlock.New(cfg.TTLock, a.state, a.logger)
	status := lockstatus.New(a.locks, a.state, cfg.TTLock.StatusCacheTTL, a.component("lockstatus"))
	gateway := yookassa.New(cfg.Payments, a.logger)
	clk := clock.Real{}

	a.bookings = service.NewBookingService(a.db, a.locks, status, a.bus, clk, cfg.Booking.PendingTTL, a.component("booking"))
	a.payments = service.NewPaymentService(a.db, a.bookings, gateway, a.state, cfg.Booking.PayRateLimit, cfg.Payments.ReturnURL, a.component("payment"))
	a.reconcile = service.NewReconcileService(a.db, a.bookings, gateway, a.state, a.bus, a.component("webhook"))
	a.overdue = service.NewOverdueService(a.db, status, gateway, a.bus, clk,
		cfg.Booking.OverdueGrace, cfg.Booking.OverdueInterval, a.component("overdue"))
	a.refunds = service.NewRefundService(a.db, status, gateway, a.bus, clk, cfg.Booking.OverdueGrace, a.component("refund"))

	a.scheduler = worker.NewScheduler(a.state, cfg.Scheduler.SweepTimeout, a.component("scheduler"))
	jobs := []worker.Job{
		{Name: worker.JobBookingCleanup, Every: cfg.Scheduler.ExpiryInterval, Run: a.bookings.SweepExpired},
		{Name: worker.JobBookingAutocomplete, Every: cfg.Scheduler.AutocompleteInterval, Run: a.bookings.SweepAutocomplete},
		{Name: worker.JobBookingOverdue, Every: cfg.Scheduler.OverdueInterval, Run: a.overdue.SweepOverdue},
		{Name: worker.JobAutoRefundOverdue, Every: cfg.Scheduler.AutoRefundInterval, Run: a.refunds.SweepAutoRefund},
	}
	for _, job := range jobs {
		if err := a.scheduler.Add(job); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// initSharedState prefers Redis and falls back to process memory while it is
// unreachable.
func initSharedState(cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.SharedState) {
	memory := repository.NewMemorySharedState()
	if cfg.Redis.Address == "" {
		logger.Warn().Msg("redis is not configured, shared state is process-local")
		return nil, memory
	}

	client := repository.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, starting on the memory fallback")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	primary := repository.NewRedisSharedState(client, cfg.App.Name+":")
	return client, repository.NewFailoverSharedState(primary, memory, logger)
}

func (a *app) component(name string) *zerolog.Logger {
	return logging.Component(a.logger, name)
}

// drain waits for background PIN revocations before a one-shot command exits.
func (a *app) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.bookings.Drain(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("pending PIN revocations abandoned")
	}
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = repository.Close(a.redis)
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}
