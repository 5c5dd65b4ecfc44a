package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sunbed/internal/domain"
	"sunbed/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweep job names.
const (
	JobBookingCleanup      = "booking_cleanup"
	JobBookingAutocomplete = "booking_autocomplete"
	JobBookingOverdue      = "booking_overdue"
	JobAutoRefundOverdue   = "auto_refund_overdue"
)

var ErrUnknownJob = errors.New("unknown job")

// SweepFunc processes one batch and reports how many entities it changed.
type SweepFunc func(ctx context.Context) (int, error)

// Job is a periodic sweep.
type Job struct {
	Name  string
	Every time.Duration
	Run   SweepFunc
}

// Scheduler runs sweeps on fixed intervals. A job never overlaps itself in
// one process; with shared state it also holds a lease across processes.
type Scheduler struct {
	cron    *cron.Cron
	state   domain.SharedState
	timeout time.Duration
	logger  *zerolog.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

func NewScheduler(state domain.SharedState, timeout time.Duration, logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if timeout <= 0 {
		timeout = 50 * time.Second
	}
	adapter := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		state:   state,
		timeout: timeout,
		logger:  logger,
		jobs:    make(map[string]Job),
	}
}

// Add registers job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and func are required")
	}
	if job.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	name := job.Name
	if _, err := s.cron.AddFunc("@every "+job.Every.String(), func() {
		_, _ = s.RunOnce(context.Background(), name)
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Names lists registered jobs in alphabetical order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) Start() {
	s.logger.Info().Strs("jobs", s.Names()).Msg("scheduler started")
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a job synchronously with its own timeout. Another process
// holding the lease makes it a no-op.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := s.logger.With().Str("job", name).Logger()

	release, acquired := s.lease(ctx, name, &log)
	if !acquired {
		metrics.IncSweep(name, "skipped")
		log.Debug().Msg("job is running elsewhere")
		return 0, nil
	}
	defer release()

	started := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		metrics.IncSweep(name, "error")
		log.Error().Err(err).Int("processed", n).Dur("took", time.Since(started)).Msg("sweep failed")
		return n, err
	}

	metrics.IncSweep(name, "ok")
	if n > 0 {
		log.Info().Int("processed", n).Dur("took", time.Since(started)).Msg("sweep finished")
	} else {
		log.Debug().Dur("took", time.Since(started)).Msg("sweep finished")
	}
	return n, nil
}

// lease takes "sweep:<name>" for the run timeout. Shared state errors do not
// block the sweep.
func (s *Scheduler) lease(ctx context.Context, name string, log *zerolog.Logger) (func(), bool) {
	if s.state == nil {
		return func() {}, true
	}
	key := "sweep:" + name
	ok, err := s.state.SetNX(ctx, key, "1", s.timeout)
	if err != nil {
		log.Warn().Err(err).Msg("sweep lease unavailable")
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := s.state.Del(context.WithoutCancel(ctx), key); err != nil {
			log.Warn().Err(err).Msg("failed to release sweep lease")
		}
	}, true
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	logger *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
