package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ChienAnTu/Bookhive/services"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	SweepLockName = "order-sweep"
	SweepLockTTL  = 55 * time.Minute
)

// ErrBusy means a sweep is running here or another instance holds the lease.
var ErrBusy = services.Conflict("order sweep is already running")

var errLease = errors.New("sweep lease")

// Job is one unit of periodic work.
type Job interface {
	Run(ctx context.Context) (services.SweepReport, error)
}

type Scheduler struct {
	cron    *cron.Cron
	lease   *Lease
	job     Job
	running atomic.Bool
	ctx     context.Context
	stop    context.CancelFunc
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}

func New(db *gorm.DB, job Job) *Scheduler {
	logger := cronLogger{l: log.With().Str("component", "scheduler").Logger()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithLogger(logger), cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		lease: NewLease(db, SweepLockName, SweepLockTTL),
		job:   job,
		ctx:   ctx,
		stop:  cancel,
	}
}

// Start schedules the sweep on spec (standard cron or @every syntax) and
// runs it once right away. The first run and the cron runs share one guard.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(s.ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	s.cron.Start()
	go s.Tick(s.ctx)
	log.Info().Str("spec", spec).Str("owner", s.lease.Owner()).Msg("order sweep scheduled")
	return nil
}

// Tick runs the job if no sweep is running here and this instance holds the
// lease. It reports whether the job ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	started := time.Now()
	rep, err := s.RunNow(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		log.Debug().Msg("sweep busy or leased elsewhere, skipping")
		return false
	case errors.Is(err, errLease):
		log.Error().Err(err).Msg("sweep lease")
		return false
	case err != nil:
		log.Error().Err(err).Msg("order sweep failed")
		return true
	}
	log.Info().Interface("report", rep).Dur("took", time.Since(started)).Msg("order sweep")
	return true
}

// RunNow runs one sweep under the lease, for the cron and for manual
// triggers alike. It returns ErrBusy instead of running twice.
func (s *Scheduler) RunNow(ctx context.Context) (services.SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return services.SweepReport{}, ErrBusy
	}
	defer s.running.Store(false)

	ok, err := s.lease.TryAcquire(ctx)
	if err != nil {
		return services.SweepReport{}, fmt.Errorf("%w: %w", errLease, err)
	}
	if !ok {
		return services.SweepReport{}, ErrBusy
	}
	return s.job.Run(ctx)
}

// Stop waits for a running sweep to finish and releases the lease.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.stop()
	if err := s.lease.Release(context.Background()); err != nil {
		log.Warn().Err(err).Msg("release sweep lease")
	}
}
