// Package sweeper periodically evaluates idle running runs so that timeouts
// and their notifications fire even when no client touches the run.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/director"
	"github.com/ethpandaops/director/pkg/metrics"
	"github.com/ethpandaops/director/pkg/store"
)

// defaultConcurrency is the number of runs evaluated in parallel when no
// explicit concurrency value is configured.
const defaultConcurrency = 4

// Sweeper is a background service that evaluates idle runs on a schedule.
type Sweeper interface {
	Start(ctx context.Context) error
	Stop() error

	// Sweep runs a single pass and returns the number of runs that left
	// the running state.
	Sweep(ctx context.Context) (int, error)
}

// Option configures a Sweeper.
type Option func(*sweeper)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *sweeper) {
		s.now = now
	}
}

// Compile-time interface check.
var _ Sweeper = (*sweeper)(nil)

type sweeper struct {
	log         logrus.FieldLogger
	store       store.Store
	director    director.Director
	schedule    string
	concurrency int
	now         func() time.Time

	cron    *cron.Cron
	running atomic.Bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper creates a sweeper that runs on cfg.SweepSchedule.
func NewSweeper(
	log logrus.FieldLogger,
	cfg *config.SchedulerConfig,
	st store.Store,
	d director.Director,
	opts ...Option,
) Sweeper {
	concurrency := cfg.SweepConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	s := &sweeper{
		log:         log.WithField("component", "sweeper"),
		store:       st,
		director:    d,
		schedule:    cfg.SweepSchedule,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start registers the sweep with the cron scheduler. Passes never overlap:
// a tick that fires while the previous pass is still running is skipped.
func (s *sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		s.cancel()

		return fmt.Errorf("scheduling sweep %q: %w", s.schedule, err)
	}

	s.cron.Start()

	s.log.WithFields(logrus.Fields{
		"schedule":    s.schedule,
		"concurrency": s.concurrency,
	}).Info("Starting sweeper")

	return nil
}

// Stop cancels a pass in progress and waits for it to return.
func (s *sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	s.cancel()
	<-s.cron.Stop().Done()

	s.log.Info("Sweeper stopped")

	return nil
}

func (s *sweeper) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("Previous sweep still running, skipping")
		metrics.Sweeps.WithLabelValues("skipped").Inc()

		return
	}
	defer s.running.Store(false)

	if _, err := s.Sweep(s.ctx); err != nil {
		s.log.WithError(err).Warn("Sweep failed")
	}
}

func (s *sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()

	runs, err := s.store.ListRunningRuns(ctx, s.now())
	if err != nil {
		metrics.Sweeps.WithLabelValues("error").Inc()

		return 0, fmt.Errorf("listing running runs: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var settled atomic.Int64

	for _, run := range runs {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			state, err := s.director.EvaluateRun(gCtx, run.RunID)
			if err != nil {
				s.log.WithError(err).
					WithField("run_id", run.RunID).
					Warn("Failed to evaluate run")

				return nil //nolint:nilerr // log and continue
			}

			if state.Terminal() {
				settled.Add(1)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		metrics.Sweeps.WithLabelValues("error").Inc()

		return int(settled.Load()), fmt.Errorf("evaluating runs: %w", err)
	}

	elapsed := time.Since(start)
	metrics.Sweeps.WithLabelValues("ok").Inc()
	metrics.SweepDuration.Observe(elapsed.Seconds())

	s.log.WithFields(logrus.Fields{
		"candidates": len(runs),
		"settled":    settled.Load(),
		"duration":   elapsed.Round(time.Millisecond),
	}).Debug("Sweep completed")

	return int(settled.Load()), nil
}
