package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"market-structure-lab/internal/storage"
)

// Job is one independently scheduled pipeline, such as a single stream's
// checkpoint controller or a single book's level cycle.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// ControllerJob adapts a CheckpointController to a Job.
func ControllerJob(c *CheckpointController) Job {
	return Job{
		Name: "extrema:" + c.Key().String(),
		Run: func(ctx context.Context) error {
			_, err := c.Run(ctx)
			return err
		},
	}
}

// LevelJob adapts a LevelCycle to a Job.
func LevelJob(l *LevelCycle) Job {
	return Job{
		Name: "levels:" + l.Key().String(),
		Run: func(ctx context.Context) error {
			_, err := l.Run(ctx)
			return err
		},
	}
}

// Scheduler repeats jobs at a fixed interval. Jobs run concurrently with
// each other; each job's own invocations are strictly sequential.
type Scheduler struct {
	interval   time.Duration
	jitter     time.Duration
	retryDelay time.Duration
	maxBackoff time.Duration
	logger     logrus.FieldLogger
}

// SchedulerOptions contains configuration for creating a Scheduler.
type SchedulerOptions struct {
	Interval   time.Duration // Default: 1m between successful invocations
	Jitter     time.Duration // random extra delay in [0, Jitter)
	RetryDelay time.Duration // Default: 5s, doubled after each consecutive failure
	MaxBackoff time.Duration // Default: 5m
	Logger     logrus.FieldLogger
}

// NewScheduler creates a scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	interval := opts.Interval
	if interval == 0 {
		interval = time.Minute
	}

	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = 5 * time.Second
	}

	maxBackoff := opts.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 5 * time.Minute
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Scheduler{
		interval:   interval,
		jitter:     opts.Jitter,
		retryDelay: retryDelay,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// RunOnce runs every job once, concurrently, and returns their errors joined.
func (s *Scheduler) RunOnce(ctx context.Context, jobs []Job) error {
	errs := make([]error, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			if err := job.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", job.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run repeats every job until ctx is cancelled. Transient failures back off
// exponentially. Corrupted state is fatal: the failing job's error cancels
// every other job and is returned.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			return s.loop(ctx, job)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	log := s.logger.WithField("job", job.Name)
	failures := 0

	for {
		err := job.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		switch {
		case err == nil:
			failures = 0
			wait = s.interval + s.randomJitter()
		case errors.Is(err, storage.ErrStateCorrupt):
			log.WithError(err).Error("persisted state is corrupt, stopping")
			return fmt.Errorf("%s: %w", job.Name, err)
		case errors.Is(err, storage.ErrLockHeld):
			log.WithError(err).Info("state locked by another writer")
			wait = s.interval + s.randomJitter()
		default:
			failures++
			wait = s.backoff(failures)
			log.WithError(err).WithFields(logrus.Fields{
				"failures": failures,
				"retry_in": wait,
			}).Warn("job failed")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// backoff returns RetryDelay * 2^(failures-1), capped at MaxBackoff.
func (s *Scheduler) backoff(failures int) time.Duration {
	d := s.retryDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	if d > s.maxBackoff {
		return s.maxBackoff
	}
	return d
}

func (s *Scheduler) randomJitter() time.Duration {
	if s.jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(s.jitter)))
}
