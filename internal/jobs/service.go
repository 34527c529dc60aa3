// internal/jobs/service.go
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/pharma-custody-backend/internal/metrics"
)

const defaultInterval = 5 * time.Minute

// Job is a task run on every cycle of the Service.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Registry struct {
	jobs []Job
}

func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

type ServiceParams struct {
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.Metrics
	Interval time.Duration
}

// Service runs the registered jobs on a fixed cadence under a lock.
type Service struct {
	registry *Registry
	lock     Lock
	metrics  *metrics.Metrics
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run executes one cycle immediately and then one per interval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.RunOnce(ctx); err != nil {
		logrus.WithError(err).Error("Scheduled run failed")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Job service stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				logrus.WithError(err).Error("Scheduled run failed")
			}
		}
	}
}

// RunOnce runs every job once. A failing job does not stop the others.
func (s *Service) RunOnce(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		logrus.Info("Another instance holds the job lock; skipping this cycle")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			logrus.WithError(relErr).Error("Failed to release job lock")
		}
	}()

	for _, job := range s.registry.Jobs() {
		s.runJob(ctx, job)
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) {
	entry := logrus.WithField("job", job.Name())
	start := time.Now()
	err := job.Run(ctx)
	duration := time.Since(start)
	s.metrics.ObserveJobDuration(job.Name(), duration)

	entry = entry.WithField("duration_ms", duration.Milliseconds())
	if err != nil {
		entry.WithError(err).Error("Job failed")
		s.metrics.IncJobFailure(job.Name())
		return
	}
	entry.Debug("Job completed")
	s.metrics.IncJobSuccess(job.Name())
}
