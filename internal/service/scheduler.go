package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/optimizer"
)

// OptimizerRunner is the part of the optimizer the scheduler drives.
type OptimizerRunner interface {
	RunPhase(ctx context.Context, phase optimizer.Phase) optimizer.PhaseReport
	RunFullOptimization(ctx context.Context) optimizer.OptimizationReport
}

const (
	JobCleanup = "cleanup"
	JobQuotas  = "quotas"
	JobFull    = "full"
)

type job struct {
	name string
	cron string
	run  func(ctx context.Context)
}

// OptimizerScheduler runs optimizer jobs on cron schedules. Each job runs at
// most once at a time; overlapping runs across jobs or processes are
// serialized by the optimizer's own leases.
type OptimizerScheduler struct {
	jobs []job
}

// NewOptimizerScheduler validates the schedules. An empty expression
// disables that job.
func NewOptimizerScheduler(opt OptimizerRunner, schedules config.Schedules) (*OptimizerScheduler, error) {
	s := &OptimizerScheduler{}
	add := func(name, expr string, run func(ctx context.Context)) error {
		if expr == "" {
			return nil
		}
		if !gronx.IsValid(expr) {
			return fmt.Errorf("invalid %s schedule %q", name, expr)
		}
		s.jobs = append(s.jobs, job{name: name, cron: expr, run: run})
		return nil
	}
	if err := add(JobCleanup, schedules.Cleanup, func(ctx context.Context) {
		opt.RunPhase(ctx, optimizer.PhaseCleanup)
	}); err != nil {
		return nil, err
	}
	if err := add(JobQuotas, schedules.Quotas, func(ctx context.Context) {
		opt.RunPhase(ctx, optimizer.PhaseQuotas)
	}); err != nil {
		return nil, err
	}
	if err := add(JobFull, schedules.Full, func(ctx context.Context) {
		opt.RunFullOptimization(ctx)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Jobs returns the names of the enabled jobs.
func (s *OptimizerScheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}

// Due returns the jobs whose schedule matches the minute of at.
func (s *OptimizerScheduler) Due(at time.Time) []string {
	var due []string
	gron := gronx.New()
	for _, j := range s.jobs {
		ok, err := gron.IsDue(j.cron, at.UTC())
		if err != nil {
			log.Warn("Scheduler: cannot evaluate schedule", "job", j.name, "cron", j.cron, "err", err)
			continue
		}
		if ok {
			due = append(due, j.name)
		}
	}
	return due
}

// NextRun returns the first tick of job strictly after after.
func (s *OptimizerScheduler) NextRun(name string, after time.Time) (time.Time, error) {
	for _, j := range s.jobs {
		if j.name == name {
			return gronx.NextTickAfter(j.cron, after.UTC(), false)
		}
	}
	return time.Time{}, fmt.Errorf("unknown job %q", name)
}

// Start runs every job on its schedule and returns once ctx is cancelled and
// any in-progress run has finished.
func (s *OptimizerScheduler) Start(ctx context.Context) {
	if s == nil || len(s.jobs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	log.Info("Scheduler: started", "jobs", s.Jobs())
	wg.Wait()
	log.Info("Scheduler: stopped")
}

func (s *OptimizerScheduler) loop(ctx context.Context, j job) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(j.cron, now, false)
		if err != nil {
			log.Error("Scheduler: next tick failed", "job", j.name, "cron", j.cron, "err", err)
			next = now.Add(time.Minute)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		start := time.Now()
		log.Debug("Scheduler: running job", "job", j.name)
		j.run(ctx)
		log.Debug("Scheduler: job finished", "job", j.name, "took", time.Since(start))
	}
}
