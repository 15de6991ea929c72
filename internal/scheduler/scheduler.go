/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/models"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrJobRunning     = errors.New("job already running")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopped        = errors.New("scheduler stopped")
)

// JobSpec is a named unit of background work.
type JobSpec struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config contains configuration for Scheduler
type Config struct {
	Jobs     []JobSpec
	Schedule models.ScheduleConfig
	Clock    quartz.Clock
	Metrics  *metrics.Metrics
	// RunAtStart names jobs fired once as soon as the loop starts.
	RunAtStart []string
}

type job struct {
	spec    JobSpec
	running atomic.Bool
}

// Scheduler fires every job from a single loop armed for the earliest due
// job. Jobs run on their own goroutines and never overlap themselves.
type Scheduler struct {
	clock      quartz.Clock
	metrics    *metrics.Metrics
	jobs       map[string]*job
	order      []string
	runAtStart []string

	// Schedule state, swapped by Reschedule
	mutex    sync.Mutex
	schedule models.ScheduleConfig
	plan     *plan
	next     map[string]time.Time

	// Control channels
	wake     chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
	stopped  bool
}

// New validates the schedule and builds a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	p, err := compile(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	s := &Scheduler{
		clock:      clock,
		metrics:    cfg.Metrics,
		jobs:       make(map[string]*job, len(cfg.Jobs)),
		runAtStart: cfg.RunAtStart,
		schedule:   cfg.Schedule,
		plan:       p,
		next:       make(map[string]time.Time, len(cfg.Jobs)),
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	for _, spec := range cfg.Jobs {
		if spec.Run == nil {
			return nil, fmt.Errorf("job %q has no run function", spec.Name)
		}
		if _, dup := s.jobs[spec.Name]; dup {
			return nil, fmt.Errorf("job %q registered twice", spec.Name)
		}
		if _, ok := p.entries[spec.Name]; !ok {
			return nil, fmt.Errorf("%w: no firing rule for job %q", ErrInvalidSchedule, spec.Name)
		}
		s.jobs[spec.Name] = &job{spec: spec}
		s.order = append(s.order, spec.Name)
	}

	for _, name := range cfg.RunAtStart {
		if _, ok := s.jobs[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
		}
	}

	return s, nil
}

// Start launches the loop. Jobs run with contexts derived from ctx and are
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mutex.Lock()
	s.armAll(s.clock.Now())
	s.mutex.Unlock()

	go s.loop(jobCtx)

	zap.L().Info("Scheduler started",
		zap.Int("jobs", len(s.jobs)),
		zap.String("timezone", s.plan.location.String()),
		zap.Strings("run_at_start", s.runAtStart))
	return nil
}

// Stop halts the loop, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		zap.L().Info("Stopping scheduler")
		s.mutex.Lock()
		s.stopped = true
		s.mutex.Unlock()
		close(s.stopChan)
		if s.started.Load() {
			<-s.doneChan
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.inFlight.Wait()
		zap.L().Info("Scheduler stopped")
	})
}

// Reschedule swaps the schedule and recomputes every next firing from now.
// An invalid schedule is rejected and the current one keeps running. Jobs
// already in flight are not interrupted.
func (s *Scheduler) Reschedule(cfg models.ScheduleConfig) error {
	p, err := compile(cfg)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	if reflect.DeepEqual(cfg, s.schedule) {
		s.mutex.Unlock()
		return nil
	}
	for name := range s.jobs {
		if _, ok := p.entries[name]; !ok {
			s.mutex.Unlock()
			return fmt.Errorf("%w: no firing rule for job %q", ErrInvalidSchedule, name)
		}
	}
	s.schedule = cfg
	s.plan = p
	s.armAll(s.clock.Now())
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.metrics.ObserveReschedule()
	zap.L().Info("Schedule updated",
		zap.String("timezone", cfg.Timezone),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("warning_interval", cfg.WarningInterval),
		zap.String("daily_report_at", cfg.DailyReportAt),
		zap.String("weekly_report_cron", cfg.WeeklyReportCron),
		zap.String("cleanup_at", cfg.CleanupAt),
		zap.String("reward_sweep_at", cfg.RewardSweepAt))
	return nil
}

// Schedule returns the schedule currently in force.
func (s *Scheduler) Schedule() models.ScheduleConfig {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.schedule
}

// NextRun returns when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	at, ok := s.next[name]
	return at, ok
}

// RunNow runs a job synchronously outside the schedule. It fails with
// ErrJobRunning rather than overlap a run in progress. Stop waits for
// manual runs like scheduled ones.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrStopped, name)
	}
	s.inFlight.Add(1)
	s.mutex.Unlock()
	defer s.inFlight.Done()

	if !j.running.CompareAndSwap(false, true) {
		s.metrics.ObserveJobSkipped(name)
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer j.running.Store(false)

	return s.execute(ctx, j, "manual")
}

// armAll must be called with the mutex held.
func (s *Scheduler) armAll(now time.Time) {
	for name := range s.jobs {
		s.next[name] = s.plan.entries[name].Next(now)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneChan)

	for _, name := range s.runAtStart {
		s.launch(ctx, name, "startup")
	}

	for {
		timer := s.clock.NewTimer(s.untilNext(), "scheduler", "loop")

		select {
		case <-timer.C:
			s.fireDue(ctx)
		case <-s.wake:
			timer.Stop()
		case <-s.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var earliest time.Time
	for _, at := range s.next {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	if earliest.IsZero() {
		return time.Hour
	}

	wait := earliest.Sub(s.clock.Now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// fireDue launches every job whose firing time has passed and re-arms it
// from now, so a late wakeup fires each job once rather than catching up.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()

	s.mutex.Lock()
	var due []string
	for _, name := range s.order {
		if at, ok := s.next[name]; ok && !at.After(now) {
			due = append(due, name)
			s.next[name] = s.plan.entries[name].Next(now)
		}
	}
	s.mutex.Unlock()

	for _, name := range due {
		s.launch(ctx, name, name)
	}
}

func (s *Scheduler) launch(ctx context.Context, name, trigger string) {
	j := s.jobs[name]
	if !j.running.CompareAndSwap(false, true) {
		s.metrics.ObserveJobSkipped(name)
		zap.L().Warn("Job still running, skipping this firing", zap.String("job", name))
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer j.running.Store(false)
		_ = s.execute(ctx, j, trigger)
	}()
}

func (s *Scheduler) execute(ctx context.Context, j *job, trigger string) error {
	start := s.clock.Now()
	ctx = models.WithCycleContext(ctx, &models.CycleContext{
		CycleId:   uuid.New().String(),
		Trigger:   trigger,
		StartedAt: start,
	})

	err := s.runGuarded(ctx, j)
	took := s.clock.Since(start)
	s.metrics.ObserveJob(j.spec.Name, took, err)

	if err != nil {
		zap.L().Error("Job failed",
			zap.String("job", j.spec.Name),
			zap.String("trigger", trigger),
			zap.Duration("duration", took),
			zap.Error(err))
		return err
	}

	zap.L().Debug("Job finished",
		zap.String("job", j.spec.Name),
		zap.String("trigger", trigger),
		zap.Duration("duration", took))
	return nil
}

// runGuarded turns a panicking job into an error so the loop survives it.
func (s *Scheduler) runGuarded(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.spec.Name, r)
		}
	}()
	return j.spec.Run(ctx)
}
