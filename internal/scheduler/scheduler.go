// Package scheduler runs the tick loop that fires scheduled tasks and the
// admin operations that manage them. Correctness never depends on process
// memory: task state and locks live in the store, so a restart resumes
// cleanly and concurrent processes serialize through the lock table.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/notify"
	"github.com/tapevault/tapevault/internal/persistence"
)

// ActionRunner executes the action of a fired task. The dispatcher in the
// action package is the production implementation.
type ActionRunner interface {
	Run(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (map[string]any, error)
}

// Scheduler owns the tick loop and the in-memory view of enabled tasks.
type Scheduler struct {
	cfg      *config.Config
	store    persistence.Store
	runner   ActionRunner
	notifier notify.Notifier
	clock    Clock

	mu      sync.Mutex
	entries map[int64]*models.ScheduledTask
	running map[int64]*execution

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// execution tracks one in-flight run so admin operations can cancel it.
type execution struct {
	executionID string
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source. Used in tests.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithNotifier sets the completion notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// New builds a scheduler over the given store and action runner.
func New(cfg *config.Config, store persistence.Store, runner ActionRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		notifier: notify.Nop{},
		clock:    time.Now,
		entries:  make(map[int64]*models.ScheduledTask),
		running:  make(map[int64]*execution),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads enabled tasks, seeds the built-in tasks and runs the tick
// loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	if err := s.reload(ctx); err != nil {
		return err
	}

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger.Info(ctx, "Scheduler started", tag.Interval(interval))

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.waitRunning()
			return ctx.Err()
		case <-s.stop:
			s.waitRunning()
			return nil
		case now := <-timer.C:
			s.tick(ctx, now)
			timer.Reset(interval)
		}
	}
}

// Stop ends the tick loop and waits for in-flight executions to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.waitRunning()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn(ctx, "Shutdown timed out waiting for running tasks")
	}
}

func (s *Scheduler) waitRunning() {
	s.wg.Wait()
}

// tick fires every enabled task whose next run time has arrived.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*models.ScheduledTask
	for id, task := range s.entries {
		if !task.Enabled || task.NextRunTime == nil {
			continue
		}
		if task.NextRunTime.After(now) {
			continue
		}
		if _, inFlight := s.running[id]; inFlight {
			continue
		}
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		logger.Info(ctx, "Task due",
			tag.Task(task.TaskName), tag.TaskID(task.ID),
			tag.NextRun(*task.NextRunTime))
		s.launch(ctx, task, false, nil)
	}
}

// reload replaces the in-memory entry table from the store, recomputing
// next run times that were never set.
func (s *Scheduler) reload(ctx context.Context) error {
	tasks, err := s.store.ListEnabledTasks(ctx)
	if err != nil {
		return err
	}
	now := s.clock()

	entries := make(map[int64]*models.ScheduledTask, len(tasks))
	for _, task := range tasks {
		if task.NextRunTime == nil {
			next, err := NextRunTime(task, now)
			if err != nil {
				logger.Error(ctx, "Task has invalid schedule, skipping",
					tag.Task(task.TaskName), tag.TaskID(task.ID), tag.Error(err))
				continue
			}
			task.NextRunTime = next
			if err := s.store.UpdateTask(ctx, task); err != nil {
				logger.Error(ctx, "Failed to persist next run time",
					tag.TaskID(task.ID), tag.Error(err))
			}
		}
		entries[task.ID] = task
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	logger.Info(ctx, "Loaded scheduled tasks", tag.Groups(len(entries)))
	return nil
}

// setEntry refreshes or removes one task in the in-memory table.
func (s *Scheduler) setEntry(task *models.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.Enabled {
		s.entries[task.ID] = task
	} else {
		delete(s.entries, task.ID)
	}
}

func (s *Scheduler) dropEntry(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, taskID)
}
