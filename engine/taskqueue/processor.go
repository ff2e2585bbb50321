package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/threadkeep/threadkeep/pkg/logger"
)

// ErrReschedule lets a handler requeue its own task for an immediate
// follow-up run without counting as a failure. Singleton tasks use it to
// keep draining a backlog batch by batch.
var ErrReschedule = errors.New("taskqueue: reschedule requested")

// HandlerFunc executes one task. A returned error reschedules the task;
// nil deletes it.
type HandlerFunc func(ctx context.Context, task *Task) error

// Processor claims due tasks on a schedule and dispatches them to
// per-type handlers. Handler failures are captured as last_error and the
// task retries indefinitely.
type Processor struct {
	repo       Repository
	interval   time.Duration
	batchSize  int
	retryDelay time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	cron *cron.Cron
}

type ProcessorConfig struct {
	Interval   time.Duration
	BatchSize  int
	RetryDelay time.Duration
}

func NewProcessor(repo Repository, cfg ProcessorConfig) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	return &Processor{
		repo:       repo,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		retryDelay: cfg.RetryDelay,
		handlers:   make(map[string]HandlerFunc),
	}
}

// Register installs the handler for a task type. Last registration wins.
func (p *Processor) Register(taskType string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = fn
}

// Start schedules the claim loop. It returns immediately; Stop halts the
// schedule and waits for an in-flight run.
func (p *Processor) Start(ctx context.Context) error {
	if p.cron != nil {
		return fmt.Errorf("task processor already started")
	}
	p.cron = cron.New()
	_, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		if _, err := p.RunOnce(ctx); err != nil {
			logger.FromContext(ctx).Error("task processor run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling task processor: %w", err)
	}
	p.cron.Start()
	return nil
}

func (p *Processor) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// RunOnce claims and dispatches one batch, returning how many tasks were
// processed (successfully or not).
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	tasks, err := p.repo.Claim(ctx, p.batchSize, now)
	if err != nil {
		return 0, fmt.Errorf("claiming tasks: %w", err)
	}
	log := logger.FromContext(ctx)
	for _, task := range tasks {
		if err := p.dispatch(ctx, task); err != nil {
			if errors.Is(err, ErrReschedule) {
				if failErr := p.repo.Fail(ctx, task.ID, now, "rescheduled: work remaining"); failErr != nil {
					return 0, fmt.Errorf("rescheduling task %s: %w", task.ID, failErr)
				}
				continue
			}
			log.Warn("task failed, rescheduling",
				"task_id", task.ID, "task_type", task.Type, "retry_count", task.RetryCount+1, "error", err)
			if failErr := p.repo.Fail(ctx, task.ID, now.Add(p.retryDelay), err.Error()); failErr != nil {
				return 0, fmt.Errorf("rescheduling task %s: %w", task.ID, failErr)
			}
			continue
		}
		if err := p.repo.Complete(ctx, task.ID); err != nil {
			return 0, fmt.Errorf("completing task %s: %w", task.ID, err)
		}
	}
	return len(tasks), nil
}

func (p *Processor) dispatch(ctx context.Context, task *Task) (err error) {
	p.mu.RLock()
	fn, ok := p.handlers[task.Type]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, task)
}
