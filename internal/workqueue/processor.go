package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue is the delayed task queue contract the processor and all producers
// depend on. Any backend with delayed delivery satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload any) error
	EnqueueAfter(ctx context.Context, kind string, payload any, delay time.Duration) error
	Dequeue(ctx context.Context) (*Task, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Handler executes one task kind. Handlers own their retry policy: a handler
// that wants another attempt re-enqueues with a delay and returns nil.
type Handler func(ctx context.Context, task *Task) error

// Processor runs a bounded worker pool over the queue, dispatching tasks to
// registered handlers by kind.
type Processor struct {
	queue        Queue
	handlers     map[string]Handler
	workers      int
	pollInterval time.Duration
	taskTimeout  time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration.
type ProcessorConfig struct {
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// NewProcessor creates a processor. Handlers are registered before Start.
func NewProcessor(q Queue, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}

	return &Processor{
		queue:        q,
		handlers:     make(map[string]Handler),
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		taskTimeout:  cfg.TaskTimeout,
		logger:       logger.With("component", "workqueue"),
		stopCh:       make(chan struct{}),
	}
}

// Register binds a handler to a task kind.
func (p *Processor) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start starts the worker pool.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting task processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully.
func (p *Processor) Stop() {
	p.logger.Info("stopping task processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("task processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Drain everything that is ready before sleeping again.
			for p.processOne(ctx, logger) {
			}
		}
	}
}

// processOne handles a single task; returns true if a task was processed.
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue task", "error", err)
		return false
	}
	if task == nil {
		return false
	}

	p.mu.RLock()
	handler, ok := p.handlers[task.Kind]
	p.mu.RUnlock()
	if !ok {
		logger.Error("no handler for task kind", "kind", task.Kind, "task_id", task.ID)
		return true
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	err = p.runHandler(taskCtx, handler, task)
	cancel()

	if err != nil {
		// Task isolation: a failing task is logged and dropped; its handler
		// had the chance to re-enqueue if the failure was retryable.
		logger.Error("task failed", "kind", task.Kind, "task_id", task.ID, "error", err)
	}
	return true
}

// runHandler invokes a handler, converting a panic into an error so one bad
// task cannot take down the worker.
func (p *Processor) runHandler(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

// DecodePayload unmarshals a task payload into dst.
func DecodePayload(task *Task, dst any) error {
	if err := json.Unmarshal(task.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", task.Kind, err)
	}
	return nil
}
