package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PoolConfig sizes the in-process worker pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

func (c PoolConfig) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	if c.QueueSize < 1 {
		return errors.New("queue size must be >= 1")
	}
	if c.TaskTimeout <= 0 {
		return errors.New("task timeout must be > 0")
	}
	return nil
}

// Pool is an in-process TaskQueue backed by a buffered channel and a
// fixed set of workers. Handlers must be registered before Start.
type Pool struct {
	cfg      PoolConfig
	logger   *slog.Logger
	handlers map[string]Handler
	tasks    chan Task

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewPool(cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		tasks:    make(chan Task, cfg.QueueSize),
	}, nil
}

// Register binds a handler to a task name. Duplicate names are rejected.
func (p *Pool) Register(name string, handler Handler) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	if _, exists := p.handlers[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}
	p.handlers[name] = handler
	return nil
}

// Start launches the workers. They run until Close drains the queue or
// the context is canceled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return nil
}

// Enqueue accepts the task when a handler is registered and buffer space
// is available. It never blocks; a full buffer is reported as ErrQueueFull
// so the caller can fail the step as a dependency problem.
func (p *Pool) Enqueue(ctx context.Context, taskName string, payload map[string]any) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrQueueClosed
	}
	_, known := p.handlers[taskName]
	p.mu.Unlock()
	if !known {
		return "", UnknownTaskError(taskName)
	}

	task := Task{ID: uuid.NewString(), Name: taskName, Payload: payload}
	select {
	case p.tasks <- task:
		return task.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrQueueFull
	}
}

// Close stops intake and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(ctx, logger, task)
		case <-ctx.Done():
			// drain what is already buffered, then exit
			for {
				select {
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					p.runTask(context.WithoutCancel(ctx), logger, task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runTask(ctx context.Context, logger *slog.Logger, task Task) {
	p.mu.Lock()
	handler := p.handlers[task.Name]
	p.mu.Unlock()
	if handler == nil {
		logger.Error("no handler for task", "task", task.Name, "task_id", task.ID)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked",
				"task", task.Name, "task_id", task.ID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	logger.Info("task started", "task", task.Name, "task_id", task.ID)
	if err := handler(taskCtx, task); err != nil {
		logger.Error("task failed",
			"task", task.Name, "task_id", task.ID,
			"duration", time.Since(start), "error", err)
		return
	}
	logger.Info("task finished",
		"task", task.Name, "task_id", task.ID, "duration", time.Since(start))
}
