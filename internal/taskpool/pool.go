// Package taskpool owns the issuance state of contest tasks: the fixed set
// seeded from the dataset, and the at-most-once transition from unissued to
// issued.
package taskpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/contestd/internal/dataset"
	"github.com/me/contestd/internal/store"
	"github.com/me/contestd/pkg/model"
)

// Config controls how the pool is seeded.
type Config struct {
	MaxTasks           int           // cap on seeded tasks
	DefaultMaxAttempts int           // per-task attempt limit
	Stagger            time.Duration // created_at offset between consecutive tasks
}

// Stats summarizes pool progress.
type Stats struct {
	Total     int `json:"total"`
	Issued    int `json:"issued"`
	Remaining int `json:"remaining"`
}

// Pool is the task pool backed by a Store.
type Pool struct {
	store  store.Store
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pool.
func New(st store.Store, cfg Config, logger *slog.Logger) *Pool {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = model.DefaultMaxAttempts
	}
	return &Pool{
		store:  st,
		config: cfg,
		logger: logger.With("component", "taskpool"),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}

// AcquireNext issues the lowest-seq eligible task and returns it, or nil when
// nothing is eligible right now. A returned task has been committed as issued
// and will never be returned again.
func (p *Pool) AcquireNext(ctx context.Context) (*model.Task, error) {
	task, err := p.store.AcquireNextTask(ctx, p.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("acquire next task: %w", err)
	}
	if task != nil {
		p.logger.Info("task issued", "task_id", task.ID, "seq", task.Seq, "name", task.Name)
	}
	return task, nil
}

// ListIssued returns all issued tasks in seq order.
func (p *Pool) ListIssued(ctx context.Context) ([]*model.Task, error) {
	return p.store.ListTasks(ctx, model.IssuedOnly())
}

// Get returns a task by ID, or nil if it does not exist.
func (p *Pool) Get(ctx context.Context, id int64) (*model.Task, error) {
	return p.store.GetTask(ctx, id)
}

// Remaining counts unissued tasks, including those not yet eligible.
func (p *Pool) Remaining(ctx context.Context) (int, error) {
	return p.store.CountTasks(ctx, model.UnissuedOnly())
}

// Stats returns total, issued and remaining counts.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	total, err := p.store.CountTasks(ctx, model.TaskFilter{})
	if err != nil {
		return Stats{}, err
	}
	remaining, err := p.Remaining(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Total: total, Issued: total - remaining, Remaining: remaining}, nil
}

// Seed fills an empty pool from items. Item i gets seq i+1 and becomes
// eligible at start + i*Stagger. At most MaxTasks items are inserted, all in
// one transaction: a failed Seed leaves the pool empty. A pool that already
// holds tasks is left untouched so restarts keep issuance state; Seed then
// reports 0.
func (p *Pool) Seed(ctx context.Context, items []dataset.Item) (int, error) {
	existing, err := p.store.CountTasks(ctx, model.TaskFilter{})
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	if existing > 0 {
		p.logger.Info("task pool already seeded", "tasks", existing)
		return 0, nil
	}

	if p.config.MaxTasks > 0 && len(items) > p.config.MaxTasks {
		items = items[:p.config.MaxTasks]
	}

	start := p.now().UTC()
	tasks := make([]*model.Task, len(items))
	for i, item := range items {
		maxAttempts := item.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = p.config.DefaultMaxAttempts
		}
		tasks[i] = &model.Task{
			Seq:         int64(i + 1),
			Name:        item.Name,
			Content:     item.Content,
			MaxAttempts: maxAttempts,
			CreatedAt:   start.Add(time.Duration(i) * p.config.Stagger),
		}
	}
	if err := p.store.CreateTasks(ctx, tasks); err != nil {
		return 0, fmt.Errorf("seed %d tasks: %w", len(tasks), err)
	}
	p.logger.Info("task pool seeded", "tasks", len(items), "stagger", p.config.Stagger)
	return len(items), nil
}
