package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/contestd/internal/events"
	"github.com/me/contestd/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Loop implements the Scheduler interface with a ticker-driven issuance loop.
type Loop struct {
	pool        Pool
	broadcaster Broadcaster
	events      events.Publisher
	config      Config
	logger      *slog.Logger

	state   atomic.Int32
	ticking atomic.Bool
	tickMu  sync.Mutex

	// lifeMu orders Start against Stop: either Start registers before Stop
	// and Stop waits on doneCh, or Stop wins and Start never runs the loop.
	lifeMu  sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLoop creates a new scheduler loop. pub may be nil.
func NewLoop(pool Pool, b Broadcaster, pub events.Publisher, cfg Config, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Loop{
		pool:        pool,
		broadcaster: b,
		events:      pub,
		config:      cfg,
		logger:      logger.With("component", "scheduler"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Start begins the issuance loop. Blocks until ctx is cancelled or Stop is
// called. Start after Stop returns nil without running.
func (l *Loop) Start(ctx context.Context) error {
	l.lifeMu.Lock()
	if l.stopped {
		l.lifeMu.Unlock()
		l.logger.Debug("scheduler not started, already stopped")
		return nil
	}
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		l.lifeMu.Unlock()
		return ErrNotIdle
	}
	l.started = true
	l.lifeMu.Unlock()
	defer close(l.doneCh)

	l.logger.Info("scheduler started", "interval", l.config.Interval)
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts down the loop and waits for the current tick to finish.
func (l *Loop) Stop() error {
	l.lifeMu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
	started := l.started
	l.lifeMu.Unlock()

	if started {
		<-l.doneCh
	}
	// Ticks triggered outside the loop (admin, tests) hold tickMu.
	l.tickMu.Lock()
	l.tickMu.Unlock()
	return nil
}

// Tick runs a single issuance step. A tick that starts while another is in
// progress is skipped. After the contest completes every tick is a no-op.
func (l *Loop) Tick(ctx context.Context) (TickResult, error) {
	if !l.ticking.CompareAndSwap(false, true) {
		l.logger.Debug("tick skipped, previous tick still running")
		return TickResult{Skipped: true}, nil
	}
	defer l.ticking.Store(false)
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if l.State() == StateExhausted {
		return TickResult{}, nil
	}

	task, err := l.pool.AcquireNext(ctx)
	if err != nil {
		return TickResult{}, err
	}

	// Once a task is committed as issued its announcement must go out even
	// if the caller is shutting down.
	dctx := context.WithoutCancel(ctx)

	if task == nil {
		remaining, err := l.pool.Remaining(dctx)
		if err != nil {
			return TickResult{}, fmt.Errorf("count remaining: %w", err)
		}
		res := TickResult{Remaining: remaining}
		if remaining == 0 {
			res.Completed = l.complete(dctx)
		}
		return res, nil
	}

	remaining, err := l.pool.Remaining(dctx)
	known := err == nil
	if err != nil {
		l.logger.Error("count remaining after issue", "task_id", task.ID, "error", err)
	}

	res := TickResult{Task: task, Remaining: remaining}
	env := model.NewEnvelope(model.MessageNewTask, model.NewTaskAnnouncement(task, remaining))
	res.Delivery = l.broadcaster.Broadcast(dctx, env)
	l.logger.Info("task announced",
		"task_id", task.ID, "seq", task.Seq, "remaining", remaining,
		"delivered", res.Delivery.Delivered, "queued", res.Delivery.Queued, "dropped", res.Delivery.Dropped)

	l.publish(dctx, events.Event{
		Type:      events.TaskIssued,
		TaskID:    task.ID,
		Seq:       task.Seq,
		Name:      task.Name,
		Remaining: remaining,
		Delivered: res.Delivery.Delivered,
		Queued:    res.Delivery.Queued,
	})

	if known && remaining == 0 {
		res.Completed = l.complete(dctx)
	}
	return res, nil
}

// complete moves the scheduler to Exhausted and announces it. Only the first
// caller wins; it reports whether this call did the transition.
func (l *Loop) complete(ctx context.Context) bool {
	for {
		cur := l.state.Load()
		if State(cur) == StateExhausted {
			return false
		}
		if l.state.CompareAndSwap(cur, int32(StateExhausted)) {
			break
		}
	}

	status, err := l.Status(ctx)
	if err != nil {
		l.logger.Error("contest status", "error", err)
		status = model.ContestStatus{Status: model.ContestCompleted}
	}
	res := l.broadcaster.Broadcast(ctx, model.NewEnvelope(model.MessageContestStatus, status))
	l.logger.Info("contest completed", "total_tasks", status.TotalTasks, "delivered", res.Delivered)

	l.publish(ctx, events.Event{
		Type:      events.ContestCompleted,
		Delivered: res.Delivered,
		Queued:    res.Queued,
	})
	return true
}

// Status reports the contest progress.
func (l *Loop) Status(ctx context.Context) (model.ContestStatus, error) {
	stats, err := l.pool.Stats(ctx)
	if err != nil {
		return model.ContestStatus{}, err
	}
	return model.ContestStatus{
		Status:         l.State().ContestState(),
		TotalTasks:     stats.Total,
		IssuedTasks:    stats.Issued,
		RemainingTasks: stats.Remaining,
		ConnectedTeams: len(l.broadcaster.Connected()),
	}, nil
}

func (l *Loop) publish(ctx context.Context, ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := l.events.Publish(ctx, ev); err != nil {
		l.logger.Warn("publish event", "type", ev.Type, "error", err)
	}
}
