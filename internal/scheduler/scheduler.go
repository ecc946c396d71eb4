package scheduler

import (
	"context"
	"errors"

	"github.com/me/contestd/internal/registry"
	"github.com/me/contestd/internal/taskpool"
	"github.com/me/contestd/pkg/model"
)

// ErrNotIdle is returned by Start when the scheduler has already been started
// or the contest is already complete.
var ErrNotIdle = errors.New("scheduler is not idle")

// Scheduler issues tasks from the pool on a fixed interval and announces
// them to connected teams.
type Scheduler interface {
	// Start begins the issuance loop. Blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop shuts down the loop and waits for a running tick to finish.
	Stop() error

	// Tick runs a single issuance step.
	Tick(ctx context.Context) (TickResult, error)

	// Status reports the contest progress.
	Status(ctx context.Context) (model.ContestStatus, error)
}

// Pool is the part of the task pool the scheduler drives.
type Pool interface {
	AcquireNext(ctx context.Context) (*model.Task, error)
	Remaining(ctx context.Context) (int, error)
	Stats(ctx context.Context) (taskpool.Stats, error)
}

// Broadcaster delivers envelopes to teams.
type Broadcaster interface {
	Broadcast(ctx context.Context, env model.Envelope, exclude ...string) registry.BroadcastResult
	Connected() []string
}

// State is the scheduler lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

// ContestState maps the scheduler state to the state reported to teams.
func (s State) ContestState() model.ContestState {
	switch s {
	case StateRunning:
		return model.ContestRunning
	case StateExhausted:
		return model.ContestCompleted
	default:
		return model.ContestIdle
	}
}

// TickResult describes what a tick did.
type TickResult struct {
	Task      *model.Task              // issued task, nil if none
	Remaining int                      // unissued tasks after this tick
	Delivery  registry.BroadcastResult // outcome of the new_task broadcast
	Completed bool                     // this tick announced contest completion
	Skipped   bool                     // another tick was running
}
