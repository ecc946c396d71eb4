package store

import (
	"context"
	"errors"
	"time"

	"github.com/me/contestd/pkg/model"
)

var (
	// ErrAttemptsExceeded is returned by CreateSubmission when the team has
	// already used every attempt for the task.
	ErrAttemptsExceeded = errors.New("attempts exceeded")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint
	// (team name taken, or a concurrent submission claimed the same attempt).
	ErrDuplicate = errors.New("duplicate record")
)

// Store defines the persistence layer for contest entities.
type Store interface {
	// Teams
	CreateTeam(ctx context.Context, team *model.Team) error
	GetTeamByName(ctx context.Context, name string) (*model.Team, error)
	ListTeams(ctx context.Context) ([]*model.Team, error)
	SetTeamActive(ctx context.Context, name string, active bool) error
	TouchTeam(ctx context.Context, name string, at time.Time) error

	// Tasks
	CreateTask(ctx context.Context, task *model.Task) error
	// CreateTasks inserts all tasks atomically.
	CreateTasks(ctx context.Context, tasks []*model.Task) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)
	CountTasks(ctx context.Context, filter model.TaskFilter) (int, error)

	// AcquireNextTask atomically marks the lowest-seq eligible task as issued
	// and returns it. Returns nil, nil when no task is eligible at now.
	AcquireNextTask(ctx context.Context, now time.Time) (*model.Task, error)

	// Submissions
	CreateSubmission(ctx context.Context, sub *model.Submission, maxAttempts int) error
	CountSubmissions(ctx context.Context, teamID, taskID int64) (int, error)
	ListSubmissions(ctx context.Context, filter model.SubmissionFilter) ([]*model.Submission, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
