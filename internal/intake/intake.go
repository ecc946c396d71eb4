// Package intake validates and records team submissions.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/me/contestd/internal/logging"
	"github.com/me/contestd/internal/store"
	"github.com/me/contestd/pkg/model"
)

// Rejection reasons returned as the APIError message.
const (
	ReasonTeamNotFound     = "team not found"
	ReasonTeamInactive     = "team inactive"
	ReasonTaskNotFound     = "task not found"
	ReasonTaskNotIssued    = "task not yet issued"
	ReasonAttemptsExceeded = "attempts exceeded"
	ReasonConflict         = "submission conflict"
)

// insertRetries bounds retries when a concurrent submission claims the same
// attempt number.
const insertRetries = 3

// Intake accepts submissions.
type Intake struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an Intake.
func New(st store.Store, logger *slog.Logger) *Intake {
	return &Intake{store: st, logger: logger.With("component", "intake")}
}

// Submit validates req for teamName and records it. Rejections are returned as
// *model.APIError whose Message is one of the Reason constants; other errors
// are internal.
//
// Checks run in order: team exists, team active, task exists, task issued,
// attempts remaining.
func (in *Intake) Submit(ctx context.Context, teamName string, req model.SubmissionRequest) (*model.SubmissionReceipt, error) {
	if req.TaskID <= 0 {
		return nil, model.NewValidationError("invalid submission",
			model.FieldError{Field: "task_id", Message: "must be a positive integer"})
	}
	if len(req.Annotation) == 0 || !json.Valid(req.Annotation) {
		return nil, model.NewValidationError("invalid submission",
			model.FieldError{Field: "annotation", Message: "must be a JSON value"})
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, model.NewValidationError("invalid submission",
			model.FieldError{Field: "metadata", Message: "must be a JSON value"})
	}

	team, err := in.store.GetTeamByName(ctx, teamName)
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	if team == nil {
		return nil, reject(model.ErrNotFound, ReasonTeamNotFound)
	}
	if !team.Active {
		return nil, reject(model.ErrForbidden, ReasonTeamInactive)
	}

	task, err := in.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return nil, reject(model.ErrNotFound, ReasonTaskNotFound)
	}
	if !task.Issued {
		return nil, reject(model.ErrConflict, ReasonTaskNotIssued)
	}

	sub := &model.Submission{
		TeamID:   team.ID,
		TaskID:   task.ID,
		Content:  req.Annotation,
		Metadata: req.Metadata,
	}
	for i := 0; ; i++ {
		err = in.store.CreateSubmission(ctx, sub, task.MaxAttempts)
		if !errors.Is(err, store.ErrDuplicate) || i == insertRetries-1 {
			break
		}
	}
	switch {
	case errors.Is(err, store.ErrAttemptsExceeded):
		in.logger.Info("submission rejected", logging.Team(teamName), "task_id", task.ID, "reason", ReasonAttemptsExceeded)
		return nil, reject(model.ErrConflict, ReasonAttemptsExceeded)
	case errors.Is(err, store.ErrDuplicate):
		in.logger.Warn("submission rejected", logging.Team(teamName), "task_id", task.ID, "reason", ReasonConflict)
		return nil, reject(model.ErrConflict, ReasonConflict)
	case err != nil:
		return nil, fmt.Errorf("create submission: %w", err)
	}

	in.logger.Info("submission received", logging.Team(teamName),
		"task_id", task.ID, "attempt", sub.Attempt, "max_attempts", task.MaxAttempts)

	return &model.SubmissionReceipt{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Attempt:      sub.Attempt,
		ReceivedAt:   sub.ReceivedAt,
		Message:      fmt.Sprintf("submission received (attempt %d of %d)", sub.Attempt, task.MaxAttempts),
	}, nil
}

// List returns the team's submissions, optionally limited to one task.
func (in *Intake) List(ctx context.Context, teamName string, taskID int64) ([]*model.Submission, error) {
	team, err := in.store.GetTeamByName(ctx, teamName)
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	if team == nil {
		return nil, model.NewNotFoundError("team", teamName)
	}
	return in.store.ListSubmissions(ctx, model.SubmissionFilter{TeamID: team.ID, TaskID: taskID})
}

// AttemptsUsed reports how many attempts teamName has used on taskID.
func (in *Intake) AttemptsUsed(ctx context.Context, teamName string, taskID int64) (int, error) {
	team, err := in.store.GetTeamByName(ctx, teamName)
	if err != nil {
		return 0, fmt.Errorf("get team: %w", err)
	}
	if team == nil {
		return 0, model.NewNotFoundError("team", teamName)
	}
	if task, err := in.store.GetTask(ctx, taskID); err != nil {
		return 0, fmt.Errorf("get task: %w", err)
	} else if task == nil {
		return 0, model.NewNotFoundError("task", strconv.FormatInt(taskID, 10))
	}
	return in.store.CountSubmissions(ctx, team.ID, taskID)
}

func reject(code model.ErrorCode, reason string) *model.APIError {
	return &model.APIError{Code: code, Message: reason}
}
