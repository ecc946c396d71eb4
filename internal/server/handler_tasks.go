package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/contestd/pkg/model"
)

// handleListTasks returns the tasks issued so far, in issue order.
// GET /api/v1/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	tasks, err := s.pool.ListIssued(r.Context())
	if err != nil {
		s.logger.Error("list issued tasks", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	respondOK(w, reqID, tasks)
}

// handleGetTask returns one issued task. Unissued tasks are reported as not
// found so their content cannot be read early.
// GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	idParam := chi.URLParam(r, "id")

	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid task id", model.FieldError{Field: "id", Message: "must be a positive integer"}))
		return
	}

	task, err := s.pool.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if task == nil || !task.Issued {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", idParam))
		return
	}
	respondOK(w, reqID, task)
}

// handleTaskFormat describes the annotation format scorers expect.
// GET /api/v1/task-format
func (s *Server) handleTaskFormat(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), model.TaskFormat{
		Description: "Submit the annotation for an issued task as a JSON object",
		Schema:      model.AnnotationSchema,
	})
}

// handleContestStatus reports the contest state and task totals.
// GET /api/v1/contest
func (s *Server) handleContestStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	status, err := s.contestStatus(r.Context())
	if err != nil {
		s.logger.Error("contest status", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, status)
}

func (s *Server) contestStatus(ctx context.Context) (model.ContestStatus, error) {
	if s.scheduler != nil {
		return s.scheduler.Status(ctx)
	}
	stats, err := s.pool.Stats(ctx)
	if err != nil {
		return model.ContestStatus{}, err
	}
	return model.ContestStatus{
		Status:         model.ContestIdle,
		TotalTasks:     stats.Total,
		IssuedTasks:    stats.Issued,
		RemainingTasks: stats.Remaining,
		ConnectedTeams: len(s.registry.Connected()),
	}, nil
}
