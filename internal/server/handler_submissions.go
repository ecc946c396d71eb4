package server

import (
	"net/http"
	"strconv"

	"github.com/me/contestd/internal/logging"
	"github.com/me/contestd/pkg/model"
)

// handleCreateSubmission records an annotation for the authenticated team.
// POST /api/v1/submissions
func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	team := TeamFromContext(r.Context())

	var req model.SubmissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	receipt, err := s.intake.Submit(r.Context(), team, req)
	if err != nil {
		if statusFor(errCode(err)) == http.StatusInternalServerError {
			s.logger.Error("submit", logging.Team(team), "task_id", req.TaskID, "error", err)
		}
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, receipt)
}

// handleListSubmissions lists the authenticated team's submissions.
// GET /api/v1/submissions?task_id=
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	team := TeamFromContext(r.Context())

	var taskID int64
	if v := r.URL.Query().Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query", model.FieldError{Field: "task_id", Message: "must be a positive integer"}))
			return
		}
		taskID = id
	}

	subs, err := s.intake.List(r.Context(), team, taskID)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if subs == nil {
		subs = []*model.Submission{}
	}
	respondOK(w, reqID, subs)
}
