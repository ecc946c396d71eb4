package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/contestd/internal/logging"
	"github.com/me/contestd/pkg/model"
)

// handleListTeams returns all registered teams with their connection state.
// GET /api/v1/admin/teams
func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	type teamView struct {
		*model.Team
		Connected bool `json:"connected"`
		Queued    int  `json:"queued"`
	}
	out := make([]teamView, 0, len(teams))
	for _, t := range teams {
		v := teamView{Team: t, Connected: s.registry.IsConnected(t.Name)}
		if n, err := s.registry.QueueLen(r.Context(), t.Name); err == nil {
			v.Queued = n
		}
		out = append(out, v)
	}
	respondOK(w, reqID, out)
}

// handleSetTeamActive activates or deactivates a team. Deactivating also
// drops its live connection.
// PUT /api/v1/admin/teams/{name}/active
func (s *Server) handleSetTeamActive(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	var req struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "active", Message: "active is required"}))
		return
	}

	team, err := s.store.GetTeamByName(r.Context(), name)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if team == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("team", name))
		return
	}

	if err := s.store.SetTeamActive(r.Context(), name, *req.Active); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	team.Active = *req.Active

	if !team.Active {
		s.registry.Disconnect(name, "team deactivated")
	}
	s.logger.Info("team active changed", logging.Team(name), "active", team.Active)

	respondOK(w, reqID, team)
}

// handleForceTick runs one issuance step immediately.
// POST /api/v1/admin/tick
func (s *Server) handleForceTick(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	if s.scheduler == nil {
		respondError(w, reqID, http.StatusConflict, model.NewConflictError("scheduler not configured"))
		return
	}

	res, err := s.scheduler.Tick(r.Context())
	if err != nil {
		s.logger.Error("forced tick", "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	out := map[string]any{
		"remaining": res.Remaining,
		"completed": res.Completed,
		"skipped":   res.Skipped,
		"delivered": res.Delivery.Delivered,
		"queued":    res.Delivery.Queued,
		"failed":    res.Delivery.Failed,
	}
	if res.Task != nil {
		out["task_id"] = res.Task.ID
		out["name"] = res.Task.Name
	}
	respondOK(w, reqID, out)
}
