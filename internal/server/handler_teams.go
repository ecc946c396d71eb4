package server

import (
	"errors"
	"net/http"

	"github.com/me/contestd/internal/auth"
	"github.com/me/contestd/internal/logging"
	"github.com/me/contestd/internal/store"
	"github.com/me/contestd/pkg/model"
)

const (
	minSecretLength = 8
	maxSecretLength = 72 // bcrypt input limit
)

func (s *Server) handleRegisterTeam(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateCredentials(req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	hash, err := auth.HashSecret(req.Secret)
	if err != nil {
		s.logger.Error("hash secret", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to register team"))
		return
	}

	team := &model.Team{Name: req.Name, SecretHash: hash, Active: true}
	if err := s.store.CreateTeam(r.Context(), team); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respondError(w, reqID, http.StatusConflict, model.NewConflictError("team name already taken"))
			return
		}
		s.logger.Error("create team", logging.Team(req.Name), "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to register team"))
		return
	}
	s.logger.Info("team registered", logging.Team(team.Name), "id", team.ID)

	resp, err := s.issueToken(team.Name)
	if err != nil {
		s.logger.Error("issue token", logging.Team(team.Name), "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to issue token"))
		return
	}
	respondCreated(w, reqID, resp)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}

	team, err := s.store.GetTeamByName(r.Context(), req.Name)
	if err != nil {
		s.logger.Error("get team", logging.Team(req.Name), "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to issue token"))
		return
	}
	// Unknown team and wrong secret get the same answer.
	if team == nil || !auth.CheckSecret(team.SecretHash, req.Secret) {
		respondError(w, reqID, http.StatusUnauthorized, model.NewUnauthorizedError("invalid team credentials"))
		return
	}
	if !team.Active {
		respondError(w, reqID, http.StatusForbidden, &model.APIError{Code: model.ErrForbidden, Message: "team inactive"})
		return
	}

	resp, err := s.issueToken(team.Name)
	if err != nil {
		s.logger.Error("issue token", logging.Team(team.Name), "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to issue token"))
		return
	}
	respondOK(w, reqID, resp)
}

func (s *Server) issueToken(team string) (model.TokenResponse, error) {
	token, exp, err := s.auth.Issue(team)
	if err != nil {
		return model.TokenResponse{}, err
	}
	return model.TokenResponse{Team: team, Token: token, ExpiresAt: exp}, nil
}

func validateCredentials(req model.Credentials) *model.APIError {
	var details []model.FieldError
	if err := model.ValidateTeamName(req.Name); err != nil {
		details = append(details, model.FieldError{Field: "name", Message: err.Error()})
	}
	if len(req.Secret) < minSecretLength || len(req.Secret) > maxSecretLength {
		details = append(details, model.FieldError{Field: "secret", Message: "must be 8 to 72 characters"})
	}
	if len(details) > 0 {
		return model.NewValidationError("invalid registration", details...)
	}
	return nil
}
