package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/me/contestd/internal/logging"
	"github.com/me/contestd/internal/registry"
	"github.com/me/contestd/pkg/model"
)

// handleWebSocket upgrades an authenticated team to its message stream.
// GET /ws?token=
//
// Rejections happen before the upgrade: 401 for a missing or invalid token,
// 404 for an unknown team, 403 for an inactive one. After the upgrade the
// team first receives its offline backlog, then available_tasks, then
// contest_status, then live messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ctx := r.Context()

	token := extractToken(r)
	if token == "" {
		respondError(w, reqID, http.StatusUnauthorized, model.NewUnauthorizedError("token required"))
		return
	}
	teamName, err := s.auth.Authenticate(token)
	if err != nil {
		respondError(w, reqID, http.StatusUnauthorized, model.NewUnauthorizedError(err.Error()))
		return
	}

	team, err := s.store.GetTeamByName(ctx, teamName)
	if err != nil {
		s.logger.Error("ws: get team", logging.Team(teamName), "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("team lookup failed"))
		return
	}
	if team == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("team", teamName))
		return
	}
	if !team.Active {
		respondError(w, reqID, http.StatusForbidden, &model.APIError{Code: model.ErrForbidden, Message: "team inactive"})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("ws: upgrade failed", logging.Team(teamName), "error", err)
		return
	}
	conn := newWSConn(ws)

	if err := s.store.TouchTeam(ctx, teamName, time.Now().UTC()); err != nil {
		s.logger.Warn("ws: touch team", logging.Team(teamName), "error", err)
	}

	sess, err := s.registry.Connect(ctx, teamName, conn)
	if err != nil {
		s.logger.Error("ws: register connection", logging.Team(teamName), "error", err)
		conn.Close()
		return
	}

	s.sendWelcome(ctx, teamName)
	s.readLoop(ws, sess)
}

// sendWelcome sends the catch-up snapshot to a freshly connected team. It is
// not queued: a team that drops before receiving it gets a fresh one on
// reconnect.
func (s *Server) sendWelcome(ctx context.Context, team string) {
	issued, err := s.pool.ListIssued(ctx)
	if err != nil {
		s.logger.Error("ws: list issued tasks", logging.Team(team), "error", err)
		return
	}
	stats, err := s.pool.Stats(ctx)
	if err != nil {
		s.logger.Error("ws: pool stats", logging.Team(team), "error", err)
		return
	}

	avail := model.NewEnvelope(model.MessageAvailableTasks, model.NewAvailableTasks(issued, stats.Total))
	if _, err := s.registry.Send(ctx, team, avail, false); err != nil {
		s.logger.Warn("ws: send available_tasks", logging.Team(team), "error", err)
	}

	status, err := s.contestStatus(ctx)
	if err != nil {
		s.logger.Error("ws: contest status", logging.Team(team), "error", err)
		return
	}
	if _, err := s.registry.Send(ctx, team, model.NewEnvelope(model.MessageContestStatus, status), false); err != nil {
		s.logger.Warn("ws: send contest_status", logging.Team(team), "error", err)
	}
}

// readLoop consumes inbound frames until the socket fails. Every frame
// refreshes the team's last-seen time; contents are otherwise ignored.
func (s *Server) readLoop(ws *websocket.Conn, sess *registry.Session) {
	team := sess.Team()
	ws.SetPongHandler(func(string) error {
		s.registry.Touch(team)
		return nil
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			reason := "read error"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "closed by client"
			}
			s.registry.Detach(sess, reason)
			return
		}
		s.registry.Touch(team)
		if env, err := model.DecodeEnvelope(data); err == nil {
			s.logger.Debug("ws: inbound frame", logging.Team(team), "type", env.Type)
		}
	}
}
