// ABOUTME: HTTP handlers for the event history, audit log, gateway status and control actions
// ABOUTME: All of them sit behind the session middleware

package server

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/2389/clawcontrol/internal/apperr"
	"github.com/2389/clawcontrol/internal/auth"
	"github.com/2389/clawcontrol/internal/store"
)

const (
	actionRestartServer  = "restart-clawcontrol"
	actionClearEvents    = "clear-events"
	actionNukeData       = "nuke-data"
	actionRestartGateway = "restart-gateway"
)

var allowedActions = []string{actionRestartServer, actionClearEvents, actionNukeData, actionRestartGateway}

type auditEntryResponse struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	SourceAddr string         `json:"sourceAddr,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	if ceiling := s.config.Events.RecentMax; ceiling > 0 && limit > ceiling {
		limit = ceiling
	}

	events, err := s.bus.Recent(r.Context(), limit)
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, "server.list_events", "listing events", err), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	const op = "server.list_audit"

	limit, err := queryInt(r, "limit")
	if err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	filter := store.AuditFilter{Limit: limit}

	if v := r.URL.Query().Get("action"); v != "" {
		action := store.AuditAction(v)
		if !slices.Contains(store.ValidAuditActions, action) {
			apperr.WriteJSON(w, apperr.New(apperr.KindInvalidInput, op, "unknown audit action"), s.logger)
			return
		}
		filter.Action = &action
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apperr.WriteJSON(w, apperr.New(apperr.KindInvalidInput, op, "since must be an RFC3339 timestamp"), s.logger)
			return
		}
		filter.Since = &since
	}

	entries, err := s.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, op, "listing audit log", err), s.logger)
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:         e.ID,
			Action:     string(e.Action),
			Actor:      e.Actor,
			SourceAddr: e.SourceAddr,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.link.Status())
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	const op = "server.action"

	action := r.PathValue("action")
	if !slices.Contains(allowedActions, action) {
		apperr.WriteMessage(w, http.StatusBadRequest, "Unknown action")
		return
	}
	s.auth.AuditAction(r.Context(), action)
	s.logger.Info("control action", "action", action, "source", auth.ClientAddr(r))

	ctx := r.Context()
	switch action {
	case actionClearEvents:
		if err := s.bus.Clear(ctx); err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, op, "clearing events", err), s.logger)
			return
		}

	case actionNukeData:
		if err := s.bus.Clear(ctx); err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, op, "clearing events", err), s.logger)
			return
		}
		dropped := s.auth.ResetSessions()
		s.logger.Warn("data wiped", "sessions_dropped", dropped)

	case actionRestartGateway:
		if !s.link.Reconnect() {
			s.logger.Info("restart-gateway: no upstream connection to drop")
		}

	case actionRestartServer:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Restarting..."})
		time.AfterFunc(restartDelay, s.requestRestart)
		return
	}

	writeOK(w)
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.New(apperr.KindInvalidInput, "server.query", name+" must be an integer")
	}
	return n, nil
}

