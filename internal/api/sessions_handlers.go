package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"mentorlive/internal/models"
	"mentorlive/internal/session"
)

type createSessionRequest struct {
	Topic          string    `json:"topic"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	PlannedMinutes int       `json:"plannedMinutes"`
}

type startSessionResponse struct {
	Session     sessionResponse    `json:"session"`
	Credentials models.Credentials `json:"credentials"`
}

// Sessions handles the /api/sessions collection.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	identity := h.identity(r)
	if identity.ID == "" {
		writeError(w, http.StatusUnauthorized, errors.New("presenter identity is required"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sess, err := h.Lifecycle.Create(r.Context(), identity, session.CreateParams{
			Topic:          req.Topic,
			ScheduledAt:    req.ScheduledAt,
			PlannedMinutes: req.PlannedMinutes,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newSessionResponse(sess))
	case http.MethodGet:
		sessions, err := h.Lifecycle.List(r.Context(), identity)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponses(sessions))
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// SessionByID handles /api/sessions/{id} and its lifecycle subroutes.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	identity := h.identity(r)
	if identity.ID == "" {
		writeError(w, http.StatusUnauthorized, errors.New("presenter identity is required"))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id is required"))
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		sess, err := h.Lifecycle.Get(r.Context(), identity, sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(sess))
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		sess, creds, err := h.Lifecycle.Start(r.Context(), identity, sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, startSessionResponse{Session: newSessionResponse(sess), Credentials: creds})
	case "end":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		sess, err := h.Lifecycle.End(r.Context(), identity, sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(sess))
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		sess, err := h.Lifecycle.Cancel(r.Context(), identity, sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(sess))
	case "credentials":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		creds, err := h.Lifecycle.Credentials(r.Context(), identity, sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, creds)
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}
