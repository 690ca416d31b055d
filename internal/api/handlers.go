package api

import (
	"net/http"
	"strings"

	"mentorlive/internal/auth"
	"mentorlive/internal/broadcast"
	"mentorlive/internal/models"
	"mentorlive/internal/pool"
	"mentorlive/internal/session"
	"mentorlive/internal/storage"
)

// presenterHeader identifies the calling presenter. Authentication proper is
// handled upstream (reverse proxy or gateway); this service trusts the header
// it is handed and enforces ownership on top of it.
const presenterHeader = "X-Presenter-Id"

// Handler exposes the session and channel-pool API over HTTP.
type Handler struct {
	Repo      storage.Repository
	Lifecycle *session.Lifecycle
	Allocator *pool.Allocator
	Gateway   broadcast.Gateway
	Operators *auth.OperatorGuard
}

// NewHandler wires the HTTP surface over the lifecycle and pool services.
func NewHandler(repo storage.Repository, lifecycle *session.Lifecycle, allocator *pool.Allocator, gateway broadcast.Gateway, operators *auth.OperatorGuard) *Handler {
	return &Handler{
		Repo:      repo,
		Lifecycle: lifecycle,
		Allocator: allocator,
		Gateway:   gateway,
		Operators: operators,
	}
}

// identity resolves the caller from request headers. An operator bearer key
// grants admin; otherwise the presenter header names the caller.
func (h *Handler) identity(r *http.Request) session.Identity {
	if key := bearerToken(r); key != "" && h.Operators != nil {
		if err := h.Operators.Authorize(key); err == nil {
			id := strings.TrimSpace(r.Header.Get(presenterHeader))
			if id == "" {
				id = "operator"
			}
			return session.Identity{ID: id, Admin: true}
		}
	}
	return session.Identity{ID: strings.TrimSpace(r.Header.Get(presenterHeader))}
}

// requireOperator authorizes the request's bearer key, writing the error
// response itself when the key is missing or wrong.
func (h *Handler) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	key := bearerToken(r)
	if h.Operators == nil {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidKey)
		return false
	}
	if err := h.Operators.Authorize(key); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// sessionResponse is the wire shape for sessions. The stream key never rides
// along; credentials have their own authenticated endpoint.
type sessionResponse struct {
	models.Session
	StreamKey string `json:"streamKey,omitempty"`
}

func newSessionResponse(sess models.Session) sessionResponse {
	resp := sessionResponse{Session: sess}
	resp.Session.StreamKey = ""
	return resp
}

func newSessionResponses(sessions []models.Session) []sessionResponse {
	responses := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		responses = append(responses, newSessionResponse(sess))
	}
	return responses
}
