package api

import (
	"errors"
	"net/http"

	"mentorlive/internal/auth"
	"mentorlive/internal/broadcast"
	"mentorlive/internal/pool"
	"mentorlive/internal/session"
	"mentorlive/internal/storage"
)

// statusForError maps service errors onto HTTP status codes. Handlers write
// validation failures as 400 directly; everything that bubbles up from the
// lifecycle, pool, or storage layers lands here.
func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidKey):
		return http.StatusUnauthorized
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusConflict
	case errors.Is(err, pool.ErrPoolEmpty):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, broadcast.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err)
}
