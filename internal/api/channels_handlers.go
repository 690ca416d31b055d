package api

import (
	"errors"
	"net/http"
	"strings"

	"mentorlive/internal/models"
	"mentorlive/internal/storage"
)

type createChannelRequest struct {
	Label       string `json:"label"`
	RemoteRef   string `json:"remoteRef,omitempty"`
	IngestURL   string `json:"ingestUrl,omitempty"`
	PlaybackURL string `json:"playbackUrl,omitempty"`
}

type updateChannelRequest struct {
	Enabled *bool `json:"enabled"`
}

type channelListResponse struct {
	Channels []models.Channel   `json:"channels"`
	Counts   storage.PoolCounts `json:"counts"`
}

// AdminChannels handles the /api/admin/channels collection. Operator only.
func (h *Handler) AdminChannels(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		channels, err := h.Repo.ListChannels(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		counts, err := h.Repo.PoolCounts(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channelListResponse{Channels: channels, Counts: counts})
	case http.MethodPost:
		var req createChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.Label) == "" {
			writeError(w, http.StatusBadRequest, errors.New("label is required"))
			return
		}

		params := storage.CreateChannelParams{
			RemoteRef:   strings.TrimSpace(req.RemoteRef),
			Label:       strings.TrimSpace(req.Label),
			IngestURL:   strings.TrimSpace(req.IngestURL),
			PlaybackURL: strings.TrimSpace(req.PlaybackURL),
		}
		// Without a remote ref the channel does not exist yet; provision it
		// on the broadcast backend first.
		if params.RemoteRef == "" {
			info, err := h.Gateway.CreateChannel(r.Context(), params.Label)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			params.RemoteRef = info.Ref
			params.IngestURL = info.IngestURL
			params.PlaybackURL = info.PlaybackURL
		}

		channel, err := h.Repo.CreateChannel(r.Context(), params)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, channel)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// AdminChannelByID handles /api/admin/channels/{id} and its release subroute.
func (h *Handler) AdminChannelByID(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/admin/channels/")
	parts := strings.Split(path, "/")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel id is required"))
		return
	}
	channelID := parts[0]

	if len(parts) == 2 && parts[1] == "release" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		if err := h.Allocator.Release(r.Context(), channelID); err != nil {
			writeServiceError(w, err)
			return
		}
		channel, err := h.Repo.GetChannel(r.Context(), channelID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		channel, err := h.Repo.GetChannel(r.Context(), channelID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case http.MethodPatch:
		var req updateChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
			return
		}
		channel, err := h.Repo.SetChannelEnabled(r.Context(), channelID, *req.Enabled)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case http.MethodDelete:
		channel, err := h.Repo.GetChannel(r.Context(), channelID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if err := h.Repo.DeleteChannel(r.Context(), channelID); err != nil {
			writeServiceError(w, err)
			return
		}
		// Remote teardown is best effort; the local record is already gone.
		_ = h.Gateway.DeleteChannel(r.Context(), channel.RemoteRef)
		writeJSON(w, http.StatusNoContent, nil)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}
