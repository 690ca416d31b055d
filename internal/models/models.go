package models

import (
	"strings"
	"time"
)

// SessionStatus enumerates the lifecycle states of a broadcast session.
// Ended and cancelled are terminal; no transition leaves them.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

// ParseSessionStatus normalises a status string, returning ok=false for
// values outside the known set.
func ParseSessionStatus(raw string) (SessionStatus, bool) {
	switch SessionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case SessionScheduled:
		return SessionScheduled, true
	case SessionLive:
		return SessionLive, true
	case SessionEnded:
		return SessionEnded, true
	case SessionCancelled:
		return SessionCancelled, true
	default:
		return "", false
	}
}

// Channel is one pre-provisioned broadcast endpoint in the shared pool.
// RemoteRef is the remote backend's resource identifier and, together with
// the ingest and playback addresses, is immutable after registration. Busy
// and AssignedSessionID are mutated only by the allocator; Enabled only by
// admin action.
//
// AssignedSessionID != nil implies Busy. Busy with a nil assignment is the
// quarantined state: the remote side was observed live while the local
// record said free, and the channel is parked until reconciliation clears it.
type Channel struct {
	ID                string     `json:"id"`
	RemoteRef         string     `json:"remoteRef"`
	Label             string     `json:"label"`
	IngestURL         string     `json:"ingestUrl"`
	PlaybackURL       string     `json:"playbackUrl"`
	Busy              bool       `json:"busy"`
	Enabled           bool       `json:"enabled"`
	AssignedSessionID *string    `json:"assignedSessionId,omitempty"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	LastAssignedAt    *time.Time `json:"lastAssignedAt,omitempty"`
	UsageSeconds      int64      `json:"usageSeconds"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Orphaned reports whether the channel is held without an owning session,
// i.e. quarantined pending reconciliation.
func (c Channel) Orphaned() bool {
	return c.Busy && c.AssignedSessionID == nil
}

// UsageHours exposes the cumulative usage counter in hours.
func (c Channel) UsageHours() float64 {
	return float64(c.UsageSeconds) / 3600
}

// Session is one scheduled or live broadcast instance owned by a presenter.
// StreamKey is present only while the session is live (or mid-handoff after
// a crashed start attempt); it always implies an assigned channel.
type Session struct {
	ID                string        `json:"id"`
	PresenterID       string        `json:"presenterId"`
	Topic             string        `json:"topic,omitempty"`
	ScheduledAt       time.Time     `json:"scheduledAt"`
	PlannedMinutes    int           `json:"plannedMinutes"`
	Status            SessionStatus `json:"status"`
	AssignedChannelID *string       `json:"assignedChannelId,omitempty"`
	StreamKey         string        `json:"streamKey,omitempty"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	EndedAt           *time.Time    `json:"endedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// OwnedBy reports whether the presenter owns the session.
func (s Session) OwnedBy(presenterID string) bool {
	return presenterID != "" && s.PresenterID == presenterID
}

// Credentials is the payload a presenter needs to point their broadcast tool
// at the assigned channel.
type Credentials struct {
	ChannelID   string `json:"channelId"`
	IngestURL   string `json:"ingestUrl"`
	PlaybackURL string `json:"playbackUrl"`
	StreamKey   string `json:"streamKey"`
}
