package storage

import (
	"context"
	"errors"
	"time"

	"mentorlive/internal/models"
)

var (
	// ErrNotFound marks lookups for channels or sessions that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks state transitions that are invalid from the current
	// state, including a lost race on a conditional channel claim.
	ErrConflict = errors.New("conflict")
)

// CreateChannelParams registers a channel whose remote resource already
// exists; the store never calls the broadcast gateway itself.
type CreateChannelParams struct {
	RemoteRef   string
	Label       string
	IngestURL   string
	PlaybackURL string
}

// CreateSessionParams captures the attributes set when a presenter schedules
// a session.
type CreateSessionParams struct {
	PresenterID    string
	Topic          string
	ScheduledAt    time.Time
	PlannedMinutes int
}

// PoolCounts summarises the channel pool for capacity decisions and gauges.
// Available counts channels that are both free and enabled.
type PoolCounts struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Disabled  int `json:"disabled"`
}

// Repository exposes the datastore operations required by the allocator, the
// session lifecycle, the reconciliation sweeper, and the API handlers.
//
// ClaimChannel is the single serialization point for pool assignment: it is
// a conditional update that fails with ErrConflict when the channel is
// already busy, and implementations must make it atomic across processes.
// An empty sessionID quarantines the channel (busy with no owning session),
// which is how observed drift is kept out of the candidate list.
type Repository interface {
	Ping(ctx context.Context) error

	CreateChannel(ctx context.Context, params CreateChannelParams) (models.Channel, error)
	GetChannel(ctx context.Context, id string) (models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	ListCandidateChannels(ctx context.Context) ([]models.Channel, error)
	PoolCounts(ctx context.Context) (PoolCounts, error)
	SetChannelEnabled(ctx context.Context, id string, enabled bool) (models.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	ClaimChannel(ctx context.Context, channelID, sessionID string) error
	ReleaseChannel(ctx context.Context, channelID string) (bool, error)

	CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	ListSessions(ctx context.Context, presenterID string) ([]models.Session, error)
	ListLiveSessions(ctx context.Context) ([]models.Session, error)
	LiveSessionForChannel(ctx context.Context, channelID string) (models.Session, bool, error)
	StartSession(ctx context.Context, id, channelID, streamKey string, at time.Time) (models.Session, error)
	EndSession(ctx context.Context, id string, at time.Time) (models.Session, error)
	ForceEndSession(ctx context.Context, id string, at time.Time) (models.Session, error)
	CancelSession(ctx context.Context, id string, at time.Time) (models.Session, error)
}

var _ Repository = (*Storage)(nil)
