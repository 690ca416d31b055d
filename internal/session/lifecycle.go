package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mentorlive/internal/broadcast"
	"mentorlive/internal/models"
	"mentorlive/internal/observability/metrics"
	"mentorlive/internal/pool"
	"mentorlive/internal/storage"
)

// ErrUnauthorized marks operations attempted by a presenter who does not own
// the session and is not an operator.
var ErrUnauthorized = errors.New("not authorized")

const defaultStartDeadline = 15 * time.Second

// Identity is the authenticated caller on whose behalf an operation runs.
// Admins act on any session; presenters only on their own.
type Identity struct {
	ID    string
	Admin bool
}

// CreateParams captures what a presenter supplies when scheduling a session.
type CreateParams struct {
	Topic          string
	ScheduledAt    time.Time
	PlannedMinutes int
}

// Lifecycle drives sessions through scheduled, live, and terminal states. It
// owns the ordering rules: scheduling never touches the pool, going live
// allocates exactly one channel, and ending always releases it.
type Lifecycle struct {
	repo          storage.Repository
	allocator     *pool.Allocator
	gateway       broadcast.Gateway
	logger        *slog.Logger
	recorder      *metrics.Recorder
	startDeadline time.Duration
	now           func() time.Time
}

// Config wires a Lifecycle. Repo, Allocator, and Gateway are required; the
// rest default sensibly.
type Config struct {
	Repo          storage.Repository
	Allocator     *pool.Allocator
	Gateway       broadcast.Gateway
	Logger        *slog.Logger
	Recorder      *metrics.Recorder
	StartDeadline time.Duration
	Now           func() time.Time
}

// NewLifecycle validates the configuration and returns a ready Lifecycle.
func NewLifecycle(cfg Config) (*Lifecycle, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	lc := &Lifecycle{
		repo:          cfg.Repo,
		allocator:     cfg.Allocator,
		gateway:       cfg.Gateway,
		logger:        cfg.Logger,
		recorder:      cfg.Recorder,
		startDeadline: cfg.StartDeadline,
		now:           cfg.Now,
	}
	if lc.logger == nil {
		lc.logger = slog.Default()
	}
	if lc.recorder == nil {
		lc.recorder = metrics.Default()
	}
	if lc.startDeadline <= 0 {
		lc.startDeadline = defaultStartDeadline
	}
	if lc.now == nil {
		lc.now = func() time.Time { return time.Now().UTC() }
	}
	return lc, nil
}

// Create schedules a session. No channel is assigned and the remote service
// is never contacted; capacity is checked only when the presenter goes live.
func (l *Lifecycle) Create(ctx context.Context, identity Identity, params CreateParams) (models.Session, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return models.Session{}, fmt.Errorf("%w: presenter identity is required", ErrUnauthorized)
	}
	if strings.TrimSpace(params.Topic) == "" {
		return models.Session{}, fmt.Errorf("topic is required")
	}
	if params.PlannedMinutes <= 0 {
		return models.Session{}, fmt.Errorf("planned minutes must be positive")
	}
	return l.repo.CreateSession(ctx, storage.CreateSessionParams{
		PresenterID:    identity.ID,
		Topic:          strings.TrimSpace(params.Topic),
		ScheduledAt:    params.ScheduledAt,
		PlannedMinutes: params.PlannedMinutes,
	})
}

// Get returns a session the caller is allowed to see.
func (l *Lifecycle) Get(ctx context.Context, identity Identity, sessionID string) (models.Session, error) {
	return l.authorizedSession(ctx, identity, sessionID)
}

// List returns the caller's sessions, or every session for an operator.
func (l *Lifecycle) List(ctx context.Context, identity Identity) ([]models.Session, error) {
	if identity.Admin {
		return l.repo.ListSessions(ctx, "")
	}
	if strings.TrimSpace(identity.ID) == "" {
		return nil, fmt.Errorf("%w: presenter identity is required", ErrUnauthorized)
	}
	return l.repo.ListSessions(ctx, identity.ID)
}

// Start takes a scheduled session live: it allocates a channel, records the
// transition, and hands back broadcast credentials. Calling Start on a
// session that is already live and owned by the caller re-derives the same
// credentials without allocating again, so a presenter whose client crashed
// mid-handshake can simply retry.
func (l *Lifecycle) Start(ctx context.Context, identity Identity, sessionID string) (models.Session, models.Credentials, error) {
	session, err := l.authorizedSession(ctx, identity, sessionID)
	if err != nil {
		return models.Session{}, models.Credentials{}, err
	}

	if session.Status == models.SessionLive {
		creds, err := l.credentialsForLive(ctx, session)
		if err != nil {
			return models.Session{}, models.Credentials{}, err
		}
		return session, creds, nil
	}
	if session.Status != models.SessionScheduled {
		return models.Session{}, models.Credentials{}, fmt.Errorf(
			"%w: session %s is %s, only scheduled sessions can start", storage.ErrConflict, sessionID, session.Status)
	}

	startCtx, cancel := context.WithTimeout(ctx, l.startDeadline)
	defer cancel()

	channel, creds, err := l.allocator.FindAndAssign(startCtx, sessionID)
	if err != nil {
		return models.Session{}, models.Credentials{}, err
	}

	started, err := l.repo.StartSession(startCtx, sessionID, channel.ID, creds.StreamKey, l.now())
	if err != nil {
		// The claim must not outlive a failed transition, otherwise the
		// channel leaks until the next sweep.
		l.rollbackClaim(channel.ID)
		return models.Session{}, models.Credentials{}, err
	}

	l.recorder.SessionStarted()
	l.logger.Info("session started",
		"session_id", sessionID, "presenter_id", started.PresenterID, "channel_id", channel.ID)
	return started, creds, nil
}

// End finishes a live session and returns its channel to the pool.
func (l *Lifecycle) End(ctx context.Context, identity Identity, sessionID string) (models.Session, error) {
	session, err := l.authorizedSession(ctx, identity, sessionID)
	if err != nil {
		return models.Session{}, err
	}

	ended, err := l.repo.EndSession(ctx, sessionID, l.now())
	if err != nil {
		return models.Session{}, err
	}
	l.recorder.SessionEnded()

	if session.AssignedChannelID != nil {
		if err := l.allocator.Release(ctx, *session.AssignedChannelID); err != nil {
			// The session is already ended; a failed release leaves the
			// channel for the sweeper rather than failing the call.
			l.logger.Error("channel release failed after session end",
				"session_id", sessionID, "channel_id", *session.AssignedChannelID, "error", err)
		}
	}

	l.logger.Info("session ended", "session_id", sessionID, "presenter_id", ended.PresenterID)
	return ended, nil
}

// Cancel withdraws a scheduled session. Live sessions must be ended instead.
func (l *Lifecycle) Cancel(ctx context.Context, identity Identity, sessionID string) (models.Session, error) {
	if _, err := l.authorizedSession(ctx, identity, sessionID); err != nil {
		return models.Session{}, err
	}
	cancelled, err := l.repo.CancelSession(ctx, sessionID, l.now())
	if err != nil {
		return models.Session{}, err
	}
	l.recorder.SessionCancelled()
	l.logger.Info("session cancelled", "session_id", sessionID, "presenter_id", cancelled.PresenterID)
	return cancelled, nil
}

// Credentials re-derives the broadcast credentials for a live session. Used
// by presenters reconnecting their broadcast tool mid-session.
func (l *Lifecycle) Credentials(ctx context.Context, identity Identity, sessionID string) (models.Credentials, error) {
	session, err := l.authorizedSession(ctx, identity, sessionID)
	if err != nil {
		return models.Credentials{}, err
	}
	if session.Status != models.SessionLive {
		return models.Credentials{}, fmt.Errorf(
			"%w: session %s is %s, credentials exist only while live", storage.ErrConflict, sessionID, session.Status)
	}
	return l.credentialsForLive(ctx, session)
}

func (l *Lifecycle) credentialsForLive(ctx context.Context, session models.Session) (models.Credentials, error) {
	if session.AssignedChannelID == nil {
		return models.Credentials{}, fmt.Errorf("%w: session %s is live without a channel", storage.ErrConflict, session.ID)
	}
	channel, err := l.repo.GetChannel(ctx, *session.AssignedChannelID)
	if err != nil {
		return models.Credentials{}, err
	}
	streamKey := session.StreamKey
	if streamKey == "" {
		streamKey, err = l.gateway.IssueOrFetchStreamKey(ctx, channel.RemoteRef)
		if err != nil {
			return models.Credentials{}, err
		}
	}
	return models.Credentials{
		ChannelID:   channel.ID,
		IngestURL:   channel.IngestURL,
		PlaybackURL: channel.PlaybackURL,
		StreamKey:   streamKey,
	}, nil
}

func (l *Lifecycle) authorizedSession(ctx context.Context, identity Identity, sessionID string) (models.Session, error) {
	session, err := l.repo.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if identity.Admin {
		return session, nil
	}
	if !session.OwnedBy(identity.ID) {
		return models.Session{}, fmt.Errorf("%w: session %s belongs to another presenter", ErrUnauthorized, sessionID)
	}
	return session, nil
}

func (l *Lifecycle) rollbackClaim(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.repo.ReleaseChannel(ctx, channelID); err != nil {
		l.logger.Error("claim rollback failed after start error", "channel_id", channelID, "error", err)
	}
}
