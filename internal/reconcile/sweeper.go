package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mentorlive/internal/broadcast"
	"mentorlive/internal/models"
	"mentorlive/internal/observability/metrics"
	"mentorlive/internal/pool"
	"mentorlive/internal/storage"
)

const (
	defaultInterval    = time.Minute
	defaultGraceWindow = 3 * time.Minute
	defaultParallelism = 4
)

// Sweeper periodically compares the datastore's view of channels and
// sessions against the remote broadcast service and heals divergence. It is
// deliberately pessimistic: a probe failure never triggers a corrective
// action, because acting on unknown state risks tearing down a healthy
// broadcast.
type Sweeper struct {
	repo        storage.Repository
	gateway     broadcast.Gateway
	allocator   *pool.Allocator
	logger      *slog.Logger
	recorder    *metrics.Recorder
	interval    time.Duration
	grace       time.Duration
	parallelism int
	now         func() time.Time

	mu           sync.Mutex
	notLiveSince map[string]time.Time
}

// Config wires a Sweeper. Repo, Gateway, and Allocator are required.
type Config struct {
	Repo      storage.Repository
	Gateway   broadcast.Gateway
	Allocator *pool.Allocator
	Logger    *slog.Logger
	Recorder  *metrics.Recorder

	// Interval is the pause between passes. Defaults to one minute.
	Interval time.Duration

	// GraceWindow is how long a live session may probe not-live before it
	// is force-ended. It must comfortably exceed the backend's reconnect
	// tolerance so a presenter with a flaky uplink is not cut off.
	GraceWindow time.Duration

	// Parallelism bounds concurrent remote probes per pass.
	Parallelism int

	Now func() time.Time
}

// NewSweeper validates the configuration and returns a ready Sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	s := &Sweeper{
		repo:         cfg.Repo,
		gateway:      cfg.Gateway,
		allocator:    cfg.Allocator,
		logger:       cfg.Logger,
		recorder:     cfg.Recorder,
		interval:     cfg.Interval,
		grace:        cfg.GraceWindow,
		parallelism:  cfg.Parallelism,
		now:          cfg.Now,
		notLiveSince: make(map[string]time.Time),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = metrics.Default()
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.grace <= 0 {
		s.grace = defaultGraceWindow
	}
	if s.parallelism <= 0 {
		s.parallelism = defaultParallelism
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Run executes passes at the configured interval until the context is
// cancelled. The first pass runs immediately.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("reconciliation pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single reconciliation pass: vanished-presenter
// detection over live sessions, then a channel audit for orphans, stale
// quarantines, and free channels the remote reports live.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if err := s.sweepLiveSessions(ctx); err != nil {
		return err
	}
	if err := s.auditChannels(ctx); err != nil {
		return err
	}
	if counts, err := s.repo.PoolCounts(ctx); err == nil {
		s.recorder.SetPoolGauges(counts.Total, counts.Available, counts.Busy, counts.Disabled)
	}
	s.recorder.SweepCompleted()
	return nil
}

func (s *Sweeper) sweepLiveSessions(ctx context.Context) error {
	sessions, err := s.repo.ListLiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list live sessions: %w", err)
	}
	s.pruneTracking(sessions)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for _, sess := range sessions {
		sess := sess
		group.Go(func() error {
			s.checkLiveSession(groupCtx, sess)
			return nil
		})
	}
	return group.Wait()
}

func (s *Sweeper) checkLiveSession(ctx context.Context, sess models.Session) {
	if sess.AssignedChannelID == nil {
		// Live with no channel cannot happen through the lifecycle; heal
		// it by ending the session outright.
		s.forceEnd(ctx, sess, "live session has no assigned channel")
		return
	}
	channel, err := s.repo.GetChannel(ctx, *sess.AssignedChannelID)
	if err != nil {
		s.logger.Error("sweep cannot load channel for live session",
			"session_id", sess.ID, "channel_id", *sess.AssignedChannelID, "error", err)
		return
	}

	s.recorder.ObserveGatewayAttempt("probe_live")
	status, err := s.gateway.ProbeLive(ctx, channel.RemoteRef)
	if err != nil {
		s.recorder.ObserveGatewayFailure("probe_live")
		// Unknown state: leave the session alone and restart the grace
		// clock, the presenter may still be broadcasting.
		s.clearNotLive(sess.ID)
		return
	}
	if status.Live {
		s.clearNotLive(sess.ID)
		return
	}

	firstSeen, evaluateAt := s.markNotLive(sess.ID)
	if evaluateAt.Sub(firstSeen) < s.grace {
		return
	}
	s.forceEnd(ctx, sess, "remote reports no broadcast past the grace window")
}

func (s *Sweeper) forceEnd(ctx context.Context, sess models.Session, reason string) {
	if _, err := s.repo.ForceEndSession(ctx, sess.ID, s.now()); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			s.logger.Error("force end failed", "session_id", sess.ID, "error", err)
		}
		s.clearNotLive(sess.ID)
		return
	}
	s.recorder.SessionForceEnded()
	s.recorder.ObserveSweepAction("force_end")
	s.recorder.ObserveDrift(pool.EventPresenterVanished)
	s.publish(ctx, pool.Event{
		Type:       pool.EventPresenterVanished,
		SessionID:  sess.ID,
		ObservedAt: s.now(),
		Detail:     reason,
	})
	s.logger.Warn("session force-ended",
		"session_id", sess.ID, "presenter_id", sess.PresenterID, "reason", reason)

	if sess.AssignedChannelID != nil {
		if err := s.allocator.Release(ctx, *sess.AssignedChannelID); err != nil {
			s.logger.Error("channel release failed after force end",
				"session_id", sess.ID, "channel_id", *sess.AssignedChannelID, "error", err)
		}
	}
	s.clearNotLive(sess.ID)
}

func (s *Sweeper) auditChannels(ctx context.Context) error {
	channels, err := s.repo.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for _, channel := range channels {
		channel := channel
		group.Go(func() error {
			s.auditChannel(groupCtx, channel)
			return nil
		})
	}
	return group.Wait()
}

func (s *Sweeper) auditChannel(ctx context.Context, channel models.Channel) {
	switch {
	case channel.Busy && channel.AssignedSessionID != nil:
		s.auditAssigned(ctx, channel)
	case channel.Busy:
		s.auditQuarantined(ctx, channel)
	default:
		s.auditFree(ctx, channel)
	}
}

// auditAssigned releases channels whose owning session is gone or already
// terminal. This is the crash-recovery path for a process that died between
// ending a session and freeing its channel.
func (s *Sweeper) auditAssigned(ctx context.Context, channel models.Channel) {
	sess, err := s.repo.GetSession(ctx, *channel.AssignedSessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("sweep cannot load owning session",
			"channel_id", channel.ID, "session_id", *channel.AssignedSessionID, "error", err)
		return
	}
	orphaned := errors.Is(err, storage.ErrNotFound) || sess.Status.Terminal()
	if !orphaned {
		return
	}

	s.recorder.ObserveSweepAction("release_orphan")
	s.recorder.ObserveDrift(pool.EventChannelOrphaned)
	s.publish(ctx, pool.Event{
		Type:       pool.EventChannelOrphaned,
		ChannelID:  channel.ID,
		RemoteRef:  channel.RemoteRef,
		SessionID:  *channel.AssignedSessionID,
		ObservedAt: s.now(),
		Detail:     "owning session is terminal or missing",
	})
	if err := s.allocator.Release(ctx, channel.ID); err != nil {
		s.logger.Error("orphan release failed", "channel_id", channel.ID, "error", err)
	}
}

// auditQuarantined frees quarantined channels once the remote confirms the
// rogue broadcast is gone. An error or a live report keeps the quarantine.
func (s *Sweeper) auditQuarantined(ctx context.Context, channel models.Channel) {
	s.recorder.ObserveGatewayAttempt("probe_live")
	status, err := s.gateway.ProbeLive(ctx, channel.RemoteRef)
	if err != nil {
		s.recorder.ObserveGatewayFailure("probe_live")
		return
	}
	if status.Live {
		return
	}
	s.recorder.ObserveSweepAction("release_quarantine")
	if err := s.allocator.Release(ctx, channel.ID); err != nil {
		s.logger.Error("quarantine release failed", "channel_id", channel.ID, "error", err)
		return
	}
	s.logger.Info("quarantined channel returned to rotation",
		"channel_id", channel.ID, "remote_ref", channel.RemoteRef)
}

// auditFree quarantines free channels that the remote reports live, keeping
// them out of the candidate list until the rogue broadcast stops.
func (s *Sweeper) auditFree(ctx context.Context, channel models.Channel) {
	s.recorder.ObserveGatewayAttempt("probe_live")
	status, err := s.gateway.ProbeLive(ctx, channel.RemoteRef)
	if err != nil {
		s.recorder.ObserveGatewayFailure("probe_live")
		return
	}
	if !status.Live {
		return
	}
	s.recorder.ObserveSweepAction("quarantine")
	if err := s.allocator.Quarantine(ctx, channel.ID, "sweep found remote live on a free channel"); err != nil {
		s.logger.Error("sweep quarantine failed", "channel_id", channel.ID, "error", err)
	}
}

func (s *Sweeper) markNotLive(sessionID string) (firstSeen, evaluateAt time.Time) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	first, ok := s.notLiveSince[sessionID]
	if !ok {
		first = now
		s.notLiveSince[sessionID] = first
	}
	return first, now
}

func (s *Sweeper) clearNotLive(sessionID string) {
	s.mu.Lock()
	delete(s.notLiveSince, sessionID)
	s.mu.Unlock()
}

func (s *Sweeper) pruneTracking(live []models.Session) {
	current := make(map[string]struct{}, len(live))
	for _, sess := range live {
		current[sess.ID] = struct{}{}
	}
	s.mu.Lock()
	for id := range s.notLiveSince {
		if _, ok := current[id]; !ok {
			delete(s.notLiveSince, id)
		}
	}
	s.mu.Unlock()
}

func (s *Sweeper) publish(ctx context.Context, event pool.Event) {
	if err := s.allocator.Events().Publish(ctx, event); err != nil {
		s.logger.Warn("drift event publish failed", "type", event.Type, "error", err)
	}
}
