package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mentorlive/internal/broadcast"
	"mentorlive/internal/models"
	"mentorlive/internal/observability/metrics"
	"mentorlive/internal/storage"
)

var (
	// ErrPoolEmpty marks an allocation against a pool with no channels
	// registered at all. This is a capacity provisioning failure, not a
	// transient busy condition.
	ErrPoolEmpty = errors.New("channel pool has no channels")

	// ErrPoolExhausted marks an allocation where channels exist but every
	// one of them is busy, disabled, or unverifiable right now.
	ErrPoolExhausted = errors.New("all pool channels are busy or disabled")
)

// Allocator hands out the least-recently-used free channel, verifying against
// the remote broadcast service before committing an assignment. The
// conditional claim in the repository is the only serialization point, so any
// number of allocators can race safely.
type Allocator struct {
	repo     storage.Repository
	gateway  broadcast.Gateway
	events   Queue
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewAllocator wires an allocator over the given repository and gateway. The
// event queue, logger, and recorder fall back to process defaults when nil.
func NewAllocator(repo storage.Repository, gateway broadcast.Gateway, events Queue, logger *slog.Logger, recorder *metrics.Recorder) *Allocator {
	if events == nil {
		events = NewMemoryQueue(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Allocator{
		repo:     repo,
		gateway:  gateway,
		events:   events,
		logger:   logger,
		recorder: recorder,
	}
}

// Events exposes the drift queue so callers can subscribe to audit findings.
func (a *Allocator) Events() Queue {
	return a.events
}

// FindAndAssign walks the free channels in least-recently-used order, probes
// each against the remote service, and claims the first one that is verified
// idle. Channels the remote reports live are quarantined instead of assigned.
// Probe failures skip the channel: an unverifiable channel is treated as
// busy rather than risking a double broadcast.
func (a *Allocator) FindAndAssign(ctx context.Context, sessionID string) (models.Channel, models.Credentials, error) {
	if sessionID == "" {
		return models.Channel{}, models.Credentials{}, fmt.Errorf("session id is required")
	}

	candidates, err := a.repo.ListCandidateChannels(ctx)
	if err != nil {
		return models.Channel{}, models.Credentials{}, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return models.Channel{}, models.Credentials{}, a.noCandidateError(ctx)
	}

	for _, candidate := range candidates {
		a.recorder.ObserveGatewayAttempt("probe_live")
		status, err := a.gateway.ProbeLive(ctx, candidate.RemoteRef)
		if err != nil {
			a.recorder.ObserveGatewayFailure("probe_live")
			a.logger.Warn("channel probe failed, skipping candidate",
				"channel_id", candidate.ID, "remote_ref", candidate.RemoteRef, "error", err)
			continue
		}
		if status.Live {
			a.quarantine(ctx, candidate, "remote reports live on a free channel")
			continue
		}

		if err := a.repo.ClaimChannel(ctx, candidate.ID, sessionID); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				a.recorder.ObserveAllocation("lost_race")
				continue
			}
			return models.Channel{}, models.Credentials{}, fmt.Errorf("claim channel: %w", err)
		}

		a.recorder.ObserveGatewayAttempt("issue_key")
		streamKey, err := a.gateway.IssueOrFetchStreamKey(ctx, candidate.RemoteRef)
		if err != nil {
			a.recorder.ObserveGatewayFailure("issue_key")
			a.recorder.ObserveAllocation("gateway_error")
			a.rollbackClaim(candidate.ID)
			return models.Channel{}, models.Credentials{}, fmt.Errorf("issue stream key for channel %s: %w", candidate.ID, err)
		}

		channel, err := a.repo.GetChannel(ctx, candidate.ID)
		if err != nil {
			channel = candidate
		}
		a.recorder.ObserveAllocation("assigned")
		a.refreshPoolGauges(ctx)
		a.logger.Info("channel assigned",
			"channel_id", channel.ID, "remote_ref", channel.RemoteRef, "session_id", sessionID)
		return channel, models.Credentials{
			ChannelID:   channel.ID,
			IngestURL:   channel.IngestURL,
			PlaybackURL: channel.PlaybackURL,
			StreamKey:   streamKey,
		}, nil
	}

	a.recorder.ObserveAllocation("pool_exhausted")
	return models.Channel{}, models.Credentials{}, ErrPoolExhausted
}

func (a *Allocator) noCandidateError(ctx context.Context) error {
	counts, err := a.repo.PoolCounts(ctx)
	if err != nil {
		a.recorder.ObserveAllocation("pool_exhausted")
		return ErrPoolExhausted
	}
	if counts.Total == 0 {
		a.recorder.ObserveAllocation("pool_empty")
		a.logger.Error("channel pool has no channels, allocation cannot succeed")
		return ErrPoolEmpty
	}
	a.recorder.ObserveAllocation("pool_exhausted")
	return ErrPoolExhausted
}

// Release stops any remote broadcast on the channel and returns it to the
// free list. It refuses to release a channel that still backs a live session.
func (a *Allocator) Release(ctx context.Context, channelID string) error {
	if _, live, err := a.repo.LiveSessionForChannel(ctx, channelID); err != nil {
		return fmt.Errorf("check live session: %w", err)
	} else if live {
		return fmt.Errorf("%w: channel %s still backs a live session", storage.ErrConflict, channelID)
	}

	channel, err := a.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}

	// Stopping the remote stream is best effort. A failure here leaves the
	// remote side for the sweeper to catch; the pool slot is freed anyway.
	a.recorder.ObserveGatewayAttempt("stop_stream")
	if err := a.gateway.StopStream(ctx, channel.RemoteRef); err != nil {
		a.recorder.ObserveGatewayFailure("stop_stream")
		a.logger.Warn("remote stop failed during release",
			"channel_id", channelID, "remote_ref", channel.RemoteRef, "error", err)
	}

	released, err := a.repo.ReleaseChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("release channel: %w", err)
	}
	if released {
		a.publish(ctx, Event{
			Type:       EventChannelReleased,
			ChannelID:  channelID,
			RemoteRef:  channel.RemoteRef,
			ObservedAt: time.Now().UTC(),
		})
		a.logger.Info("channel released", "channel_id", channelID, "remote_ref", channel.RemoteRef)
	}
	a.refreshPoolGauges(ctx)
	return nil
}

// Quarantine marks a channel busy with no owning session so it drops out of
// the candidate list until an operator or the sweeper clears it.
func (a *Allocator) Quarantine(ctx context.Context, channelID, detail string) error {
	channel, err := a.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	a.quarantine(ctx, channel, detail)
	return nil
}

func (a *Allocator) quarantine(ctx context.Context, channel models.Channel, detail string) {
	if err := a.repo.ClaimChannel(ctx, channel.ID, ""); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			a.logger.Error("quarantine claim failed",
				"channel_id", channel.ID, "error", err)
			return
		}
		// Already busy; the drift event is still worth publishing.
	}
	a.recorder.ObserveDrift(EventRemoteLiveOnFree)
	a.publish(ctx, Event{
		Type:       EventRemoteLiveOnFree,
		ChannelID:  channel.ID,
		RemoteRef:  channel.RemoteRef,
		ObservedAt: time.Now().UTC(),
		Detail:     detail,
	})
	a.logger.Warn("channel quarantined",
		"channel_id", channel.ID, "remote_ref", channel.RemoteRef, "detail", detail)
}

// rollbackClaim runs on a detached context: the caller's context is often
// already expired when the rollback is needed, and the release must still
// reach the store or the channel leaks.
func (a *Allocator) rollbackClaim(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.repo.ReleaseChannel(ctx, channelID); err != nil {
		a.logger.Error("claim rollback failed, channel stays busy until the next sweep",
			"channel_id", channelID, "error", err)
	}
}

func (a *Allocator) refreshPoolGauges(ctx context.Context) {
	counts, err := a.repo.PoolCounts(ctx)
	if err != nil {
		return
	}
	a.recorder.SetPoolGauges(counts.Total, counts.Available, counts.Busy, counts.Disabled)
}

func (a *Allocator) publish(ctx context.Context, event Event) {
	if err := a.events.Publish(ctx, event); err != nil {
		a.logger.Warn("drift event publish failed", "type", event.Type, "error", err)
	}
}
