package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mentorlive/internal/models"
)

// CreateChannel registers a pre-provisioned remote endpoint in the pool.
// New channels start free and enabled.
func (s *Storage) CreateChannel(ctx context.Context, params CreateChannelParams) (models.Channel, error) {
	remoteRef := strings.TrimSpace(params.RemoteRef)
	if remoteRef == "" {
		return models.Channel{}, fmt.Errorf("remote ref is required")
	}
	label := strings.TrimSpace(params.Label)
	if label == "" {
		return models.Channel{}, fmt.Errorf("label is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Channels {
		if existing.RemoteRef == remoteRef {
			return models.Channel{}, fmt.Errorf("%w: remote ref %s already registered", ErrConflict, remoteRef)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	now := s.now()
	channel := models.Channel{
		ID:          id,
		RemoteRef:   remoteRef,
		Label:       label,
		IngestURL:   strings.TrimSpace(params.IngestURL),
		PlaybackURL: strings.TrimSpace(params.PlaybackURL),
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	updated := cloneDataset(s.data)
	updated.Channels[id] = channel
	if err := s.persistDataset(updated); err != nil {
		return models.Channel{}, err
	}
	s.data = updated

	return channel, nil
}

func (s *Storage) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return models.Channel{}, fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	return channel, nil
}

func (s *Storage) ListChannels(ctx context.Context) ([]models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]models.Channel, 0, len(s.data.Channels))
	for _, channel := range s.data.Channels {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].Label < channels[j].Label
	})
	return channels, nil
}

// ListCandidateChannels returns free, enabled channels ordered least
// recently used first. Never-used channels sort ahead of everything so wear
// spreads evenly across the pool.
func (s *Storage) ListCandidateChannels(ctx context.Context) ([]models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]models.Channel, 0, len(s.data.Channels))
	for _, channel := range s.data.Channels {
		if channel.Busy || !channel.Enabled {
			continue
		}
		candidates = append(candidates, channel)
	}
	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i], candidates[j]
		switch {
		case left.LastUsedAt == nil && right.LastUsedAt == nil:
			return left.ID < right.ID
		case left.LastUsedAt == nil:
			return true
		case right.LastUsedAt == nil:
			return false
		case !left.LastUsedAt.Equal(*right.LastUsedAt):
			return left.LastUsedAt.Before(*right.LastUsedAt)
		default:
			return left.ID < right.ID
		}
	})
	return candidates, nil
}

func (s *Storage) PoolCounts(ctx context.Context) (PoolCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := PoolCounts{Total: len(s.data.Channels)}
	for _, channel := range s.data.Channels {
		switch {
		case !channel.Enabled:
			counts.Disabled++
		case channel.Busy:
			counts.Busy++
		default:
			counts.Available++
		}
	}
	return counts, nil
}

// SetChannelEnabled toggles rotation membership. Disabling never touches the
// busy flag: an assigned channel keeps serving its session and drops out of
// the candidate list on its next free cycle.
func (s *Storage) SetChannelEnabled(ctx context.Context, id string, enabled bool) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return models.Channel{}, fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	if channel.Enabled == enabled {
		return channel, nil
	}

	channel.Enabled = enabled
	channel.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Channels[id] = channel
	if err := s.persistDataset(updated); err != nil {
		return models.Channel{}, err
	}
	s.data = updated

	return channel, nil
}

func (s *Storage) DeleteChannel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[id]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	if channel.Busy {
		return fmt.Errorf("%w: channel %s is busy", ErrConflict, id)
	}

	updated := cloneDataset(s.data)
	delete(updated.Channels, id)
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated

	return nil
}

// ClaimChannel conditionally marks the channel busy for sessionID, failing
// with ErrConflict when it is already held. An empty sessionID quarantines
// the channel: busy with no owning session, which also bypasses the enabled
// check so drift on a disabled channel can still be parked.
func (s *Storage) ClaimChannel(ctx context.Context, channelID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	if channel.Busy {
		return fmt.Errorf("%w: channel %s already claimed", ErrConflict, channelID)
	}
	if sessionID != "" && !channel.Enabled {
		return fmt.Errorf("%w: channel %s is disabled", ErrConflict, channelID)
	}

	now := s.now()
	channel.Busy = true
	channel.LastAssignedAt = &now
	channel.UpdatedAt = now
	if sessionID != "" {
		assigned := sessionID
		channel.AssignedSessionID = &assigned
	} else {
		channel.AssignedSessionID = nil
	}

	updated := cloneDataset(s.data)
	updated.Channels[channelID] = channel
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated

	return nil
}

// ReleaseChannel frees the channel, accruing the usage counter from the
// last assignment. Releasing an already-free channel is a no-op so crash
// recovery can retry cleanup safely.
func (s *Storage) ReleaseChannel(ctx context.Context, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[channelID]
	if !ok {
		return false, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	if !channel.Busy {
		return false, nil
	}

	now := s.now()
	if channel.LastAssignedAt != nil {
		held := now.Sub(*channel.LastAssignedAt)
		if held > 0 {
			channel.UsageSeconds += int64(held.Seconds())
		}
	}
	channel.Busy = false
	channel.AssignedSessionID = nil
	channel.LastAssignedAt = nil
	channel.LastUsedAt = &now
	channel.UpdatedAt = now

	updated := cloneDataset(s.data)
	updated.Channels[channelID] = channel
	if err := s.persistDataset(updated); err != nil {
		return false, err
	}
	s.data = updated

	return true, nil
}
