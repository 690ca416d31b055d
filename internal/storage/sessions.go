package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"mentorlive/internal/models"
)

// CreateSession schedules a session. No channel is touched here; pool
// capacity is only consumed at start time.
func (s *Storage) CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error) {
	presenterID := strings.TrimSpace(params.PresenterID)
	if presenterID == "" {
		return models.Session{}, fmt.Errorf("presenter id is required")
	}
	if params.ScheduledAt.IsZero() {
		return models.Session{}, fmt.Errorf("scheduled time is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}
	now := s.now()
	session := models.Session{
		ID:             id,
		PresenterID:    presenterID,
		Topic:          strings.TrimSpace(params.Topic),
		ScheduledAt:    params.ScheduledAt.UTC(),
		PlannedMinutes: params.PlannedMinutes,
		Status:         models.SessionScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	updated := cloneDataset(s.data)
	updated.Sessions[id] = session
	if err := s.persistDataset(updated); err != nil {
		return models.Session{}, err
	}
	s.data = updated

	return session, nil
}

func (s *Storage) GetSession(ctx context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return session, nil
}

// ListSessions returns the presenter's sessions newest first. An empty
// presenter id lists every session (admin path).
func (s *Storage) ListSessions(ctx context.Context, presenterID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.Session, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		if presenterID != "" && session.PresenterID != presenterID {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].ScheduledAt.Equal(sessions[j].ScheduledAt) {
			return sessions[i].ScheduledAt.After(sessions[j].ScheduledAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func (s *Storage) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.Session, 0)
	for _, session := range s.data.Sessions {
		if session.Status == models.SessionLive {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// LiveSessionForChannel finds the live session currently holding the
// channel, if any. Used as the release precondition.
func (s *Storage) LiveSessionForChannel(ctx context.Context, channelID string) (models.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.data.Sessions {
		if session.Status != models.SessionLive {
			continue
		}
		if session.AssignedChannelID != nil && *session.AssignedChannelID == channelID {
			return session, true, nil
		}
	}
	return models.Session{}, false, nil
}

// StartSession flips a scheduled session live, recording the assigned
// channel and stream key. The channel claim itself happens earlier through
// ClaimChannel; this transition only commits the session side.
func (s *Storage) StartSession(ctx context.Context, id, channelID, streamKey string, at time.Time) (models.Session, error) {
	if strings.TrimSpace(channelID) == "" {
		return models.Session{}, fmt.Errorf("channel id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if session.Status != models.SessionScheduled {
		return models.Session{}, fmt.Errorf("%w: session %s is %s", ErrConflict, id, session.Status)
	}

	now := at.UTC()
	assigned := channelID
	session.Status = models.SessionLive
	session.AssignedChannelID = &assigned
	session.StreamKey = streamKey
	session.StartedAt = &now
	session.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Sessions[id] = session
	if err := s.persistDataset(updated); err != nil {
		return models.Session{}, err
	}
	s.data = updated

	return session, nil
}

func (s *Storage) EndSession(ctx context.Context, id string, at time.Time) (models.Session, error) {
	return s.endSession(id, at)
}

// ForceEndSession is the reconciliation path: it applies the same live→ended
// transition without an acting presenter, for sessions whose broadcast died
// without a clean end call.
func (s *Storage) ForceEndSession(ctx context.Context, id string, at time.Time) (models.Session, error) {
	return s.endSession(id, at)
}

func (s *Storage) endSession(id string, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if session.Status != models.SessionLive {
		return models.Session{}, fmt.Errorf("%w: session %s is %s", ErrConflict, id, session.Status)
	}

	now := at.UTC()
	session.Status = models.SessionEnded
	session.StreamKey = ""
	session.EndedAt = &now
	session.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Sessions[id] = session
	if err := s.persistDataset(updated); err != nil {
		return models.Session{}, err
	}
	s.data = updated

	return session, nil
}

func (s *Storage) CancelSession(ctx context.Context, id string, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if session.Status != models.SessionScheduled {
		return models.Session{}, fmt.Errorf("%w: session %s is %s", ErrConflict, id, session.Status)
	}

	now := at.UTC()
	session.Status = models.SessionCancelled
	session.EndedAt = &now
	session.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Sessions[id] = session
	if err := s.persistDataset(updated); err != nil {
		return models.Session{}, err
	}
	s.data = updated

	return session, nil
}
