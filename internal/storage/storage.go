package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mentorlive/internal/models"
)

type dataset struct {
	Channels map[string]models.Channel `json:"channels"`
	Sessions map[string]models.Session `json:"sessions"`
}

// Storage is the JSON-file Repository driver. It serialises all access
// through a RWMutex and persists every mutation with an atomic temp-file
// rename, matching the durability model of a single-process development
// deployment. Multi-process deployments use the Postgres driver instead.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	nowFunc         func() time.Time
}

func newDataset() dataset {
	return dataset{
		Channels: make(map[string]models.Channel),
		Sessions: make(map[string]models.Session),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Channels == nil {
		s.data.Channels = make(map[string]models.Channel)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.Session)
	}
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.applyJSON(store)
	}
	if store.nowFunc == nil {
		store.nowFunc = func() time.Time { return time.Now().UTC() }
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) now() time.Time {
	return s.nowFunc().UTC()
}

// Ping reports whether the backing file's directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()

	for id, channel := range src.Channels {
		cloned := channel
		if channel.AssignedSessionID != nil {
			assigned := *channel.AssignedSessionID
			cloned.AssignedSessionID = &assigned
		}
		if channel.LastUsedAt != nil {
			used := *channel.LastUsedAt
			cloned.LastUsedAt = &used
		}
		if channel.LastAssignedAt != nil {
			assigned := *channel.LastAssignedAt
			cloned.LastAssignedAt = &assigned
		}
		clone.Channels[id] = cloned
	}

	for id, session := range src.Sessions {
		cloned := session
		if session.AssignedChannelID != nil {
			channelID := *session.AssignedChannelID
			cloned.AssignedChannelID = &channelID
		}
		if session.StartedAt != nil {
			started := *session.StartedAt
			cloned.StartedAt = &started
		}
		if session.EndedAt != nil {
			ended := *session.EndedAt
			cloned.EndedAt = &ended
		}
		clone.Sessions[id] = cloned
	}

	return clone
}
