package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeClock hands out strictly increasing timestamps so ordering assertions
// do not depend on wall-clock resolution.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Storage, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store, err := NewStorage(filepath.Join(t.TempDir(), "data.json"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store, clock
}

func mustCreateChannel(t *testing.T, store *Storage, ref, label string) string {
	t.Helper()
	channel, err := store.CreateChannel(context.Background(), CreateChannelParams{
		RemoteRef:   ref,
		Label:       label,
		IngestURL:   "rtmp://ingest.example/" + ref,
		PlaybackURL: "https://play.example/" + ref + "/index.m3u8",
	})
	if err != nil {
		t.Fatalf("CreateChannel(%s): %v", ref, err)
	}
	return channel.ID
}

func mustCreateSession(t *testing.T, store *Storage, presenterID string) string {
	t.Helper()
	session, err := store.CreateSession(context.Background(), CreateSessionParams{
		PresenterID:    presenterID,
		Topic:          "intro to pointers",
		ScheduledAt:    time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC),
		PlannedMinutes: 45,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session.ID
}
