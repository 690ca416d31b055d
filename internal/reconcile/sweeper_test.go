package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mentorlive/internal/broadcast"
	"mentorlive/internal/models"
	"mentorlive/internal/observability/metrics"
	"mentorlive/internal/pool"
	"mentorlive/internal/storage"
)

type fakeGateway struct {
	mu       sync.Mutex
	live     map[string]bool
	probeErr map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{live: make(map[string]bool), probeErr: make(map[string]error)}
}

func (g *fakeGateway) setLive(ref string, live bool) {
	g.mu.Lock()
	g.live[ref] = live
	g.mu.Unlock()
}

func (g *fakeGateway) setProbeErr(ref string, err error) {
	g.mu.Lock()
	g.probeErr[ref] = err
	g.mu.Unlock()
}

func (g *fakeGateway) CreateChannel(ctx context.Context, name string) (broadcast.ChannelInfo, error) {
	return broadcast.ChannelInfo{Ref: "fake-" + name}, nil
}

func (g *fakeGateway) IssueOrFetchStreamKey(ctx context.Context, ref string) (string, error) {
	return "key-" + ref, nil
}

func (g *fakeGateway) ProbeLive(ctx context.Context, ref string) (broadcast.LiveStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.probeErr[ref]; err != nil {
		return broadcast.LiveStatus{}, err
	}
	return broadcast.LiveStatus{Live: g.live[ref]}, nil
}

func (g *fakeGateway) StopStream(ctx context.Context, ref string) error { return nil }

func (g *fakeGateway) DeleteChannel(ctx context.Context, ref string) error { return nil }

func (g *fakeGateway) HealthChecks(ctx context.Context) []broadcast.HealthStatus {
	return []broadcast.HealthStatus{{Component: "broadcast", Status: "ok"}}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sweeperFixture struct {
	sweeper *Sweeper
	store   *storage.Storage
	gateway *fakeGateway
	clock   *manualClock
	queue   pool.Queue
}

func newFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	gateway := newFakeGateway()
	queue := pool.NewMemoryQueue(16)
	allocator := pool.NewAllocator(store, gateway, queue, nil, metrics.New())
	clock := &manualClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	sweeper, err := NewSweeper(Config{
		Repo:        store,
		Gateway:     gateway,
		Allocator:   allocator,
		Recorder:    metrics.New(),
		GraceWindow: 3 * time.Minute,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	return &sweeperFixture{sweeper: sweeper, store: store, gateway: gateway, clock: clock, queue: queue}
}

func (f *sweeperFixture) addChannel(t *testing.T, ref string) models.Channel {
	t.Helper()
	channel, err := f.store.CreateChannel(context.Background(), storage.CreateChannelParams{
		RemoteRef:   ref,
		Label:       ref,
		IngestURL:   "rtmp://ingest.example/" + ref,
		PlaybackURL: "https://play.example/" + ref + "/index.m3u8",
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return channel
}

// startLiveSession wires a live session onto a claimed channel directly
// through the repository, as the lifecycle would have.
func (f *sweeperFixture) startLiveSession(t *testing.T, channelID string) models.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.store.CreateSession(ctx, storage.CreateSessionParams{
		PresenterID:    "presenter-1",
		Topic:          "testing in Go",
		ScheduledAt:    f.clock.Now(),
		PlannedMinutes: 30,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.store.ClaimChannel(ctx, channelID, sess.ID); err != nil {
		t.Fatalf("ClaimChannel: %v", err)
	}
	started, err := f.store.StartSession(ctx, sess.ID, channelID, "KEY", f.clock.Now())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return started
}

func (f *sweeperFixture) runOnce(t *testing.T) {
	t.Helper()
	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}

func TestSweepForceEndsVanishedPresenter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	channel := f.addChannel(t, "rtc-1")
	sess := f.startLiveSession(t, channel.ID)

	// Remote never sees a broadcast. First pass starts the grace clock.
	f.runOnce(t)
	current, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if current.Status != models.SessionLive {
		t.Fatal("session must survive the grace window")
	}

	f.clock.Advance(4 * time.Minute)
	f.runOnce(t)

	current, err = f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if current.Status != models.SessionEnded {
		t.Fatalf("expected force-ended session, got %s", current.Status)
	}
	freed, err := f.store.GetChannel(ctx, channel.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if freed.Busy {
		t.Fatal("channel should return to the pool after force end")
	}
}

func TestSweepLeavesHealthyBroadcastAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	channel := f.addChannel(t, "rtc-1")
	sess := f.startLiveSession(t, channel.ID)
	f.gateway.setLive("rtc-1", true)

	f.runOnce(t)
	f.clock.Advance(time.Hour)
	f.runOnce(t)

	current, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if current.Status != models.SessionLive {
		t.Fatalf("healthy session was disturbed: %s", current.Status)
	}
}

func TestSweepProbeFailureNeverForcesEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	channel := f.addChannel(t, "rtc-1")
	sess := f.startLiveSession(t, channel.ID)
	f.gateway.setProbeErr("rtc-1", fmt.Errorf("%w: probe timeout", broadcast.ErrUnavailable))

	f.runOnce(t)
	f.clock.Advance(time.Hour)
	f.runOnce(t)

	current, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if current.Status != models.SessionLive {
		t.Fatalf("unknown remote state must not trigger action, got %s", current.Status)
	}
}

func TestSweepGraceClockResetsOnLiveObservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	channel := f.addChannel(t, "rtc-1")
	sess := f.startLiveSession(t, channel.ID)

	// Not live, then live again: the earlier observation must not count.
	f.runOnce(t)
	f.clock.Advance(2 * time.Minute)
	f.gateway.setLive("rtc-1", true)
	f.runOnce(t)

	f.gateway.setLive("rtc-1", false)
	f.clock.Advance(2 * time.Minute)
	f.runOnce(t)

	current, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if current.Status != models.SessionLive {
		t.Fatal("grace clock should restart after a live observation")
	}
}

func TestSweepReleasesOrphanedChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	channel := f.addChannel(t, "rtc-1")
	sess := f.startLiveSession(t, channel.ID)

	// Simulate a crash between ending the session and freeing the channel.
	if _, err := f.store.EndSession(ctx, sess.ID, f.clock.Now()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	sub := f.queue.Subscribe()
	defer sub.Close()
	f.runOnce(t)

	freed, err := f.store.GetChannel(ctx, channel.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if freed.Busy {
		t.Fatal("orphaned channel should be released")
	}

	foundOrphan := false
	for !foundOrphan {
		select {
		case event := <-sub.Events():
			if event.Type == pool.EventChannelOrphaned && event.ChannelID == channel.ID {
				foundOrphan = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected a channel_orphaned event")
		}
	}
}

func TestSweepQuarantinesFreeChannelWithRemoteBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	channel := f.addChannel(t, "rtc-1")
	f.gateway.setLive("rtc-1", true)

	f.runOnce(t)

	drifted, err := f.store.GetChannel(ctx, channel.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if !drifted.Busy || drifted.AssignedSessionID != nil {
		t.Fatal("free channel with a rogue broadcast should be quarantined")
	}

	// Once the rogue broadcast stops, the next pass frees the channel.
	f.gateway.setLive("rtc-1", false)
	f.runOnce(t)

	restored, err := f.store.GetChannel(ctx, channel.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if restored.Busy {
		t.Fatal("quarantine should lift once the remote is idle")
	}
}
