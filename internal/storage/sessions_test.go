package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"mentorlive/internal/models"
)

func TestSessionLifecycleTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sessionID := mustCreateSession(t, store, "presenter-1")

	session, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != models.SessionScheduled {
		t.Fatalf("new session should be scheduled, got %s", session.Status)
	}
	if session.AssignedChannelID != nil || session.StreamKey != "" {
		t.Fatal("scheduling must not assign a channel or issue a key")
	}

	startedAt := time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC)
	session, err = store.StartSession(ctx, sessionID, "chan-1", "KEY123", startedAt)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if session.Status != models.SessionLive {
		t.Fatalf("started session should be live, got %s", session.Status)
	}
	if session.AssignedChannelID == nil || *session.AssignedChannelID != "chan-1" {
		t.Fatal("start should record the assigned channel")
	}
	if session.StreamKey != "KEY123" {
		t.Fatal("start should record the stream key")
	}
	if session.StartedAt == nil || !session.StartedAt.Equal(startedAt) {
		t.Fatalf("start timestamp not recorded: %v", session.StartedAt)
	}

	endedAt := startedAt.Add(50 * time.Minute)
	session, err = store.EndSession(ctx, sessionID, endedAt)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if session.Status != models.SessionEnded {
		t.Fatalf("ended session should be ended, got %s", session.Status)
	}
	if session.StreamKey != "" {
		t.Fatal("ending must clear the stream key")
	}
	if session.AssignedChannelID == nil {
		t.Fatal("ended session keeps its channel reference for history")
	}
	if session.EndedAt == nil || !session.EndedAt.Equal(endedAt) {
		t.Fatalf("end timestamp not recorded: %v", session.EndedAt)
	}
}

func TestSessionTransitionGuards(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		prepare func(t *testing.T, id string)
		action  func(id string) error
	}{
		{
			name:    "end a scheduled session",
			prepare: func(t *testing.T, id string) {},
			action: func(id string) error {
				_, err := store.EndSession(ctx, id, now)
				return err
			},
		},
		{
			name: "start a live session twice",
			prepare: func(t *testing.T, id string) {
				if _, err := store.StartSession(ctx, id, "chan-1", "KEY", now); err != nil {
					t.Fatalf("StartSession: %v", err)
				}
			},
			action: func(id string) error {
				_, err := store.StartSession(ctx, id, "chan-2", "KEY2", now)
				return err
			},
		},
		{
			name: "cancel a live session",
			prepare: func(t *testing.T, id string) {
				if _, err := store.StartSession(ctx, id, "chan-1", "KEY", now); err != nil {
					t.Fatalf("StartSession: %v", err)
				}
			},
			action: func(id string) error {
				_, err := store.CancelSession(ctx, id, now)
				return err
			},
		},
		{
			name: "start an ended session",
			prepare: func(t *testing.T, id string) {
				if _, err := store.StartSession(ctx, id, "chan-1", "KEY", now); err != nil {
					t.Fatalf("StartSession: %v", err)
				}
				if _, err := store.EndSession(ctx, id, now.Add(time.Minute)); err != nil {
					t.Fatalf("EndSession: %v", err)
				}
			},
			action: func(id string) error {
				_, err := store.StartSession(ctx, id, "chan-1", "KEY", now)
				return err
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := mustCreateSession(t, store, "presenter-1")
			tc.prepare(t, id)
			if err := tc.action(id); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
		})
	}
}

func TestCancelSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := mustCreateSession(t, store, "presenter-1")

	at := time.Date(2024, time.March, 2, 8, 0, 0, 0, time.UTC)
	session, err := store.CancelSession(ctx, id, at)
	if err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if session.Status != models.SessionCancelled {
		t.Fatalf("expected cancelled, got %s", session.Status)
	}
	if session.AssignedChannelID != nil {
		t.Fatal("cancelled session never touched a channel")
	}
}

func TestForceEndSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := mustCreateSession(t, store, "presenter-1")
	now := time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC)

	if _, err := store.StartSession(ctx, id, "chan-1", "KEY", now); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	session, err := store.ForceEndSession(ctx, id, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ForceEndSession: %v", err)
	}
	if session.Status != models.SessionEnded || session.StreamKey != "" {
		t.Fatalf("force end should behave like a clean end, got %s key=%q", session.Status, session.StreamKey)
	}
}

func TestListSessionsScoping(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := mustCreateSession(t, store, "presenter-1")
	second := mustCreateSession(t, store, "presenter-1")
	other := mustCreateSession(t, store, "presenter-2")
	_ = other

	mine, err := store.ListSessions(ctx, "presenter-1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 sessions for presenter-1, got %d", len(mine))
	}
	if mine[0].ID != second || mine[1].ID != first {
		t.Fatal("sessions should list newest first")
	}

	all, err := store.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListSessions(all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions in admin listing, got %d", len(all))
	}
}

func TestLiveSessionForChannel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 2, 9, 0, 0, 0, time.UTC)

	liveID := mustCreateSession(t, store, "presenter-1")
	if _, err := store.StartSession(ctx, liveID, "chan-1", "KEY", now); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	session, ok, err := store.LiveSessionForChannel(ctx, "chan-1")
	if err != nil {
		t.Fatalf("LiveSessionForChannel: %v", err)
	}
	if !ok || session.ID != liveID {
		t.Fatalf("expected live session %s on chan-1, got ok=%v id=%s", liveID, ok, session.ID)
	}

	_, ok, err = store.LiveSessionForChannel(ctx, "chan-2")
	if err != nil {
		t.Fatalf("LiveSessionForChannel(empty): %v", err)
	}
	if ok {
		t.Fatal("no session is live on chan-2")
	}
}
