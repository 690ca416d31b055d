package models

import (
	"testing"
	"time"
)

func TestParseSessionStatus(t *testing.T) {
	cases := []struct {
		input string
		want  SessionStatus
		ok    bool
	}{
		{"scheduled", SessionScheduled, true},
		{" LIVE ", SessionLive, true},
		{"Ended", SessionEnded, true},
		{"cancelled", SessionCancelled, true},
		{"paused", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseSessionStatus(tc.input)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseSessionStatus(%q) = %q, %v; want %q, %v", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	if SessionScheduled.Terminal() || SessionLive.Terminal() {
		t.Fatal("scheduled and live must not be terminal")
	}
	if !SessionEnded.Terminal() || !SessionCancelled.Terminal() {
		t.Fatal("ended and cancelled must be terminal")
	}
}

func TestChannelOrphaned(t *testing.T) {
	session := "sess-1"
	assigned := Channel{Busy: true, AssignedSessionID: &session}
	if assigned.Orphaned() {
		t.Fatal("assigned channel must not be orphaned")
	}
	quarantined := Channel{Busy: true}
	if !quarantined.Orphaned() {
		t.Fatal("busy channel without assignment must be orphaned")
	}
	free := Channel{}
	if free.Orphaned() {
		t.Fatal("free channel must not be orphaned")
	}
}

func TestChannelUsageHours(t *testing.T) {
	channel := Channel{UsageSeconds: 5400}
	if got := channel.UsageHours(); got != 1.5 {
		t.Fatalf("expected 1.5 usage hours, got %v", got)
	}
}

func TestSessionOwnedBy(t *testing.T) {
	session := Session{PresenterID: "mentor-1", ScheduledAt: time.Now()}
	if !session.OwnedBy("mentor-1") {
		t.Fatal("owner check failed for matching presenter")
	}
	if session.OwnedBy("mentor-2") || session.OwnedBy("") {
		t.Fatal("owner check must reject other or empty presenters")
	}
}
