package server

import (
	"testing"
	"time"

	"mentorlive/internal/testsupport/redisstub"
)

func TestRedisStoreFixedWindow(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	store := newRedisStore(srv.Addr(), "secret", time.Second)

	allowed, retry, err := store.Allow("start:test", 2, time.Second)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("first allow unexpected: allowed=%v retry=%v err=%v", allowed, retry, err)
	}
	allowed, _, err = store.Allow("start:test", 2, time.Second)
	if err != nil || !allowed {
		t.Fatalf("second allow unexpected: allowed=%v err=%v", allowed, err)
	}
	allowed, retry, err = store.Allow("start:test", 2, time.Second)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}
	if retry < 0 {
		t.Fatalf("expected non-negative retry, got %v", retry)
	}
}

func TestRedisStoreKeysAreIndependent(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	store := newRedisStore(srv.Addr(), "", time.Second)

	if allowed, _, err := store.Allow("start:alice", 1, time.Second); err != nil || !allowed {
		t.Fatalf("alice first attempt: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := store.Allow("start:alice", 1, time.Second); err != nil || allowed {
		t.Fatalf("alice second attempt should throttle: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := store.Allow("start:bob", 1, time.Second); err != nil || !allowed {
		t.Fatalf("bob first attempt: allowed=%v err=%v", allowed, err)
	}
}
