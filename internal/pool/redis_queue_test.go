package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mentorlive/internal/testsupport/redisstub"
)

func TestRedisQueueFanoutPlain(t *testing.T) {
	runRedisQueueIntegration(t, false)
}

func TestRedisQueueFanoutTLS(t *testing.T) {
	runRedisQueueIntegration(t, true)
}

func runRedisQueueIntegration(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	cfg := RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-drift",
		Group:        "test-auditors",
		BlockTimeout: 200 * time.Millisecond,
	}
	if useTLS {
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca file: %v", err)
		}
		cfg.TLS = RedisTLSConfig{CAFile: caPath}
	}
	queue, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	sub := queue.Subscribe()
	t.Cleanup(func() {
		sub.Close()
	})

	event := Event{
		Type:       EventChannelOrphaned,
		ChannelID:  "ch-1",
		RemoteRef:  "rtc-1",
		SessionID:  "sess-1",
		ObservedAt: time.Now().UTC().Truncate(time.Millisecond),
		Detail:     "owning session already ended",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := queue.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case received, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before delivering event")
		}
		if received.Type != event.Type {
			t.Fatalf("event type = %s, want %s", received.Type, event.Type)
		}
		if received.ChannelID != event.ChannelID || received.SessionID != event.SessionID {
			t.Fatalf("event payload mismatch: %+v", received)
		}
		if !received.ObservedAt.Equal(event.ObservedAt) {
			t.Fatalf("observed at = %v, want %v", received.ObservedAt, event.ObservedAt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for drift event")
	}
}
