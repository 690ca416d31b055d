package broadcast

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnavailable marks gateway failures caused by the remote backend being
// unreachable, timing out, or answering outside the 2xx range. Callers use
// errors.Is to distinguish retryable transport trouble from domain errors.
var ErrUnavailable = errors.New("broadcast gateway unavailable")

// ChannelInfo summarises a remote broadcast endpoint created by the backend.
// Ref is the backend's resource identifier; the ingest and playback addresses
// are fixed for the lifetime of the channel.
type ChannelInfo struct {
	Ref         string `json:"ref"`
	IngestURL   string `json:"ingestUrl"`
	PlaybackURL string `json:"playbackUrl"`
}

// LiveStatus is the parsed result of a liveness probe. A probe that fails
// returns an error instead; the caller must treat that as unknown and assume
// the channel is busy. Live carries the confirmed remote state, ViewerCount
// and Health are advisory extras the backend may omit.
type LiveStatus struct {
	Live        bool   `json:"live"`
	ViewerCount int    `json:"viewers,omitempty"`
	Health      string `json:"health,omitempty"`
}

// HealthStatus captures the availability of the remote broadcast backend as
// reported by its health endpoint.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Gateway is the capability the allocator and lifecycle need from the remote
// streaming backend. Implementations must be safe for concurrent use, and
// every call honours the supplied context deadline.
type Gateway interface {
	// CreateChannel provisions a new remote broadcast endpoint.
	CreateChannel(ctx context.Context, name string) (ChannelInfo, error)

	// IssueOrFetchStreamKey returns the channel's publish key, reusing an
	// already-provisioned key when the backend reports one so a presenter's
	// configured broadcast tool keeps working across sessions.
	IssueOrFetchStreamKey(ctx context.Context, ref string) (string, error)

	// ProbeLive reports whether the channel is currently producing a live
	// broadcast. A non-nil error means the answer is unknown, which callers
	// must treat as busy.
	ProbeLive(ctx context.Context, ref string) (LiveStatus, error)

	// StopStream asks the backend to tear down an active broadcast on the
	// channel. Best effort; failures are logged by callers, not fatal.
	StopStream(ctx context.Context, ref string) error

	// DeleteChannel removes the remote endpoint. Admin path only.
	DeleteChannel(ctx context.Context, ref string) error

	// HealthChecks reports the backend's availability.
	HealthChecks(ctx context.Context) []HealthStatus
}

// NoopGateway is a Gateway for tests and deployments without a configured
// backend. Channels are fabricated deterministically, probes always report
// not live, and stream keys are stable per channel ref.
type NoopGateway struct {
	mu   sync.Mutex
	keys map[string]string
	seq  int
}

func (g *NoopGateway) CreateChannel(ctx context.Context, name string) (ChannelInfo, error) {
	g.mu.Lock()
	g.seq++
	ref := fmt.Sprintf("noop-%d", g.seq)
	g.mu.Unlock()
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	if slug == "" {
		slug = ref
	}
	return ChannelInfo{
		Ref:         ref,
		IngestURL:   fmt.Sprintf("rtmp://ingest.invalid/live/%s", slug),
		PlaybackURL: fmt.Sprintf("https://playback.invalid/%s/index.m3u8", slug),
	}, nil
}

func (g *NoopGateway) IssueOrFetchStreamKey(ctx context.Context, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = make(map[string]string)
	}
	if key, ok := g.keys[ref]; ok {
		return key, nil
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	g.keys[ref] = key
	return key, nil
}

func (g *NoopGateway) ProbeLive(ctx context.Context, ref string) (LiveStatus, error) {
	return LiveStatus{Live: false}, nil
}

func (g *NoopGateway) StopStream(ctx context.Context, ref string) error {
	return nil
}

func (g *NoopGateway) DeleteChannel(ctx context.Context, ref string) error {
	g.mu.Lock()
	delete(g.keys, ref)
	g.mu.Unlock()
	return nil
}

func (g *NoopGateway) HealthChecks(ctx context.Context) []HealthStatus {
	return []HealthStatus{{Component: "broadcast", Status: "disabled"}}
}

func generateKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}
