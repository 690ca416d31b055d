package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPGateway talks to the remote broadcast backend over its REST API.
// Every failure crossing the network boundary is wrapped in ErrUnavailable
// so callers can apply the pessimistic reconciliation rules uniformly.
type HTTPGateway struct {
	config Config
}

type createChannelRequest struct {
	Name string `json:"name"`
}

type createChannelResponse struct {
	Ref         string `json:"ref"`
	ChannelRef  string `json:"channelRef"`
	IngestURL   string `json:"ingestUrl"`
	PlaybackURL string `json:"playbackUrl"`
}

type liveStatusResponse struct {
	Live    bool   `json:"live"`
	Viewers int    `json:"viewers"`
	Health  string `json:"health"`
}

type streamKeyEntry struct {
	Value string `json:"value"`
}

type streamKeyListResponse struct {
	Keys []streamKeyEntry `json:"keys"`
}

func (g *HTTPGateway) CreateChannel(ctx context.Context, name string) (ChannelInfo, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ChannelInfo{}, errors.New("channel name is required")
	}
	var response createChannelResponse
	if err := g.post(ctx, g.url("/v1/channels"), createChannelRequest{Name: trimmed}, &response); err != nil {
		return ChannelInfo{}, err
	}
	ref := response.Ref
	if ref == "" {
		ref = response.ChannelRef
	}
	if ref == "" {
		return ChannelInfo{}, fmt.Errorf("%w: create channel returned no ref", ErrUnavailable)
	}
	return ChannelInfo{Ref: ref, IngestURL: response.IngestURL, PlaybackURL: response.PlaybackURL}, nil
}

// IssueOrFetchStreamKey is the single place the list-else-create decision
// lives: an existing key is always preferred over minting a fresh one, so a
// presenter's saved encoder configuration survives reallocation.
func (g *HTTPGateway) IssueOrFetchStreamKey(ctx context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", errors.New("channel ref is required")
	}
	var existing streamKeyListResponse
	if err := g.get(ctx, g.url("/v1/channels/%s/keys", ref), &existing); err != nil {
		return "", err
	}
	for _, key := range existing.Keys {
		if strings.TrimSpace(key.Value) != "" {
			return key.Value, nil
		}
	}
	var created streamKeyEntry
	if err := g.post(ctx, g.url("/v1/channels/%s/keys", ref), nil, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.Value) == "" {
		return "", fmt.Errorf("%w: backend issued an empty stream key", ErrUnavailable)
	}
	return created.Value, nil
}

func (g *HTTPGateway) ProbeLive(ctx context.Context, ref string) (LiveStatus, error) {
	if strings.TrimSpace(ref) == "" {
		return LiveStatus{}, errors.New("channel ref is required")
	}
	if g.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.ProbeTimeout)
		defer cancel()
	}
	var response liveStatusResponse
	if err := g.get(ctx, g.url("/v1/channels/%s/live", ref), &response); err != nil {
		return LiveStatus{}, err
	}
	return LiveStatus{Live: response.Live, ViewerCount: response.Viewers, Health: response.Health}, nil
}

func (g *HTTPGateway) StopStream(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return errors.New("channel ref is required")
	}
	return g.post(ctx, g.url("/v1/channels/%s/stop", ref), nil, nil)
}

func (g *HTTPGateway) DeleteChannel(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return errors.New("channel ref is required")
	}
	return g.delete(ctx, g.url("/v1/channels/%s", ref))
}

func (g *HTTPGateway) HealthChecks(ctx context.Context) []HealthStatus {
	status := HealthStatus{Component: "broadcast"}
	url := strings.TrimRight(g.config.BaseURL, "/") + g.config.HealthEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	g.authorize(req)
	resp, err := g.config.HTTPClient.Do(req)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Status = "ok"
	} else {
		status.Status = "error"
		status.Detail = resp.Status
	}
	return []HealthStatus{status}
}

func (g *HTTPGateway) url(format string, args ...interface{}) string {
	base := strings.TrimRight(g.config.BaseURL, "/")
	return base + fmt.Sprintf(format, args...)
}

func (g *HTTPGateway) authorize(req *http.Request) {
	if g.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.Token)
	}
}

func (g *HTTPGateway) post(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.do(req, dest)
}

func (g *HTTPGateway) get(ctx context.Context, url string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return g.do(req, dest)
}

func (g *HTTPGateway) delete(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	return g.do(req, nil)
}

func (g *HTTPGateway) do(req *http.Request, dest interface{}) error {
	g.authorize(req)
	resp, err := g.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
