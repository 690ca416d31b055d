package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP traffic, channel
// allocation outcomes, session lifecycle events, gateway calls, and
// reconciliation activity. It coordinates concurrent writers via a RWMutex
// while exposing thread-safe gauges for active sessions and pool occupancy.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	allocations     map[string]uint64
	driftEvents     map[string]uint64
	sessionEvents   map[string]uint64
	gatewayAttempts map[string]uint64
	gatewayFailures map[string]uint64
	gatewayHealth   map[string]float64
	gatewayStatus   map[string]string
	sweepActions    map[string]uint64
	sweepRuns       uint64
	activeSessions  atomic.Int64

	poolTotal     atomic.Int64
	poolAvailable atomic.Int64
	poolBusy      atomic.Int64
	poolDisabled  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		allocations:     make(map[string]uint64),
		driftEvents:     make(map[string]uint64),
		sessionEvents:   make(map[string]uint64),
		gatewayAttempts: make(map[string]uint64),
		gatewayFailures: make(map[string]uint64),
		gatewayHealth:   make(map[string]float64),
		gatewayStatus:   make(map[string]string),
		sweepActions:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// need a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveAllocation records the outcome of a channel allocation attempt,
// e.g. "assigned", "lost_race", "pool_empty", "pool_exhausted",
// "gateway_error".
func (r *Recorder) ObserveAllocation(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.allocations[key]++
	r.mu.Unlock()
}

// ObserveDrift records a detected divergence between the datastore and the
// remote broadcast service, keyed by drift event type.
func (r *Recorder) ObserveDrift(eventType string) {
	key := normalizeName(eventType)
	r.mu.Lock()
	r.driftEvents[key]++
	r.mu.Unlock()
}

// SessionStarted records a start lifecycle event and increments the active
// session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionEnded records an end lifecycle event and decrements the active
// session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionEnded() {
	r.incrementSessionEvent("end")
	r.decrementGauge(&r.activeSessions)
}

// SessionForceEnded records a reconciliation-driven end and decrements the
// active session gauge.
func (r *Recorder) SessionForceEnded() {
	r.incrementSessionEvent("force_end")
	r.decrementGauge(&r.activeSessions)
}

// SessionCancelled records a cancellation of a scheduled session. The active
// gauge is untouched because the session never went live.
func (r *Recorder) SessionCancelled() {
	r.incrementSessionEvent("cancel")
}

func (r *Recorder) incrementSessionEvent(event string) {
	key := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[key]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SetPoolGauges updates the channel pool occupancy gauges from a counts
// snapshot.
func (r *Recorder) SetPoolGauges(total, available, busy, disabled int) {
	r.poolTotal.Store(int64(total))
	r.poolAvailable.Store(int64(available))
	r.poolBusy.Store(int64(busy))
	r.poolDisabled.Store(int64(disabled))
}

// ObserveGatewayAttempt records a broadcast gateway call keyed by operation
// name (e.g. "create_channel", "issue_key", "probe_live", "stop_stream").
func (r *Recorder) ObserveGatewayAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.gatewayAttempts[op]++
	r.mu.Unlock()
}

// ObserveGatewayFailure records a failed gateway call keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveGatewayFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.gatewayFailures[op]++
	r.mu.Unlock()
}

// SetGatewayHealth maps a reported dependency status onto a numeric health
// value and stores both representations for export.
func (r *Recorder) SetGatewayHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.gatewayHealth[normalizedService] = value
	r.gatewayStatus[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// SweepCompleted records a finished reconciliation pass.
func (r *Recorder) SweepCompleted() {
	r.mu.Lock()
	r.sweepRuns++
	r.mu.Unlock()
}

// ObserveSweepAction records a corrective action taken during reconciliation,
// e.g. "force_end", "release_orphan", "quarantine".
func (r *Recorder) ObserveSweepAction(action string) {
	key := normalizeName(action)
	r.mu.Lock()
	r.sweepActions[key]++
	r.mu.Unlock()
}

// AllocationCounts returns a copy of allocation outcome counters for testing
// and reporting purposes.
func (r *Recorder) AllocationCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.allocations))
	for k, v := range r.allocations {
		counts[k] = v
	}
	return counts
}

// GatewayCounts returns copies of gateway attempt and failure counters.
func (r *Recorder) GatewayCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.gatewayAttempts))
	for k, v := range r.gatewayAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.gatewayFailures))
	for k, v := range r.gatewayFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.allocations = make(map[string]uint64)
	r.driftEvents = make(map[string]uint64)
	r.sessionEvents = make(map[string]uint64)
	r.gatewayAttempts = make(map[string]uint64)
	r.gatewayFailures = make(map[string]uint64)
	r.gatewayHealth = make(map[string]float64)
	r.gatewayStatus = make(map[string]string)
	r.sweepActions = make(map[string]uint64)
	r.sweepRuns = 0
	r.activeSessions.Store(0)
	r.poolTotal.Store(0)
	r.poolAvailable.Store(0)
	r.poolBusy.Store(0)
	r.poolDisabled.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets to
// provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	allocations := sortedKeys(r.allocations)
	driftEvents := sortedKeys(r.driftEvents)
	sessionEvents := sortedKeys(r.sessionEvents)
	gatewayServices := sortedFloatKeys(r.gatewayHealth)
	gatewayOperations := r.sortedGatewayOperations()
	sweepActions := sortedKeys(r.sweepActions)

	fmt.Fprintln(w, "# HELP mentorlive_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mentorlive_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mentorlive_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP mentorlive_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mentorlive_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mentorlive_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP mentorlive_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE mentorlive_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mentorlive_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP mentorlive_allocation_attempts_total Channel allocation attempts by outcome")
	fmt.Fprintln(w, "# TYPE mentorlive_allocation_attempts_total counter")
	for _, outcome := range allocations {
		fmt.Fprintf(w, "mentorlive_allocation_attempts_total{outcome=\"%s\"} %d\n", outcome, r.allocations[outcome])
	}

	fmt.Fprintln(w, "# HELP mentorlive_drift_events_total Detected datastore/remote divergences by type")
	fmt.Fprintln(w, "# TYPE mentorlive_drift_events_total counter")
	for _, event := range driftEvents {
		fmt.Fprintf(w, "mentorlive_drift_events_total{type=\"%s\"} %d\n", event, r.driftEvents[event])
	}

	fmt.Fprintln(w, "# HELP mentorlive_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE mentorlive_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "mentorlive_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP mentorlive_active_sessions Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE mentorlive_active_sessions gauge")
	fmt.Fprintf(w, "mentorlive_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP mentorlive_channel_pool Channel pool occupancy by state")
	fmt.Fprintln(w, "# TYPE mentorlive_channel_pool gauge")
	fmt.Fprintf(w, "mentorlive_channel_pool{state=\"total\"} %d\n", r.poolTotal.Load())
	fmt.Fprintf(w, "mentorlive_channel_pool{state=\"available\"} %d\n", r.poolAvailable.Load())
	fmt.Fprintf(w, "mentorlive_channel_pool{state=\"busy\"} %d\n", r.poolBusy.Load())
	fmt.Fprintf(w, "mentorlive_channel_pool{state=\"disabled\"} %d\n", r.poolDisabled.Load())

	fmt.Fprintln(w, "# HELP mentorlive_gateway_health Health status reported by broadcast dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE mentorlive_gateway_health gauge")
	for _, service := range gatewayServices {
		fmt.Fprintf(w, "mentorlive_gateway_health{service=\"%s\",status=\"%s\"} %f\n", service, r.gatewayStatus[service], r.gatewayHealth[service])
	}

	fmt.Fprintln(w, "# HELP mentorlive_gateway_attempts_total Broadcast gateway calls attempted by operation")
	fmt.Fprintln(w, "# TYPE mentorlive_gateway_attempts_total counter")
	for _, op := range gatewayOperations {
		fmt.Fprintf(w, "mentorlive_gateway_attempts_total{operation=\"%s\"} %d\n", op, r.gatewayAttempts[op])
	}

	fmt.Fprintln(w, "# HELP mentorlive_gateway_failures_total Broadcast gateway call failures by operation")
	fmt.Fprintln(w, "# TYPE mentorlive_gateway_failures_total counter")
	for _, op := range gatewayOperations {
		fmt.Fprintf(w, "mentorlive_gateway_failures_total{operation=\"%s\"} %d\n", op, r.gatewayFailures[op])
	}

	fmt.Fprintln(w, "# HELP mentorlive_sweep_runs_total Completed reconciliation passes")
	fmt.Fprintln(w, "# TYPE mentorlive_sweep_runs_total counter")
	fmt.Fprintf(w, "mentorlive_sweep_runs_total %d\n", r.sweepRuns)

	fmt.Fprintln(w, "# HELP mentorlive_sweep_actions_total Corrective actions taken during reconciliation by kind")
	fmt.Fprintln(w, "# TYPE mentorlive_sweep_actions_total counter")
	for _, action := range sweepActions {
		fmt.Fprintf(w, "mentorlive_sweep_actions_total{action=\"%s\"} %d\n", action, r.sweepActions[action])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedGatewayOperations() []string {
	seen := make(map[string]struct{}, len(r.gatewayAttempts)+len(r.gatewayFailures))
	for op := range r.gatewayAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.gatewayFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveAllocation records an allocation outcome on the default recorder.
func ObserveAllocation(outcome string) {
	defaultRecorder.ObserveAllocation(outcome)
}

// ObserveDrift records a drift event on the default recorder.
func ObserveDrift(eventType string) {
	defaultRecorder.ObserveDrift(eventType)
}

// SessionStarted increments counters on the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionEnded decrements active sessions on the default recorder.
func SessionEnded() {
	defaultRecorder.SessionEnded()
}

// SetGatewayHealth updates gateway health on the default recorder.
func SetGatewayHealth(service, status string) {
	defaultRecorder.SetGatewayHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
