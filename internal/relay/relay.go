// HTTP surface of the agent relay.
//
// DESIGN: Request flow:
//   - handleCompletions(): entry point for chat requests
//   - streamCompletions():  SSE relay with interleaved tool activity
//   - passthrough():        non-streaming forward with retry
//   - handleAbort():        explicit run cancellation
//
// Also includes models passthrough, health check, and the /stats view.
package relay

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-relay/internal/abort"
	"github.com/openclaw/agent-relay/internal/config"
	"github.com/openclaw/agent-relay/internal/monitoring"
	"github.com/openclaw/agent-relay/internal/session"
	"github.com/openclaw/agent-relay/internal/toolevents"
	"github.com/openclaw/agent-relay/internal/upstream"
)

// EndpointHeader selects a configured endpoint per request; absent means the
// default endpoint.
const EndpointHeader = "x-relay-endpoint"

// Relay wires the HTTP surface to the session router, upstream client, tool
// tailer, and abort coordinator.
type Relay struct {
	cfg         *config.Config
	client      *upstream.Client
	registry    *session.Registry
	coordinator *abort.Coordinator
	tailer      *toolevents.Tailer
	metrics     *monitoring.MetricsCollector
	store       *monitoring.Store
}

// New creates a relay. store may be nil when run history is disabled.
func New(cfg *config.Config, client *upstream.Client, registry *session.Registry,
	coordinator *abort.Coordinator, tailer *toolevents.Tailer,
	metrics *monitoring.MetricsCollector, store *monitoring.Store) *Relay {
	return &Relay{
		cfg:         cfg,
		client:      client,
		registry:    registry,
		coordinator: coordinator,
		tailer:      tailer,
		metrics:     metrics,
		store:       store,
	}
}

// Routes returns the relay's HTTP mux.
func (rl *Relay) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", rl.requireAuth(rl.handleCompletions))
	mux.HandleFunc("/v1/chat/abort", rl.requireAuth(rl.handleAbort))
	mux.HandleFunc("/v1/models", rl.requireAuth(rl.handleModels))
	mux.HandleFunc("/health", rl.handleHealth)
	mux.HandleFunc("/stats", rl.handleStats)
	return mux
}

// writeError writes a JSON error response.
func (rl *Relay) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "relay_error"},
	})
}

// endpoint resolves the per-request endpoint config and its name.
func (rl *Relay) endpoint(r *http.Request) (string, config.EndpointConfig, bool) {
	name := r.Header.Get(EndpointHeader)
	if name == "" {
		name = rl.cfg.DefaultEndpoint
	}
	ep, ok := rl.cfg.Endpoint(name)
	return name, ep, ok
}

// handleModels forwards the runtime's model list verbatim.
func (rl *Relay) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fwd := http.Header{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		fwd.Set("Authorization", auth)
	}

	resp, err := rl.client.Models(r.Context(), fwd)
	if err != nil {
		rl.writeError(w, "agent runtime unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleHealth returns relay health. The run-history store doubles as the
// degradation probe: an unanswerable database means telemetry is being lost.
func (rl *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().Format(time.RFC3339),
		"active_runs": rl.registry.Len(),
	}

	if rl.store == nil {
		// The store never opened; run history is being dropped.
		health["status"] = "degraded"
		health["run_history"] = "unavailable"
	} else if err := rl.store.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["run_history"] = "unreachable"
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// handleStats returns operational counters and recent run history.
// Restricted to localhost to prevent external access to operational metrics.
func (rl *Relay) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	stats := rl.metrics.FullStats()
	if rl.store != nil {
		runs, err := rl.store.RecentRuns(r.Context(), config.DefaultRecentRuns)
		if err != nil {
			log.Warn().Err(err).Msg("stats: recent runs query failed")
		} else {
			stats.RecentRuns = runs
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// isLoopback reports whether the remote address is a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
