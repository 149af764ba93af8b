// Package relay - abort_handler.go is the explicit cancellation endpoint.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-relay/internal/abort"
)

type abortRequest struct {
	SessionKey string `json:"session_key"`
}

type abortResponse struct {
	Status     string `json:"status"`
	SessionKey string `json:"session_key"`
	WasActive  bool   `json:"was_active"`
}

// handleAbort cancels the run under a session key. Two things happen: the
// local run context is cancelled so the user's stream ends immediately, and
// an explicit abort-run message goes to the runtime. The response is 200 on
// any well-formed input — abort is fire-and-forget, and a key with no active
// run is a legitimate no-op (the run may have just finished).
func (rl *Relay) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionKey == "" {
		rl.writeError(w, "session_key is required", http.StatusBadRequest)
		return
	}

	wasActive := rl.registry.Cancel(req.SessionKey)

	// Detached context: delivery must not die with this HTTP request.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rl.coordinator.ExplicitAbort(ctx, req.SessionKey); err != nil {
		log.Warn().Err(err).Str("session_key", req.SessionKey).Msg("explicit abort delivery failed")
		rl.metrics.RecordAbortFailure()
	} else {
		rl.metrics.RecordAbort(abort.TriggerExplicit)
	}

	log.Info().
		Str("session_key", req.SessionKey).
		Bool("was_active", wasActive).
		Msg("abort requested")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(abortResponse{
		Status:     "ok",
		SessionKey: req.SessionKey,
		WasActive:  wasActive,
	})
}
