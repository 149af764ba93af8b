// Package relay - completions.go relays chat completions between the chat
// frontend and the agent runtime.
//
// DESIGN: The streaming path multiplexes two sources into one SSE response:
// upstream delta tokens and tool-activity events tailed from the runtime log.
// Tool activity is framed as :::thinking blocks, which the frontend renders
// as a collapsible live-status panel. The runtime blocks during its tool loop
// and only streams text afterwards, so without the interleave the user would
// stare at a blank response for the whole tool phase.
package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/openclaw/agent-relay/internal/abort"
	"github.com/openclaw/agent-relay/internal/config"
	"github.com/openclaw/agent-relay/internal/monitoring"
	"github.com/openclaw/agent-relay/internal/session"
	"github.com/openclaw/agent-relay/internal/toolevents"
	"github.com/openclaw/agent-relay/internal/utils"
)

func (rl *Relay) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rl.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if !gjson.ValidBytes(body) {
		rl.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	epName, ep, ok := rl.endpoint(r)
	if !ok {
		rl.writeError(w, "unknown endpoint", http.StatusBadRequest)
		return
	}

	sessionKey, err := rl.resolveSessionKey(r, ep)
	if err != nil {
		log.Error().Err(err).Str("endpoint", epName).Msg("session key resolution failed")
		rl.writeError(w, "invalid session configuration", http.StatusInternalServerError)
		return
	}

	fwd := http.Header{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		fwd.Set("Authorization", auth)
	}
	if sessionKey != "" {
		fwd.Set(ep.SessionHeader, sessionKey)
	}

	if !gjson.GetBytes(body, "stream").Bool() {
		rl.passthrough(w, r, body, fwd)
		return
	}

	rl.streamCompletions(w, r, body, epName, sessionKey, fwd)
}

// resolveSessionKey derives the session key for one request: a pre-resolved
// key from the endpoint's session header wins, else the conversation id is
// run through the template. No header at all means an empty key — the request
// still relays, it just cannot be abort-addressed.
func (rl *Relay) resolveSessionKey(r *http.Request, ep config.EndpointConfig) (string, error) {
	if key := r.Header.Get(ep.SessionHeader); key != "" {
		return key, nil
	}
	if conv := r.Header.Get(ep.ConversationHeader); conv != "" {
		return session.Resolve(ep, conv)
	}
	log.Debug().Msg("no session header, request will not be abort-addressable")
	return "", nil
}

// passthrough forwards a non-streaming request, riding out runtime restarts.
func (rl *Relay) passthrough(w http.ResponseWriter, r *http.Request, body []byte, fwd http.Header) {
	start := time.Now()
	maxRetries := rl.cfg.Upstream.MaxRetries

	var resp *http.Response
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err = rl.client.StreamCompletions(r.Context(), body, fwd)
		if err == nil {
			break
		}
		if r.Context().Err() != nil || attempt == maxRetries {
			rl.metrics.RecordRequest(false, time.Since(start))
			rl.writeError(w, "agent runtime unavailable after retries", http.StatusBadGateway)
			return
		}
		rl.metrics.RecordRetry()
		rl.client.WaitReady(r.Context(), rl.cfg.Upstream.RecoveryTimeout)
	}
	defer func() { _ = resp.Body.Close() }()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	rl.metrics.RecordRequest(resp.StatusCode < 500, time.Since(start))
}

// streamOutcome classifies how one upstream stream attempt ended.
type streamOutcome int

const (
	outcomeFinished   streamOutcome = iota // finish_reason or [DONE] seen
	outcomeDropped                         // upstream closed mid-stream
	outcomeCanceled                        // run context cancelled
	outcomeClientGone                      // write to client failed
)

func (rl *Relay) streamCompletions(w http.ResponseWriter, r *http.Request, body []byte,
	epName, sessionKey string, fwd http.Header) {

	requestID := uuid.NewString()
	forwardBody, model := prepareForwardBody(body)
	completionID := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	startedAt := time.Now()

	logger := log.With().
		Str("request_id", requestID).
		Str("session_key", sessionKey).
		Str("model", model).
		Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run := rl.registry.Begin(sessionKey, cancel)
	toolCh := rl.tailer.Tail(ctx)

	maxRetries := rl.cfg.Upstream.MaxRetries

	// First contact happens before the SSE response is committed, so a
	// runtime that is down hard still surfaces as a proper 502 instead of a
	// 200 stream full of error narration.
	resp, err := rl.client.StreamCompletions(ctx, forwardBody, fwd)
	for attempt := 0; err != nil && attempt < maxRetries && ctx.Err() == nil; attempt++ {
		rl.metrics.RecordRetry()
		rl.client.WaitReady(ctx, rl.cfg.Upstream.RecoveryTimeout)
		resp, err = rl.client.StreamCompletions(ctx, forwardBody, fwd)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("runtime unreachable before first byte")
		rl.registry.End(run)
		rl.recordRun(requestID, epName, sessionKey, model, monitoring.StatusFailed, "", 0, 0, startedAt)
		rl.writeError(w, "agent runtime unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	st := newStreamState(newSSEWriter(w), completionID, startedAt.Unix(), model)
	_ = st.sw.writeChunk(makeRoleChunk(completionID, startedAt.Unix(), model))

	// Passive abort fires at most once per request, regardless of which exit
	// path detects the disconnect.
	var passiveOnce sync.Once
	firePassive := func() {
		passiveOnce.Do(func() {
			go rl.deliverPassiveAbort(sessionKey, logger)
		})
	}

	status := monitoring.StatusFailed
	abortTrigger := ""
	retries := 0

attempts:
	for {
		if resp == nil {
			// Re-dial after a narrated retry.
			resp, err = rl.client.StreamCompletions(ctx, forwardBody, fwd)
			if err != nil {
				if ctx.Err() != nil {
					status, abortTrigger = rl.classifyCancel(r, firePassive)
					if abortTrigger == abort.TriggerExplicit {
						st.finishAborted()
					}
					break attempts
				}
				retries++
				if retries > maxRetries || !rl.narrateRetry(ctx, st,
					fmt.Sprintf("⚡ runtime connection lost, retrying (%d/%d)...\n", retries, maxRetries)) {
					st.closeThinking()
					st.emit(fmt.Sprintf("\n\n[relay error: runtime did not come back after %d retries]\n", maxRetries))
					st.stop()
					st.done()
					break attempts
				}
				continue attempts
			}
		}

		if resp.StatusCode != http.StatusOK {
			code := resp.StatusCode
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			resp = nil

			if ctx.Err() != nil {
				status, abortTrigger = rl.classifyCancel(r, firePassive)
				if abortTrigger == abort.TriggerExplicit {
					st.finishAborted()
				}
				break attempts
			}
			// 5xx smells like a runtime restart; narrate and retry.
			if code >= 500 && retries < maxRetries {
				retries++
				rl.narrateRetryStatus(ctx, st, code, retries, maxRetries)
				rl.client.WaitReady(ctx, rl.cfg.Upstream.RecoveryTimeout)
				continue attempts
			}
			st.emit("Error: " + utils.Truncate(string(errBody), config.MaxErrorBodyLen))
			st.stop()
			st.done()
			break attempts
		}

		outcome := rl.relayStream(ctx, resp.Body, toolCh, st)
		_ = resp.Body.Close()
		resp = nil

		switch outcome {
		case outcomeFinished:
			status = monitoring.StatusCompleted
			st.done()
			break attempts
		case outcomeCanceled:
			status, abortTrigger = rl.classifyCancel(r, firePassive)
			if abortTrigger == abort.TriggerExplicit {
				// The client is still connected and expects a terminated
				// stream, not a dropped one.
				st.finishAborted()
			}
			break attempts
		case outcomeClientGone:
			logger.Debug().Msg("client disconnected mid-stream")
			status = monitoring.StatusAborted
			abortTrigger = abort.TriggerPassive
			firePassive()
			break attempts
		case outcomeDropped:
			retries++
			if retries > maxRetries || !rl.narrateRetry(ctx, st,
				fmt.Sprintf("⚡ connection dropped, retrying (%d/%d)...\n", retries, maxRetries)) {
				st.closeThinking()
				st.emit("\n\n[relay error: runtime did not recover]\n")
				st.stop()
				st.done()
				break attempts
			}
		}
	}

	tokens := monitoring.EstimateTokens(st.output.String())
	rl.metrics.RecordStream()
	rl.metrics.RecordRequest(status == monitoring.StatusCompleted, time.Since(startedAt))
	rl.metrics.RecordToolEvents(st.toolEvents)
	rl.metrics.RecordOutputTokens(tokens)
	rl.recordRun(requestID, epName, sessionKey, model, status, abortTrigger, st.toolEvents, tokens, startedAt)
	rl.registry.End(run)

	logger.Info().
		Str("status", status).
		Int("tool_events", st.toolEvents).
		Int("output_tokens_est", tokens).
		Dur("elapsed", time.Since(startedAt)).
		Msg("relay complete")
}

// relayStream pumps one upstream SSE body and the tool-event channel into the
// client stream until either side terminates. Neither source may block the
// other; the select arbitrates.
func (rl *Relay) relayStream(ctx context.Context, upstreamBody io.Reader,
	toolCh <-chan toolevents.Event, st *streamState) streamOutcome {

	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult)
	go func() {
		scanner := bufio.NewScanner(upstreamBody)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- lineResult{line: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		select {
		case lines <- lineResult{err: err}:
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return outcomeCanceled

		case ev, ok := <-toolCh:
			if !ok {
				// Tailer done; nil channel blocks forever in select.
				toolCh = nil
				continue
			}
			st.handleToolEvent(ev)
			if st.sw.failed() {
				return outcomeClientGone
			}

		case res := <-lines:
			if res.err != nil {
				// Upstream closed without a finish: restart mid-stream.
				return outcomeDropped
			}

			text, finished, done, ok := parseUpstreamLine(res.line)
			if !ok {
				continue
			}
			if done {
				st.closeThinking()
				return outcomeFinished
			}
			if finished {
				st.closeThinking()
				st.stop()
				return outcomeFinished
			}
			if text == "" {
				continue
			}

			st.closeThinking()
			st.emitText(text)
			if st.sw.failed() {
				return outcomeClientGone
			}
		}
	}
}

// classifyCancel tells an explicit abort (registry cancel) apart from a
// client disconnect: only the latter owes a passive abort, the abort endpoint
// has already delivered the explicit one.
func (rl *Relay) classifyCancel(r *http.Request, firePassive func()) (string, string) {
	if r.Context().Err() != nil {
		firePassive()
		return monitoring.StatusAborted, abort.TriggerPassive
	}
	return monitoring.StatusAborted, abort.TriggerExplicit
}

// narrateRetry emits the retry notice and waits for the runtime to come back.
// Returns false when the runtime stayed down.
func (rl *Relay) narrateRetry(ctx context.Context, st *streamState, notice string) bool {
	rl.metrics.RecordRetry()
	st.openThinking()
	st.emit(notice)
	if !rl.client.WaitReady(ctx, rl.cfg.Upstream.RecoveryTimeout) {
		return false
	}
	st.emit("✅ runtime back online, retrying request...\n")
	return true
}

func (rl *Relay) narrateRetryStatus(ctx context.Context, st *streamState, code, retries, maxRetries int) {
	rl.metrics.RecordRetry()
	st.openThinking()
	st.emit(fmt.Sprintf("⚡ runtime returned %d, retrying (%d/%d)...\n", code, retries, maxRetries))

	select {
	case <-ctx.Done():
	case <-time.After(rl.cfg.Upstream.RetryDelay):
	}
}

// deliverPassiveAbort sends the disconnect-triggered cancellation on a
// detached context; the client's context is already dead.
func (rl *Relay) deliverPassiveAbort(sessionKey string, logger zerolog.Logger) {
	if sessionKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rl.coordinator.PassiveAbort(ctx, sessionKey); err != nil {
		logger.Warn().Err(err).Msg("passive abort delivery failed")
		rl.metrics.RecordAbortFailure()
		return
	}
	rl.metrics.RecordAbort(abort.TriggerPassive)
}

// recordRun persists one finished run's telemetry row.
func (rl *Relay) recordRun(id, endpoint, sessionKey, model, status, trigger string,
	toolEvents, tokens int, startedAt time.Time) {
	if rl.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := monitoring.RunRecord{
		ID:           id,
		SessionKey:   sessionKey,
		Endpoint:     endpoint,
		Model:        model,
		Status:       status,
		AbortTrigger: trigger,
		ToolEvents:   toolEvents,
		OutputTokens: tokens,
		StartedAt:    startedAt,
		FinishedAt:   time.Now(),
	}
	if err := rl.store.RecordRun(ctx, rec); err != nil {
		log.Warn().Err(err).Str("run_id", id).Msg("run history write failed")
	}
}

// streamState tracks one streaming response: thinking-block framing, the
// currently active tool call, and which calls already reported a failure
// (their "completed" line is suppressed).
type streamState struct {
	sw      *sseWriter
	id      string
	created int64
	model   string

	thinkingOpen bool
	activeTool   *toolevents.Event
	failedCalls  map[string]struct{}
	toolEvents   int
	output       strings.Builder
	stopSent     bool
	doneSent     bool
}

func newStreamState(sw *sseWriter, id string, created int64, model string) *streamState {
	return &streamState{
		sw:          sw,
		id:          id,
		created:     created,
		model:       model,
		failedCalls: make(map[string]struct{}),
	}
}

// emit writes a relay-originated content chunk (narration, tool lines).
func (st *streamState) emit(text string) {
	_ = st.sw.writeChunk(makeChunk(st.id, st.created, st.model, text, nil))
}

// emitText writes an upstream token and counts it toward the output estimate.
func (st *streamState) emitText(text string) {
	st.output.WriteString(text)
	st.emit(text)
}

func (st *streamState) openThinking() {
	if !st.thinkingOpen {
		st.emit(":::thinking\n")
		st.thinkingOpen = true
	}
}

func (st *streamState) closeThinking() {
	if st.thinkingOpen {
		st.emit("\n:::\n")
		st.thinkingOpen = false
	}
}

func (st *streamState) handleToolEvent(ev toolevents.Event) {
	st.toolEvents++
	st.openThinking()

	switch ev.Type {
	case toolevents.TypeStart:
		st.activeTool = &ev
		st.emit(fmt.Sprintf("[%s] started\n", ev.Tool))
	case toolevents.TypeDetail:
		if st.activeTool != nil && st.activeTool.Tool == ev.Tool {
			st.failedCalls[st.activeTool.CallID] = struct{}{}
		}
		st.emit(fmt.Sprintf("[%s] FAILED: %s\n", ev.Tool, ev.Message))
	case toolevents.TypeEnd:
		if _, failed := st.failedCalls[ev.CallID]; !failed {
			st.emit(fmt.Sprintf("[%s] completed\n", ev.Tool))
		}
		st.activeTool = nil
	}
}

// finishAborted closes out the stream after an explicit abort: any open
// thinking block is closed and the finish chunk plus [DONE] go out so the
// frontend sees a completed response rather than a truncated one.
func (st *streamState) finishAborted() {
	st.closeThinking()
	st.stop()
	st.done()
}

func (st *streamState) stop() {
	if st.stopSent {
		return
	}
	st.stopSent = true
	reason := "stop"
	_ = st.sw.writeChunk(makeChunk(st.id, st.created, st.model, "", &reason))
}

func (st *streamState) done() {
	if st.doneSent {
		return
	}
	st.doneSent = true
	_ = st.sw.writeRaw("data: [DONE]\n\n")
}
