package relay

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/agent-relay/internal/abort"
	"github.com/openclaw/agent-relay/internal/config"
	"github.com/openclaw/agent-relay/internal/monitoring"
	"github.com/openclaw/agent-relay/internal/session"
	"github.com/openclaw/agent-relay/internal/toolevents"
	"github.com/openclaw/agent-relay/internal/upstream"
)

// controlMsg mirrors the abort-run wire shape for assertions.
type controlMsg struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		SessionKey string `json:"session_key"`
	} `json:"params"`
}

// controlRecorder is a fake runtime control channel.
type controlRecorder struct {
	*httptest.Server

	mu       sync.Mutex
	received []controlMsg
}

func newControlRecorder(t *testing.T) *controlRecorder {
	t.Helper()
	cr := &controlRecorder{}
	cr.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			var msg controlMsg
			if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
				return
			}
			cr.mu.Lock()
			cr.received = append(cr.received, msg)
			cr.mu.Unlock()
		}
	}))
	t.Cleanup(cr.Close)
	return cr
}

func (cr *controlRecorder) messages() []controlMsg {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := make([]controlMsg, len(cr.received))
	copy(out, cr.received)
	return out
}

func (cr *controlRecorder) waitForMessage(t *testing.T) controlMsg {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := cr.messages(); len(msgs) > 0 {
			return msgs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a control message")
	return controlMsg{}
}

// fixture is a fully wired relay with fakes on every boundary.
type fixture struct {
	relay    *Relay
	srv      *httptest.Server
	runtime  *httptest.Server
	control  *controlRecorder
	registry *session.Registry
	metrics  *monitoring.MetricsCollector
	store    *monitoring.Store
	logDir   string
	logPath  string
	cfg      *config.Config
}

// newFixture wires a relay against the given fake runtime handler.
// The fake runtime must also answer GET /v1/models for readiness polls.
func newFixture(t *testing.T, runtimeHandler http.HandlerFunc) *fixture {
	t.Helper()

	runtime := httptest.NewServer(runtimeHandler)
	t.Cleanup(runtime.Close)

	control := newControlRecorder(t)

	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "openclaw-20260823.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0o600))

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         runtime.URL,
			ControlURL:      control.URL,
			MaxRetries:      2,
			RetryDelay:      10 * time.Millisecond,
			RecoveryTimeout: 300 * time.Millisecond,
		},
		Endpoints: map[string]config.EndpointConfig{
			"librechat": {
				ConversationHeader: "x-conversation-id",
				SessionHeader:      "x-openclaw-session-key",
				SessionTemplate:    "librechat:{conversationId}",
			},
		},
		DefaultEndpoint: "librechat",
	}

	store, err := monitoring.OpenStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := session.NewRegistry()
	metrics := monitoring.NewMetricsCollector()
	coordinator := abort.NewCoordinator(control.URL)
	t.Cleanup(func() { _ = coordinator.Close() })

	rl := New(cfg, upstream.NewClient(runtime.URL), registry, coordinator,
		toolevents.NewTailer(logDir, 5*time.Millisecond), metrics, store)

	srv := httptest.NewServer(rl.Routes())
	t.Cleanup(srv.Close)

	return &fixture{
		relay:    rl,
		srv:      srv,
		runtime:  runtime,
		control:  control,
		registry: registry,
		metrics:  metrics,
		store:    store,
		logDir:   logDir,
		logPath:  logPath,
		cfg:      cfg,
	}
}

// appendToolLog appends runtime-format tool log lines for the tailer to pick up.
func (f *fixture) appendToolLog(t *testing.T, lines ...string) {
	t.Helper()
	fh, err := os.OpenFile(f.logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	for _, line := range lines {
		_, err := fh.WriteString(line + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, fh.Close())
}

// sseChunk renders one upstream SSE data frame with delta content.
func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"u1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`+"\n\n", content)
}

const sseFinish = `data: {"id":"u1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n" + "data: [DONE]\n\n"

// modelsAware wraps a completions handler so GET /v1/models answers 200.
func modelsAware(completions http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"claude-opus"}]}`))
			return
		}
		completions(w, r)
	}
}
