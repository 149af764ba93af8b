// Package abort delivers run cancellations to the agent runtime over its
// control WebSocket.
//
// Two independent producers feed it: the explicit /v1/chat/abort endpoint and
// the relay's client-disconnect detection. Both funnel into one idempotent
// Abort operation addressed by session key. No deduplication is attempted —
// the runtime treats cancellations for unknown or finished runs as no-ops, so
// at-least-once delivery is the design: a harmless duplicate control message
// is traded for reliability against either path failing silently.
package abort

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrDeliveryFailed reports that the cancellation control message could not
// be written. Callers log it; it is never surfaced to the chat client since
// abort is advisory.
var ErrDeliveryFailed = errors.New("abort delivery failed")

// TriggerExplicit and TriggerPassive label which path requested a cancellation.
const (
	TriggerExplicit = "explicit"
	TriggerPassive  = "passive"
)

const sendTimeout = 5 * time.Second

// controlMessage is the JSON-RPC envelope the runtime's control channel accepts.
type controlMessage struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  controlParams `json:"params"`
}

type controlParams struct {
	SessionKey string `json:"session_key"`
}

// Coordinator owns the shared control connection to the agent runtime.
// Safe for concurrent use across sessions: writes are serialized, and each
// control message is self-contained (no per-call shared state).
type Coordinator struct {
	controlURL string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewCoordinator creates a coordinator for the given control URL. The
// connection is dialed lazily on first abort and reused afterwards.
func NewCoordinator(controlURL string) *Coordinator {
	return &Coordinator{controlURL: controlURL}
}

// ExplicitAbort requests cancellation on behalf of a direct control-endpoint call.
func (c *Coordinator) ExplicitAbort(ctx context.Context, sessionKey string) error {
	return c.Abort(ctx, sessionKey, TriggerExplicit)
}

// PassiveAbort requests cancellation inferred from client disconnection.
func (c *Coordinator) PassiveAbort(ctx context.Context, sessionKey string) error {
	return c.Abort(ctx, sessionKey, TriggerPassive)
}

// Abort sends one abort-run control message for sessionKey. Fire-and-forget:
// it returns once the message is written, not once the run is confirmed
// stopped — the runtime is the authority on whether a run still exists, so a
// key with no active run is a successful no-op. Safe to call repeatedly.
func (c *Coordinator) Abort(ctx context.Context, sessionKey, trigger string) error {
	if sessionKey == "" {
		log.Debug().Str("trigger", trigger).Msg("abort: no session key, nothing to address")
		return nil
	}

	msg := controlMessage{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "abort-run",
		Params:  controlParams{SessionKey: sessionKey},
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	err := c.send(sendCtx, msg)
	if err != nil {
		// The cached connection may be stale (runtime restart). One redial.
		c.dropConn()
		err = c.send(sendCtx, msg)
	}
	if err != nil {
		return fmt.Errorf("%w: session_key=%s: %v", ErrDeliveryFailed, sessionKey, err)
	}

	log.Info().
		Str("session_key", sessionKey).
		Str("trigger", trigger).
		Msg("abort: cancellation sent")
	return nil
}

// Close shuts the control connection down.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close(websocket.StatusNormalClosure, "done")
		c.conn = nil
		return err
	}
	return nil
}

func (c *Coordinator) send(ctx context.Context, msg controlMessage) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		// Reader pump dropped it between connect and write.
		return fmt.Errorf("control connection lost")
	}
	return wsjson.Write(ctx, conn, msg)
}

// connect returns the shared control connection, dialing if needed.
func (c *Coordinator) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, resp, err := websocket.Dial(ctx, toWebSocketURL(c.controlURL), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost the race to another caller; keep theirs.
		existing := c.conn
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(conn)
	return conn, nil
}

// readPump drains runtime responses so the connection's read side never backs
// up, and clears the cached connection when it dies.
func (c *Coordinator) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			break
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "read pump done")
	log.Debug().Msg("abort: control connection closed")
}

func (c *Coordinator) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "stale")
	}
}

// toWebSocketURL converts an HTTP(S) URL to a WS(S) URL.
func toWebSocketURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	if strings.HasPrefix(httpURL, "http://") {
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	// Already a ws:// or wss:// URL
	return httpURL
}
