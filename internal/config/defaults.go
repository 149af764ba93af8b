// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultServerPort is the port the relay listens on.
const DefaultServerPort = 18793

// DefaultServerReadTimeout for HTTP request reads.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for HTTP responses (long: safe for streaming).
const DefaultServerWriteTimeout = 1000 * time.Second

// =============================================================================
// UPSTREAM
// =============================================================================

// DefaultUpstreamBaseURL is the agent runtime's OpenAI-compatible base URL.
const DefaultUpstreamBaseURL = "http://127.0.0.1:18789"

// DefaultConnectTimeout is the TCP dial timeout for upstream calls.
const DefaultConnectTimeout = 30 * time.Second

// DefaultMaxRetries is how many times a failed upstream call is retried
// while the runtime restarts.
const DefaultMaxRetries = 3

// DefaultRetryDelay is the pause before re-attempting after an upstream 5xx.
const DefaultRetryDelay = 3 * time.Second

// DefaultRecoveryTimeout bounds how long the relay waits for the runtime to
// become reachable again after a connection loss.
const DefaultRecoveryTimeout = 20 * time.Second

// =============================================================================
// SESSION ADDRESSING
// =============================================================================

// DefaultSessionHeader is the upstream header carrying the resolved session key.
const DefaultSessionHeader = "x-openclaw-session-key"

// DefaultConversationHeader is the inbound header carrying the conversation id.
const DefaultConversationHeader = "x-conversation-id"

// =============================================================================
// TOOL EVENT TAILING
// =============================================================================

// DefaultToolLogDir is where the agent runtime writes its log files.
const DefaultToolLogDir = "/tmp/openclaw"

// DefaultTailPollInterval is how often the tailer polls for new log lines.
const DefaultTailPollInterval = 50 * time.Millisecond

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxErrorBodyLen limits upstream error bodies relayed to clients and logs.
const MaxErrorBodyLen = 500

// =============================================================================
// MONITORING
// =============================================================================

// DefaultDBPath is the run-history SQLite database location.
const DefaultDBPath = "logs/relay.db"

// DefaultRecentRuns is how many run records /stats returns.
const DefaultRecentRuns = 20
