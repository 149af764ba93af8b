package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullConfig(t *testing.T) {
	yaml := `
server:
  port: 9999
  write_timeout: 500s
upstream:
  base_url: http://runtime:18789/
  max_retries: 5
endpoints:
  librechat:
    conversation_header: x-conversation-id
    session_template: "librechat:{conversationId}"
  cli:
    session_template: "cli:{conversationId}"
    vars:
      env: prod
default_endpoint: librechat
auth:
  proxy_key: sk-test
monitoring:
  log_level: debug
  db_path: /tmp/relay-test.db
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 500*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, DefaultServerReadTimeout, cfg.Server.ReadTimeout)

	// Trailing slash stripped, control URL derived from base.
	assert.Equal(t, "http://runtime:18789", cfg.Upstream.BaseURL)
	assert.Equal(t, "http://runtime:18789/ws", cfg.Upstream.ControlURL)
	assert.Equal(t, 5, cfg.Upstream.MaxRetries)

	ep, ok := cfg.Endpoint("librechat")
	require.True(t, ok)
	assert.Equal(t, "x-conversation-id", ep.ConversationHeader)
	assert.Equal(t, DefaultSessionHeader, ep.SessionHeader)

	cli, ok := cfg.Endpoint("cli")
	require.True(t, ok)
	assert.Equal(t, DefaultConversationHeader, cli.ConversationHeader)
	assert.Equal(t, "prod", cli.Vars["env"])

	// Empty name falls back to the default endpoint.
	def, ok := cfg.Endpoint("")
	require.True(t, ok)
	assert.Equal(t, ep, def)

	assert.Equal(t, "sk-test", cfg.Auth.ProxyKey)
	assert.Equal(t, "debug", cfg.Monitoring.LogLevel)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no endpoints",
			yaml: `server: {port: 1}`,
		},
		{
			name: "missing template",
			yaml: `
endpoints:
  librechat: {conversation_header: x-conversation-id}
`,
		},
		{
			name: "default endpoint not configured",
			yaml: `
endpoints:
  librechat: {session_template: "librechat:{conversationId}"}
default_endpoint: nope
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, "librechat", cfg.DefaultEndpoint)
	assert.Equal(t, DefaultUpstreamBaseURL+"/ws", cfg.Upstream.ControlURL)

	ep, ok := cfg.Endpoint("")
	require.True(t, ok)
	assert.Equal(t, "librechat:{conversationId}", ep.SessionTemplate)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_SET", "from-env")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"set variable", "${RELAY_TEST_SET}", "from-env"},
		{"set variable ignores default", "${RELAY_TEST_SET:-fallback}", "from-env"},
		{"unset with default", "${RELAY_TEST_UNSET:-fallback}", "fallback"},
		{"unset without default", "${RELAY_TEST_UNSET}", ""},
		{"embedded", "url: ${RELAY_TEST_UNSET:-http://127.0.0.1:18789}/ws", "url: http://127.0.0.1:18789/ws"},
		{"no reference", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnv(tt.in))
		})
	}
}
