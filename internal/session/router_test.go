package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/agent-relay/internal/config"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name           string
		endpoint       config.EndpointConfig
		conversationID string
		expected       string
		wantErr        bool
	}{
		{
			name:           "prefix template",
			endpoint:       config.EndpointConfig{SessionTemplate: "librechat:{conversationId}"},
			conversationID: "abc123",
			expected:       "librechat:abc123",
		},
		{
			name:           "no placeholders",
			endpoint:       config.EndpointConfig{SessionTemplate: "static-key"},
			conversationID: "ignored",
			expected:       "static-key",
		},
		{
			name: "extra vars",
			endpoint: config.EndpointConfig{
				SessionTemplate: "{env}:{conversationId}",
				Vars:            map[string]string{"env": "prod"},
			},
			conversationID: "c1",
			expected:       "prod:c1",
		},
		{
			name:           "unknown variable",
			endpoint:       config.EndpointConfig{SessionTemplate: "{prefix}:{conversationId}"},
			conversationID: "c1",
			wantErr:        true,
		},
		{
			name:           "missing conversation id",
			endpoint:       config.EndpointConfig{SessionTemplate: "librechat:{conversationId}"},
			conversationID: "",
			wantErr:        true,
		},
		{
			name:           "empty template",
			endpoint:       config.EndpointConfig{},
			conversationID: "c1",
			wantErr:        true,
		},
		{
			name:           "unterminated placeholder",
			endpoint:       config.EndpointConfig{SessionTemplate: "librechat:{conversationId"},
			conversationID: "c1",
			wantErr:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.endpoint, tt.conversationID)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	ep := config.EndpointConfig{SessionTemplate: "librechat:{conversationId}"}

	first, err := Resolve(ep, "abc123")
	require.NoError(t, err)
	second, err := Resolve(ep, "abc123")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "librechat:abc123", first)
}
