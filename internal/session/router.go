// Package session derives session keys from endpoint templates and tracks
// in-flight runs so that aborts can be routed to them.
//
// A session key is the sole addressing token shared by the forward path
// (completions request) and the abort path (control message). Resolution is a
// pure function of the endpoint template and the conversation id, so a key
// can be re-derived at any time after the fact.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openclaw/agent-relay/internal/config"
)

// ErrInvalidConfiguration reports a session template referencing a variable
// that was not supplied.
var ErrInvalidConfiguration = errors.New("invalid session configuration")

// Resolve expands an endpoint's session template with the conversation id.
//
// Templates use {name} placeholders. {conversationId} is always bound; any
// other placeholder must be present in the endpoint's Vars map. Deterministic:
// identical inputs always produce identical keys.
func Resolve(ep config.EndpointConfig, conversationID string) (string, error) {
	tmpl := ep.SessionTemplate
	if tmpl == "" {
		return "", fmt.Errorf("%w: empty session_template", ErrInvalidConfiguration)
	}

	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			return "", fmt.Errorf("%w: unterminated placeholder in %q", ErrInvalidConfiguration, ep.SessionTemplate)
		}
		close += open

		b.WriteString(tmpl[:open])
		name := tmpl[open+1 : close]
		value, err := lookupVar(ep, name, conversationID)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		tmpl = tmpl[close+1:]
	}
	return b.String(), nil
}

func lookupVar(ep config.EndpointConfig, name, conversationID string) (string, error) {
	if name == "conversationId" {
		if conversationID == "" {
			return "", fmt.Errorf("%w: template %q requires a conversation id", ErrInvalidConfiguration, ep.SessionTemplate)
		}
		return conversationID, nil
	}
	if v, ok := ep.Vars[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: template variable %q is not supplied", ErrInvalidConfiguration, name)
}
