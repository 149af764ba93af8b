// Package relay - auth.go guards /v1 endpoints with a shared bearer key.
package relay

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-relay/internal/utils"
)

// requireAuth enforces auth.proxy_key when configured. An empty key disables
// the check (local single-user deployments front the relay with nothing).
func (rl *Relay) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := rl.cfg.Auth.ProxyKey
		if key == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			rl.writeError(w, "missing authorization", http.StatusUnauthorized)
			return
		}

		presented := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("key", utils.MaskKey(presented)).
				Msg("auth: rejected bearer key")
			rl.writeError(w, "invalid authorization", http.StatusForbidden)
			return
		}

		next(w, r)
	}
}
