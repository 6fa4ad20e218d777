// Package gateway exposes the engine to remote clients over a WebSocket
// hub with an HTTP side channel. Clients authenticate with a
// per-installation token, receive a full snapshot on connect, and then
// layer incremental events on top of it.
package gateway

import (
	"crypto/subtle"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
)

// tokenFile holds the per-installation remote access token.
const tokenFile = "remote-token"

// LoadOrMintToken returns the installation's remote token, minting and
// persisting one on first startup.
func LoadOrMintToken(cfg *config.Config) (string, error) {
	path := filepath.Join(cfg.ConfigDir, tokenFile)
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	token := uuid.New().String()
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		return "", errors.PersistenceFailure("remote token", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", errors.PersistenceFailure("remote token", err)
	}
	return token, nil
}

// tokenMatches compares tokens in constant time.
func tokenMatches(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
