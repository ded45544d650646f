package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID returns the configured client ID, or a stable
// generated one. Generated IDs are UUIDv7, persisted in dataDir so the
// broker sees the same client across restarts and can expire the old
// session instead of accumulating ghosts.
func LoadOrCreateClientID(configured, dataDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	path := filepath.Join(dataDir, "client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}

	clientID := "pibridge-" + id.String()
	if err := os.WriteFile(path, []byte(clientID+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist client ID to %s: %w", path, err)
	}

	return clientID, nil
}
