// Package identity persists the stable agent identity across restarts.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/fsutil"
	"github.com/prime-system/prime-agent/internal/common/id"
	"github.com/prime-system/prime-agent/internal/common/logger"
)

// Identity is the on-disk agent identity. PrimeAgentID is minted once
// on first start and never changes afterwards.
type Identity struct {
	PrimeAgentID string    `json:"prime_agent_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoaded   time.Time `json:"last_loaded"`
}

// Load reads the identity file, minting a fresh identity when the file
// does not exist yet. Every load restamps last_loaded, so the file
// doubles as a last-start marker. A present but unreadable file is an
// error; regenerating would silently orphan everything keyed on the id.
func Load(path string, log *logger.Logger) (*Identity, error) {
	logger := log.WithFields(zap.String("component", "identity"))

	ident, created, err := read(path)
	if err != nil {
		return nil, err
	}

	ident.LastLoaded = time.Now().UTC()
	if err := persist(path, ident); err != nil {
		return nil, err
	}

	if created {
		logger.Info("agent identity created", zap.String("prime_agent_id", ident.PrimeAgentID))
	} else {
		logger.Info("agent identity loaded", zap.String("prime_agent_id", ident.PrimeAgentID))
	}
	return ident, nil
}

func read(path string) (*Identity, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		now := time.Now().UTC()
		return &Identity{PrimeAgentID: id.NewAgentID(), CreatedAt: now}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read identity file: %w", err)
	}

	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, false, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	if ident.PrimeAgentID == "" {
		return nil, false, fmt.Errorf("identity file %s has no prime_agent_id", path)
	}
	return &ident, false, nil
}

// persist rewrites the identity file atomically with owner-only
// permissions.
func persist(path string, ident *Identity) error {
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity folder: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}
