// Package follows persists the set of machines the daemon participates
// in, so the role set survives restarts.
package follows

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/oscoin/radicle/internal/domain"
	"github.com/oscoin/radicle/internal/xjson"
)

// Registry is the durable machine-id → role map. Writes rewrite the
// file in full under a registry-wide lock; the lock is independent of
// per-machine slot locks and is never taken while one of those is
// wanted, so registry rewrites and machine mutations proceed
// concurrently. Full rewrites are fine at the scale of a personal
// daemon; at larger follow counts this becomes the bottleneck.
type Registry struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

func NewRegistry(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:   path,
		logger: logger.With("component", "follow-registry"),
	}
}

// Load reads the registry file. A missing file is an empty follow set,
// not an error; the file appears on the first write.
func (r *Registry) Load() (map[domain.MachineID]domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.logger.Debug("no registry file yet", "path", r.path)
		return map[domain.MachineID]domain.Role{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read follow registry: %w", err)
	}

	follows := map[domain.MachineID]domain.Role{}
	if len(data) == 0 {
		return follows, nil
	}
	if err := xjson.Unmarshal(data, &follows); err != nil {
		return nil, fmt.Errorf("parse follow registry %s: %w", r.path, err)
	}
	for id, role := range follows {
		if !role.Valid() {
			return nil, fmt.Errorf("parse follow registry %s: machine %s has unknown role %q", r.path, id, role)
		}
	}
	return follows, nil
}

// Write replaces the registry with the given snapshot. Serialized
// relative to other writes; the temp-file rename keeps a crash from
// leaving a torn file behind.
func (r *Registry) Write(follows map[domain.MachineID]domain.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := xjson.MarshalIndent(follows, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize follow registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".follows-*")
	if err != nil {
		return fmt.Errorf("write follow registry: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write follow registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write follow registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write follow registry: %w", err)
	}

	r.logger.Debug("registry rewritten", "machines", len(follows))
	return nil
}
