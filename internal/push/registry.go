// Package push manages device registrations and fans notifications out
// to per-device relay endpoints.
//
// A device's push_url embeds its delivery secret. The URL is persisted
// with owner-only permissions, never returned by listings, and logged
// only as a scheme://host/first-segment prefix.
package push

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/fsutil"
	"github.com/prime-system/prime-agent/internal/common/logger"
)

// Device is one registered push binding.
type Device struct {
	InstallationID string    `json:"installation_id"`
	DeviceType     string    `json:"device_type"`
	DeviceName     string    `json:"device_name,omitempty"`
	PushURL        string    `json:"push_url"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// DeviceView is the redacted listing row. It carries everything except
// the push endpoint.
type DeviceView struct {
	InstallationID string    `json:"installation_id"`
	DeviceType     string    `json:"device_type"`
	DeviceName     string    `json:"device_name,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// registryFile is the on-disk shape of the device registry.
type registryFile struct {
	Devices []Device `json:"devices"`
}

// Registry persists device bindings in a single owner-only JSON file.
// Every mutation rewrites the file atomically.
type Registry struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	devices map[string]Device
}

// NewRegistry loads the registry at cfg.RegistryPath, starting empty
// when the file does not exist yet.
func NewRegistry(cfg config.PushConfig, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		path:    cfg.RegistryPath,
		logger:  log.WithFields(zap.String("component", "device-registry")),
		devices: make(map[string]Device),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Upsert registers a device or refreshes an existing binding. The
// registration time of a known installation is preserved.
func (r *Registry) Upsert(dev Device) (Device, error) {
	if dev.InstallationID == "" {
		return Device{}, fmt.Errorf("installation_id is required")
	}
	if dev.PushURL == "" {
		return Device{}, fmt.Errorf("push_url is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored, known := r.devices[dev.InstallationID]
	if known {
		stored.DeviceType = dev.DeviceType
		stored.DeviceName = dev.DeviceName
		stored.PushURL = dev.PushURL
		stored.LastSeen = now
	} else {
		stored = dev
		stored.RegisteredAt = now
		stored.LastSeen = now
	}
	r.devices[stored.InstallationID] = stored

	if err := r.persistLocked(); err != nil {
		return Device{}, err
	}
	r.logger.Info("device registered",
		zap.String("installation_id", stored.InstallationID),
		zap.String("device_type", stored.DeviceType),
		zap.Bool("replaced", known))
	return stored, nil
}

// Remove drops a binding. It reports whether the installation was known.
func (r *Registry) Remove(installationID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[installationID]; !ok {
		return false, nil
	}
	delete(r.devices, installationID)
	if err := r.persistLocked(); err != nil {
		return true, err
	}
	r.logger.Info("device removed", zap.String("installation_id", installationID))
	return true, nil
}

// List returns redacted rows for every binding, oldest registration
// first.
func (r *Registry) List() []DeviceView {
	views := make([]DeviceView, 0, len(r.devices))
	for _, dev := range r.snapshot(nil) {
		views = append(views, DeviceView{
			InstallationID: dev.InstallationID,
			DeviceType:     dev.DeviceType,
			DeviceName:     dev.DeviceName,
			RegisteredAt:   dev.RegisteredAt,
			LastSeen:       dev.LastSeen,
		})
	}
	return views
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// snapshot returns full bindings, optionally filtered to the given
// installation ids, oldest registration first.
func (r *Registry) snapshot(filter []string) []Device {
	wanted := make(map[string]bool, len(filter))
	for _, id := range filter {
		wanted[id] = true
	}

	r.mu.Lock()
	devices := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		if len(wanted) > 0 && !wanted[dev.InstallationID] {
			continue
		}
		devices = append(devices, dev)
	}
	r.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool {
		if !devices[i].RegisteredAt.Equal(devices[j].RegisteredAt) {
			return devices[i].RegisteredAt.Before(devices[j].RegisteredAt)
		}
		return devices[i].InstallationID < devices[j].InstallationID
	})
	return devices
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read device registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse device registry %s: %w", r.path, err)
	}
	for _, dev := range file.Devices {
		r.devices[dev.InstallationID] = dev
	}
	return nil
}

// persistLocked rewrites the registry file. The file carries delivery
// secrets, so it stays owner-only.
func (r *Registry) persistLocked() error {
	devices := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].InstallationID < devices[j].InstallationID
	})

	data, err := json.MarshalIndent(registryFile{Devices: devices}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create registry folder: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write device registry: %w", err)
	}
	return nil
}
