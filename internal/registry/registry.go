// Package registry provides the in-memory device registry for the dashboard backend
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a device id is not registered.
	ErrNotFound = errors.New("device not registered")
	// ErrNotApproved is returned when registration lacks the approval flag.
	ErrNotApproved = errors.New("device not approved")
)

// Meta keys recognized by the registry.
const (
	MetaDisplayName   = "display_name"
	MetaRole          = "role"
	MetaActionCatalog = "action_catalog"
)

// Agent sentinels: a device whose role meta or capability name matches these
// accepts free-text instructions instead of fixed capability names.
const (
	AgentRoleValue      = "agent"
	AgentCapabilityName = "agent_instruction"
)

// Param describes a single capability parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Capability is a named operation a device declares it can perform.
type Capability struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Params      []Param `json:"params,omitempty"`
}

// Device holds everything the registry knows about one device.
type Device struct {
	ID           string
	Capabilities []Capability
	Meta         map[string]any
	Approved     bool
	LastSeen     time.Time
	RegisteredAt time.Time
}

// IsAgent reports whether the device accepts free-text instructions.
func (d *Device) IsAgent() bool {
	if role, ok := d.Meta[MetaRole].(string); ok && strings.TrimSpace(role) == AgentRoleValue {
		return true
	}
	for _, c := range d.Capabilities {
		if c.Name == AgentCapabilityName {
			return true
		}
	}
	return false
}

// DisplayName returns the dashboard-assigned name, or "" if unset.
func (d *Device) DisplayName() string {
	if name, ok := d.Meta[MetaDisplayName].(string); ok {
		return strings.TrimSpace(name)
	}
	return ""
}

// Label formats the device for user-facing text: friendly name plus id when
// a display name is set, otherwise the bare id.
func (d *Device) Label() string {
	if name := d.DisplayName(); name != "" {
		return fmt.Sprintf("%s (ID: %s)", name, d.ID)
	}
	return d.ID
}

// CapabilityNames returns the declared capability names in declaration order.
func (d *Device) CapabilityNames() []string {
	names := make([]string, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		names = append(names, c.Name)
	}
	return names
}

// ActionCatalog resolves the catalog shown to dashboards and the LLM: the
// device-declared catalog from meta when present, else one synthesized from
// the declared capabilities.
func (d *Device) ActionCatalog() any {
	if catalog, ok := d.Meta[MetaActionCatalog]; ok && catalog != nil {
		return catalog
	}
	if len(d.Capabilities) == 0 {
		return nil
	}
	entries := make([]map[string]any, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		entry := map[string]any{"name": c.Name}
		if c.Description != "" {
			entry["description"] = c.Description
		}
		if len(c.Params) > 0 {
			entry["params"] = c.Params
		}
		entries = append(entries, entry)
	}
	return entries
}

func (d *Device) snapshot() *Device {
	cp := *d
	cp.Capabilities = make([]Capability, len(d.Capabilities))
	for i, c := range d.Capabilities {
		cp.Capabilities[i] = c
		cp.Capabilities[i].Params = append([]Param(nil), c.Params...)
	}
	cp.Meta = make(map[string]any, len(d.Meta))
	for k, v := range d.Meta {
		cp.Meta[k] = v
	}
	return &cp
}

// Store manages registered devices
type Store struct {
	devices map[string]*Device
	mu      sync.RWMutex
}

// NewStore creates an empty device registry
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*Device),
	}
}

// Register creates or updates a device. First-time registration and updates of
// an existing unapproved device require the approval flag (a dashboard-driven
// signal, distinct from a device's own self-report); updates of an approved
// device do not. Incoming meta is merged per key so dashboard-set fields
// survive device self-reports. Returns the resulting snapshot and whether the
// device was newly created.
func (s *Store) Register(deviceID string, caps []Capability, meta map[string]any, approved bool) (*Device, bool, error) {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return nil, false, fmt.Errorf("device id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	dev, exists := s.devices[id]
	if !exists {
		if !approved {
			return nil, false, ErrNotApproved
		}
		dev = &Device{
			ID:           id,
			Meta:         make(map[string]any),
			Approved:     true,
			RegisteredAt: now,
		}
		s.devices[id] = dev
	} else if !dev.Approved && !approved {
		return nil, false, ErrNotApproved
	}

	if approved {
		dev.Approved = true
	}
	dev.Capabilities = caps
	mergeMeta(dev.Meta, meta)
	dev.LastSeen = now

	return dev.snapshot(), !exists, nil
}

// mergeMeta overlays incoming keys onto existing meta. The display name is
// trimmed; an explicit empty or non-string display name clears it. Keys absent
// from the incoming map are left untouched.
func mergeMeta(existing, incoming map[string]any) {
	for k, v := range incoming {
		if k != MetaDisplayName {
			existing[k] = v
			continue
		}
		name, ok := v.(string)
		if trimmed := strings.TrimSpace(name); ok && trimmed != "" {
			existing[MetaDisplayName] = trimmed
		} else {
			delete(existing, MetaDisplayName)
		}
	}
}

// Get returns a snapshot of a device
func (s *Store) Get(deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return dev.snapshot(), nil
}

// Exists reports whether a device id is registered
func (s *Store) Exists(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[deviceID]
	return ok
}

// List returns snapshots of all devices ordered by device id ascending
func (s *Store) List() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*Device, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, dev.snapshot())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Count returns the number of registered devices
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// SoleID returns the device id when exactly one device is registered.
func (s *Store) SoleID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.devices) != 1 {
		return "", false
	}
	for id := range s.devices {
		return id, true
	}
	return "", false
}

// Rename sets the display name, or clears it when name is blank.
func (s *Store) Rename(deviceID, name string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		dev.Meta[MetaDisplayName] = trimmed
	} else {
		delete(dev.Meta, MetaDisplayName)
	}
	dev.LastSeen = time.Now()
	return dev.snapshot(), nil
}

// Delete removes a device. Dependent queue state is purged by the caller via
// the job queue's DropDevice.
func (s *Store) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[deviceID]; !ok {
		return ErrNotFound
	}
	delete(s.devices, deviceID)
	return nil
}

// Touch updates a device's last-seen timestamp
func (s *Store) Touch(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	dev.LastSeen = time.Now()
	return true
}
