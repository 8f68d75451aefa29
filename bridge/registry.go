package bridge

import (
	"strings"
	"sync"
)

// TypeRegistry tracks each device's endpoint type. Registrations may omit
// or mangle the type; the registry is the single source of truth for it.
type TypeRegistry struct {
	defaultType string

	mu    sync.RWMutex
	types map[string]string
}

// NewTypeRegistry builds a registry with the given fallback type.
func NewTypeRegistry(defaultType string) *TypeRegistry {
	if defaultType == "" {
		defaultType = "default"
	}
	return &TypeRegistry{
		defaultType: defaultType,
		types:       map[string]string{},
	}
}

// Sanitize maps reserved and empty type strings to the default type.
// "null" and "reg-update" leak out of upstream payload bugs.
func (r *TypeRegistry) Sanitize(endpointType string) string {
	t := strings.TrimSpace(endpointType)
	switch {
	case t == "":
		return r.defaultType
	case strings.Contains(t, "null"):
		return r.defaultType
	case strings.Contains(t, "reg-update"):
		return r.defaultType
	}
	return t
}

// Set records the sanitized type for a device.
func (r *TypeRegistry) Set(deviceID, endpointType string) {
	r.mu.Lock()
	r.types[deviceID] = r.Sanitize(endpointType)
	r.mu.Unlock()
}

// Get returns the recorded type, or the default for unknown devices.
func (r *TypeRegistry) Get(deviceID string) string {
	r.mu.RLock()
	t, ok := r.types[deviceID]
	r.mu.RUnlock()
	if !ok {
		return r.defaultType
	}
	return t
}

// Remove forgets a device.
func (r *TypeRegistry) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.types, deviceID)
	r.mu.Unlock()
}

// Count reports the number of tracked devices.
func (r *TypeRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
