package iothub

import "strings"

const prefixSeparator = "-"

// prefixPolicy optionally namespaces device ids on the hub so multiple
// bridges can share one IoT Hub instance.
type prefixPolicy struct {
	enabled bool
	prefix  string
}

func newPrefixPolicy(enabled bool, prefix string) prefixPolicy {
	return prefixPolicy{enabled: enabled && prefix != "", prefix: prefix}
}

// Add maps a device id to its hub name. Idempotent: an already prefixed
// name passes through unchanged.
func (p prefixPolicy) Add(name string) string {
	if !p.enabled || name == "" {
		return name
	}
	full := p.prefix + prefixSeparator
	if strings.HasPrefix(name, full) {
		return name
	}
	return full + name
}

// Remove maps a hub name back to the device id.
func (p prefixPolicy) Remove(name string) string {
	if !p.enabled {
		return name
	}
	return strings.TrimPrefix(name, p.prefix+prefixSeparator)
}
