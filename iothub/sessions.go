package iothub

import (
	"fmt"
	"sync"

	"github.com/DougAnsonAustinTX/pelion-bridge/transport/mqtt"
)

// SessionTable tracks at most one live MQTT session per device, bounded by
// the configured shadow cap.
type SessionTable struct {
	max int

	mu       sync.Mutex
	sessions map[string]mqtt.Connection
}

// NewSessionTable builds a table bounded at max sessions.
func NewSessionTable(max int) *SessionTable {
	return &SessionTable{
		max:      max,
		sessions: map[string]mqtt.Connection{},
	}
}

// Has reports whether a session exists for the device.
func (t *SessionTable) Has(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[deviceID]
	return ok
}

// Get returns the device's session, or nil.
func (t *SessionTable) Get(deviceID string) mqtt.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[deviceID]
}

// Add installs the device's session, replacing any existing entry for the
// same device (the caller disposes the old one first via Remove). Refuses
// to grow past the cap.
func (t *SessionTable) Add(deviceID string, conn mqtt.Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[deviceID]; !ok && t.max > 0 && len(t.sessions) >= t.max {
		return fmt.Errorf("iothub: shadow limit %d reached, not adding %s", t.max, deviceID)
	}
	t.sessions[deviceID] = conn
	return nil
}

// Remove tears the device's session down. hard skips the disconnect
// quiesce window.
func (t *SessionTable) Remove(deviceID string, hard bool) {
	t.mu.Lock()
	conn := t.sessions[deviceID]
	delete(t.sessions, deviceID)
	t.mu.Unlock()
	if conn != nil {
		conn.Disconnect(hard)
	}
}

// Count reports the number of live sessions.
func (t *SessionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// StopAll disconnects every session.
func (t *SessionTable) StopAll() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = map[string]mqtt.Connection{}
	t.mu.Unlock()
	for _, conn := range sessions {
		conn.Disconnect(true)
	}
}
