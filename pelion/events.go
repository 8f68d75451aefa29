// Package pelion talks to the source cloud: REST operations plus the
// notification channel that streams lifecycle and telemetry events.
package pelion

import (
	"bytes"
	"encoding/json"
)

// Resource is one entry of a device's LWM2M resource tree.
type Resource struct {
	Path string `json:"path"`
	RT   string `json:"rt"`
	Obs  bool   `json:"obs"`
	Type string `json:"type"`
}

// DeviceEvent is one device entry of a registration or reg-update batch.
// Newer payloads carry id/endpoint_type, older ones ep/ept.
type DeviceEvent struct {
	ID           string     `json:"id"`
	EP           string     `json:"ep"`
	EndpointType string     `json:"endpoint_type"`
	EPT          string     `json:"ept"`
	Resources    []Resource `json:"resources"`
}

// DeviceID resolves the device id across payload generations.
func (d *DeviceEvent) DeviceID() string {
	if d.ID != "" {
		return d.ID
	}
	return d.EP
}

// Type resolves the endpoint type across payload generations.
// May be empty; callers sanitize.
func (d *DeviceEvent) Type() string {
	if d.EndpointType != "" {
		return d.EndpointType
	}
	return d.EPT
}

// NotificationEntry is one telemetry observation.
type NotificationEntry struct {
	ID          string `json:"id"`
	EP          string `json:"ep"`
	Path        string `json:"path"`
	Payload     string `json:"payload"` // base64
	ContentType string `json:"ct"`
	MaxAge      int    `json:"max-age"`
}

// DeviceID resolves the device id across payload generations.
func (n *NotificationEntry) DeviceID() string {
	if n.ID != "" {
		return n.ID
	}
	return n.EP
}

// AsyncResponseEntry is one deferred CoAP reply.
type AsyncResponseEntry struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Payload string `json:"payload"` // base64
	Error   string `json:"error"`
}

// NotificationBody is one decoded channel payload. Any subset of the keys
// may be present; each present key is dispatched separately, in a fixed
// order.
type NotificationBody struct {
	Notifications        []NotificationEntry  `json:"notifications"`
	Registrations        []DeviceEvent        `json:"registrations"`
	RegUpdates           []DeviceEvent        `json:"reg-updates"`
	DeRegistrations      []string             `json:"de-registrations"`
	RegistrationsExpired []string             `json:"registrations-expired"`
	DeviceDeletions      []string             `json:"device-deletions"`
	AsyncResponses       []AsyncResponseEntry `json:"async-responses"`
}

// DecodeNotificationBody parses one raw channel payload.
func DecodeNotificationBody(b []byte) (*NotificationBody, error) {
	nb := &NotificationBody{}
	if err := json.Unmarshal(b, nb); err != nil {
		return nil, err
	}
	return nb, nil
}

// lifecycle keys participate in duplicate suppression; identical
// back-to-back lifecycle bodies cannot legitimately happen.
var lifecycleKeys = [][]byte{
	[]byte(`"de-registrations":`),
	[]byte(`"registrations-expired":`),
	[]byte(`"registrations":`),
	[]byte(`"reg-updates":`),
}

// ContainsLifecycleKey reports whether the raw body carries any
// shadow-lifecycle key. Pure telemetry bodies return false.
func ContainsLifecycleKey(b []byte) bool {
	for _, k := range lifecycleKeys {
		if bytes.Contains(b, k) {
			return true
		}
	}
	return false
}
