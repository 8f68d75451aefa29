// Package bridge hosts the orchestration core: the event fan-out between
// the source cloud and the peer adapters, the endpoint type registry and
// the device attribute dispatcher.
package bridge

import (
	"context"

	"github.com/DougAnsonAustinTX/pelion-bridge/pelion"
)

// Device metadata keys carried in a DeviceRecord.
const (
	MetaManufacturer = "meta_mfg"
	MetaModel        = "meta_model"
	MetaSerial       = "meta_serial"
	MetaTime         = "meta_time"
)

// Stock metadata values used until a device answers its attribute gets.
const (
	DefaultManufacturer = "ARM"
	DefaultModel        = "mbed"
	DefaultSerial       = "0.0.0"
)

// DeviceRecord is the bridge's view of one mirrored device.
type DeviceRecord struct {
	ID           string
	EndpointType string
	ETag         string
	DevURL       string
	Resources    []pelion.Resource
	Meta         map[string]string
}

// NewDeviceRecord builds a record with stock metadata filled in.
func NewDeviceRecord(id, endpointType string) *DeviceRecord {
	return &DeviceRecord{
		ID:           id,
		EndpointType: endpointType,
		Meta: map[string]string{
			MetaManufacturer: DefaultManufacturer,
			MetaModel:        DefaultModel,
			MetaSerial:       DefaultSerial,
		},
	}
}

// PeerAdapter is a downstream platform integration. The orchestrator calls
// each adapter concurrently with its siblings; within one adapter calls for
// a single batch arrive sequentially.
type PeerAdapter interface {
	// RegisterNewDevice creates the device's downstream identity and
	// brings its messaging session up.
	RegisterNewDevice(record *DeviceRecord) bool

	// CompleteNewDeviceRegistration finalizes a shadow once its metadata
	// has been collected; idempotent for an already shadowed device.
	CompleteNewDeviceRegistration(record *DeviceRecord)

	ProcessNotification(entries []pelion.NotificationEntry)
	ProcessNewRegistration(events []pelion.DeviceEvent)
	ProcessReRegistration(events []pelion.DeviceEvent)
	ProcessDeregistrations(ids []string)
	ProcessRegistrationsExpired(ids []string)
	ProcessDeviceDeletions(ids []string)
	ProcessAsyncResponses(entries []pelion.AsyncResponseEntry)

	// DeleteDevice removes the device's shadow and session entirely.
	DeleteDevice(deviceID string)

	// Stop halts all device sessions and workers.
	Stop()
}

// Orchestration is the upstream surface the adapters call back into. The
// orchestrator implements it; keeping it an interface lets adapter tests
// substitute fakes.
type Orchestration interface {
	// EndpointResourceOperation relays one CoAP verb to a device.
	EndpointResourceOperation(ctx context.Context, verb, deviceID, uri, value, options string) string

	// APIRequestOperation executes a raw source-cloud API call for a peer.
	APIRequestOperation(ctx context.Context, uri, data, options, verb string, requestID int, apiKey, callerID, contentType string) *pelion.APIResponse

	// RetrieveAttributes fills the record's metadata from the device and
	// invokes complete when done. At most one retrieval runs per device.
	RetrieveAttributes(ctx context.Context, record *DeviceRecord, complete func(*DeviceRecord))

	EndpointTypeOf(deviceID string) string
	SetEndpointType(deviceID, endpointType string)
	RemoveEndpointType(deviceID string)

	// DeviceRemovedOnDeregistration selects the deregistration policy:
	// true tears shadows down, false keeps them and marks them offline.
	DeviceRemovedOnDeregistration() bool

	// Reset restarts the notification channel after a terminal failure.
	Reset()
}
