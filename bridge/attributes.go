package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/pelion"
)

// Bound on a single attribute GET.
const retrievalTimeout = time.Minute

// attributeKey maps a device-info resource path to its metadata key.
func attributeKey(uri string) string {
	switch uri {
	case "/3/0/0":
		return MetaManufacturer
	case "/3/0/1":
		return MetaModel
	case "/3/0/2":
		return MetaSerial
	}
	return ""
}

// AttributeRetriever pulls device-info resources off a device before its
// shadow is finalized. Retrievals run one goroutine per device, with at
// most one in flight per device.
type AttributeRetriever struct {
	client  *pelion.Client
	uris    []string
	enabled bool
	logger  common.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup
}

// NewAttributeRetriever builds the dispatcher. With enabled false every
// retrieval completes immediately with the record's stock metadata.
func NewAttributeRetriever(client *pelion.Client, uris []string, enabled bool, logger common.Logger) *AttributeRetriever {
	return &AttributeRetriever{
		client:  client,
		uris:    uris,
		enabled: enabled,
		logger:  logger,
		pending: map[string]struct{}{},
	}
}

// hasDeviceInfo reports whether the resource list exposes the device-info
// object the attribute URIs live under. An empty list means the resources
// are unknown and the gets are attempted anyway.
func hasDeviceInfo(resources []pelion.Resource) bool {
	if len(resources) == 0 {
		return true
	}
	for _, r := range resources {
		if strings.HasPrefix(r.Path, "/3/0") {
			return true
		}
	}
	return false
}

// Retrieve fills the record's metadata and invokes complete. A device with
// a retrieval already in flight is skipped; the running one completes it.
func (a *AttributeRetriever) Retrieve(ctx context.Context, record *DeviceRecord, complete func(*DeviceRecord)) {
	if !a.enabled || !hasDeviceInfo(record.Resources) {
		complete(record)
		return
	}

	a.mu.Lock()
	if _, busy := a.pending[record.ID]; busy {
		a.mu.Unlock()
		a.logger.Infof("bridge: attribute retrieval already running for %s", record.ID)
		return
	}
	a.pending[record.ID] = struct{}{}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.pending, record.ID)
			a.mu.Unlock()
		}()

		for _, uri := range a.uris {
			key := attributeKey(uri)
			if key == "" {
				continue
			}
			opCtx, cancel := context.WithTimeout(ctx, retrievalTimeout)
			value := a.client.EndpointResourceOperation(opCtx, "get", record.ID, uri, "", "")
			cancel()
			if value == "" || pelion.IsAsyncResponse(value) || strings.Contains(value, "api_execute_status") {
				continue
			}
			if record.Meta == nil {
				record.Meta = map[string]string{}
			}
			record.Meta[key] = value
		}
		complete(record)
	}()
}

// Wait joins all in-flight retrievals.
func (a *AttributeRetriever) Wait() {
	a.wg.Wait()
}
