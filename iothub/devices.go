package iothub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/DougAnsonAustinTX/pelion-bridge/bridge"
	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/credentials"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport"
)

// Registry API version the device CRUD calls pin to.
const registryAPIVersion = "api-version=2018-06-30"

// DeviceManager drives the hub's device registry over its REST surface.
type DeviceManager struct {
	http      *transport.Client
	host      string
	refresher *credentials.Refresher
	logger    common.Logger
}

// NewDeviceManager builds a registry client for one hub.
func NewDeviceManager(hc *transport.Client, host string, refresher *credentials.Refresher, logger common.Logger) *DeviceManager {
	return &DeviceManager{
		http:      hc,
		host:      host,
		refresher: refresher,
		logger:    logger,
	}
}

func (m *DeviceManager) deviceURL(name string) string {
	return fmt.Sprintf("https://%s/devices/%s?%s", m.host, name, registryAPIVersion)
}

func (m *DeviceManager) twinURL(name string) string {
	return fmt.Sprintf("https://%s/twins/%s?%s", m.host, name, registryAPIVersion)
}

// CreateDevice registers the device identity. An already registered device
// (409) counts as success.
func (m *DeviceManager) CreateDevice(ctx context.Context, name string) bool {
	body, _ := json.Marshal(map[string]string{"deviceId": name})
	_, code, err := m.http.Put(ctx, m.deviceURL(name), body, "application/json", m.refresher.Token())
	if err != nil {
		m.logger.Warnf("iothub: device create for %s failed: %s", name, err)
		return false
	}
	if code == http.StatusConflict {
		m.logger.Infof("iothub: device %s already registered", name)
		return true
	}
	if !transport.StatusOK(code) {
		m.logger.Warnf("iothub: device create for %s status %d", name, code)
		return false
	}
	return true
}

// DeleteDevice removes the device identity, matching any etag.
func (m *DeviceManager) DeleteDevice(ctx context.Context, name string) bool {
	headers := http.Header{"If-Match": []string{"*"}}
	_, code, err := m.http.DeleteWithHeaders(ctx, m.deviceURL(name), "application/json", m.refresher.Token(), headers)
	if err != nil {
		m.logger.Warnf("iothub: device delete for %s failed: %s", name, err)
		return false
	}
	if code == http.StatusNotFound {
		return true
	}
	if !transport.StatusOK(code) {
		m.logger.Warnf("iothub: device delete for %s status %d", name, code)
		return false
	}
	return true
}

// EstablishInitialTwinProperties tags the device twin with the mirrored
// device's metadata so hub-side queries can find it.
func (m *DeviceManager) EstablishInitialTwinProperties(ctx context.Context, name string, record *bridge.DeviceRecord) bool {
	tags := map[string]interface{}{
		"endpointType": record.EndpointType,
		"manufacturer": record.Meta[bridge.MetaManufacturer],
		"model":        record.Meta[bridge.MetaModel],
		"serial":       record.Meta[bridge.MetaSerial],
	}
	body, _ := json.Marshal(map[string]interface{}{"tags": tags})
	_, code, err := m.http.Patch(ctx, m.twinURL(name), body, "application/json", m.refresher.Token())
	if err != nil {
		m.logger.Warnf("iothub: twin bootstrap for %s failed: %s", name, err)
		return false
	}
	if !transport.StatusOK(code) {
		m.logger.Warnf("iothub: twin bootstrap for %s status %d", name, code)
		return false
	}
	return true
}
