package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	err := os.WriteFile(path, []byte(`
mds_address: api.us-east-1.mbedcloud.com
api_key: ak_1234
mds_notification_type: webhook
iot_event_hub_connect_string: HostName=h.azure-devices.net;SharedAccessKeyName=kn;SharedAccessKey=k
`), 0o600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "api.us-east-1.mbedcloud.com", cfg.APIHost())
	require.Equal(t, 443, cfg.MDSPort)
	require.Equal(t, 25, cfg.WebhookNumRetries)
	require.Equal(t, 100, cfg.PaginationLimit)
	require.Equal(t, 25000, cfg.IoTHubMaxShadows)
	require.Equal(t, "default", cfg.DefaultEndpointType)
	require.True(t, cfg.APIKeyConfigured())
}

func TestAPIEndpointAddressOverride(t *testing.T) {
	cfg := Defaults()
	cfg.MDSAddress = "old.example.com"
	require.Equal(t, "old.example.com", cfg.APIHost())
	cfg.APIEndpointAddress = "new.example.com"
	require.Equal(t, "new.example.com", cfg.APIHost())
}

func TestAPIKeySentinel(t *testing.T) {
	cfg := Defaults()
	require.False(t, cfg.APIKeyConfigured())
	cfg.APIKey = "API_Key_Goes_Here"
	require.False(t, cfg.APIKeyConfigured())
	cfg.APIKey = "ak_real"
	require.True(t, cfg.APIKeyConfigured())
}

func TestAttributeURIs(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, []string{"/3/0/0", "/3/0/1", "/3/0/2"}, cfg.AttributeURIs())

	cfg.AttributeURIList = `["/3/0/0","/3/0/13"]`
	require.Equal(t, []string{"/3/0/0", "/3/0/13"}, cfg.AttributeURIs())

	cfg.AttributeURIList = `not json`
	require.Equal(t, []string{"/3/0/0", "/3/0/1", "/3/0/2"}, cfg.AttributeURIs())
}
