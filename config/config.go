// Package config loads the bridge configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Unconfigured API keys ship with this placeholder in them.
const apiKeySentinel = "Goes_Here"

// Config holds every recognized bridge setting. Field names follow the
// classic property names so existing deployments can carry their files over.
type Config struct {
	// Source cloud (Pelion) API access.
	MDSAddress         string `yaml:"mds_address"`
	APIEndpointAddress string `yaml:"api_endpoint_address"` // overrides mds_address when set
	MDSPort            int    `yaml:"mds_port"`
	APIKey             string `yaml:"api_key"`

	// Notification channel selection.
	NotificationType string `yaml:"mds_notification_type"` // webhook | websocket | poll
	LongPollURI      string `yaml:"mds_long_poll_uri"`
	EnableLongPoll   bool   `yaml:"mds_enable_long_poll"`  // legacy
	EnableWebSocket  bool   `yaml:"mds_enable_web_socket"` // legacy

	// Webhook callback URL assembly and bring-up.
	GWAddress          string `yaml:"mds_gw_address"`
	GWPort             int    `yaml:"mds_gw_port"`
	GWContextPath      string `yaml:"mds_gw_context_path"`
	GWEventsPath       string `yaml:"mds_gw_events_path"`
	WebhookNumRetries  int    `yaml:"mds_webhook_num_retries"`
	WebhookRetryWaitMS int    `yaml:"mds_webhook_retry_wait_ms"`

	SkipValidationChecks   bool   `yaml:"mds_skip_validation_checks"`
	EnableDeviceRequestAPI bool   `yaml:"mds_enable_device_request_api"`
	EnableAttributeGets    bool   `yaml:"mds_enable_attribute_gets"`
	AttributeURIList       string `yaml:"mds_attribute_uri_list"` // JSON array of URIs
	MaxShadowCreateThreads int    `yaml:"mds_max_shadow_create_threads"`
	DefaultEndpointType    string `yaml:"mds_def_ep_type"`
	RemoveOnDeregistration bool   `yaml:"mds_remove_on_deregistration"`
	DeviceDiscoveryDelayMS int    `yaml:"mds_device_discovery_delay_ms"`
	PaginationLimit        int    `yaml:"pelion_pagination_limit"`

	// Per-peer (IoT hub) settings.
	IoTHubConnectString      string `yaml:"iot_event_hub_connect_string"`
	IoTHubSASToken           string `yaml:"iot_event_hub_sas_token"`
	IoTHubName               string `yaml:"iot_event_hub_name"`
	IoTHubMaxShadows         int    `yaml:"iot_event_hub_max_shadows"`
	IoTHubEnableDeviceprefix bool   `yaml:"iot_event_hub_enable_device_id_prefix"`
	IoTHubDevicePrefix       string `yaml:"iot_event_hub_device_id_prefix"`
	IoTHubVersionTag         string `yaml:"iot_event_hub_version_tag"`
	IoTHubMQTTIPAddress      string `yaml:"iot_event_hub_mqtt_ip_address"`
	IoTHubMQTTUsername       string `yaml:"iot_event_hub_mqtt_username"`
	IoTHubMQTTPassword       string `yaml:"iot_event_hub_mqtt_password"`
	IoTHubObserveTopic       string `yaml:"iot_event_hub_observe_notification_topic"`
	IoTHubCoAPCmdTopic       string `yaml:"iot_event_hub_coap_cmd_topic"`

	MQTTReconnectSleepMS int `yaml:"mqtt_reconnect_sleep_time_ms"`
}

// Defaults returns a Config pre-filled with the stock settings.
func Defaults() *Config {
	return &Config{
		MDSPort:                443,
		LongPollURI:            "notification/pull",
		GWContextPath:          "/events",
		GWEventsPath:           "/notify",
		GWPort:                 8234,
		WebhookNumRetries:      25,
		WebhookRetryWaitMS:     10000,
		AttributeURIList:       `["/3/0/0","/3/0/1","/3/0/2"]`,
		MaxShadowCreateThreads: 100,
		DefaultEndpointType:    "default",
		DeviceDiscoveryDelayMS: 15000,
		PaginationLimit:        100,
		IoTHubMaxShadows:       25000,
		IoTHubVersionTag:       "api-version=2016-11-14",
		IoTHubObserveTopic:     "devices/__EPNAME__/messages/events/observation",
		IoTHubCoAPCmdTopic:     "devices/__EPNAME__/messages/devicebound/#",
		MQTTReconnectSleepMS:   15000,
	}
}

// Load reads and parses the YAML config file at path on top of Defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// APIHost resolves the source cloud hostname,
// preferring api_endpoint_address over mds_address.
func (c *Config) APIHost() string {
	if c.APIEndpointAddress != "" {
		return c.APIEndpointAddress
	}
	return c.MDSAddress
}

// APIKeyConfigured reports whether the source cloud API key has been set to
// something other than its shipped placeholder.
func (c *Config) APIKeyConfigured() bool {
	return c.APIKey != "" && !strings.Contains(c.APIKey, apiKeySentinel)
}

// AttributeURIs parses mds_attribute_uri_list. A malformed list falls back
// to the default device-info resources.
func (c *Config) AttributeURIs() []string {
	var uris []string
	if err := json.Unmarshal([]byte(c.AttributeURIList), &uris); err != nil || len(uris) == 0 {
		return []string{"/3/0/0", "/3/0/1", "/3/0/2"}
	}
	return uris
}

// WebhookRetryWait is the pause between webhook bring-up attempts.
func (c *Config) WebhookRetryWait() time.Duration {
	return time.Duration(c.WebhookRetryWaitMS) * time.Millisecond
}

// DeviceDiscoveryDelay is the settling delay before the boot-time device scan.
func (c *Config) DeviceDiscoveryDelay() time.Duration {
	return time.Duration(c.DeviceDiscoveryDelayMS) * time.Millisecond
}

// MQTTReconnectSleep is the pause used while rebuilding a device session.
func (c *Config) MQTTReconnectSleep() time.Duration {
	return time.Duration(c.MQTTReconnectSleepMS) * time.Millisecond
}
