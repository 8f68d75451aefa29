package pelion

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/config"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport"
)

// API versions for the two Pelion API families.
const (
	connectAPIVersion = "/v2" // endpoints, subscriptions, notifications
	deviceAPIVersion  = "/v3" // device directory, accounts
)

// Client issues REST operations against the source cloud.
type Client struct {
	http             *transport.Client
	host             string
	port             int
	apiKey           string
	limit            int
	longPollURI      string
	deviceRequestAPI bool
	logger           common.Logger
}

// NewClient builds a source-cloud client from the bridge config.
func NewClient(cfg *config.Config, http *transport.Client, logger common.Logger) *Client {
	return &Client{
		http:             http,
		host:             cfg.APIHost(),
		port:             cfg.MDSPort,
		apiKey:           cfg.APIKey,
		limit:            cfg.PaginationLimit,
		longPollURI:      cfg.LongPollURI,
		deviceRequestAPI: cfg.EnableDeviceRequestAPI,
		logger:           logger,
	}
}

func (c *Client) baseURL(version string) string {
	return fmt.Sprintf("https://%s:%d%s", c.host, c.port, version)
}

func (c *Client) bearer() string {
	return "Bearer " + c.apiKey
}

// AuthenticationHash is the reproducible hash the bridge installs in the
// webhook descriptor and later recomputes to validate inbound requests.
func (c *Client) AuthenticationHash() string {
	sum := sha256.Sum256([]byte(c.apiKey))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// DeviceInfo is one device directory record.
type DeviceInfo struct {
	ID           string `json:"id"`
	EndpointName string `json:"endpoint_name"`
	EndpointType string `json:"endpoint_type"`
	ETag         string `json:"etag"`
	State        string `json:"state"`
}

type devicePage struct {
	Data    []DeviceInfo `json:"data"`
	HasMore bool         `json:"has_more"`
}

// DiscoverRegisteredDevices walks the paginated device directory and
// returns all registered devices as a single list, page order preserved.
func (c *Client) DiscoverRegisteredDevices(ctx context.Context) ([]DeviceInfo, error) {
	var all []DeviceInfo
	after := ""
	for {
		url := c.baseURL(deviceAPIVersion) +
			fmt.Sprintf("/devices?filter=state=registered&limit=%d&order=ASC", c.limit)
		if after != "" {
			url += "&after=" + after
		}
		b, status, err := c.http.Get(ctx, url, "", c.bearer())
		if err != nil {
			return all, err
		}
		if !transport.StatusOK(status) {
			return all, fmt.Errorf("pelion: device discovery status %d", status)
		}
		var page devicePage
		if err := json.Unmarshal(b, &page); err != nil {
			return all, fmt.Errorf("pelion: device discovery parse: %w", err)
		}
		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return all, nil
		}
		after = page.Data[len(page.Data)-1].ID
	}
}

// DiscoverDeviceResources lists a single device's resource tree.
func (c *Client) DiscoverDeviceResources(ctx context.Context, deviceID string) ([]Resource, error) {
	url := c.baseURL(connectAPIVersion) + "/endpoints/" + deviceID
	b, status, err := c.http.Get(ctx, url, "", c.bearer())
	if err != nil {
		return nil, err
	}
	if !transport.StatusOK(status) {
		return nil, fmt.Errorf("pelion: resource discovery for %s status %d", deviceID, status)
	}
	var resources []Resource
	if err := json.Unmarshal(b, &resources); err != nil {
		return nil, fmt.Errorf("pelion: resource discovery parse: %w", err)
	}
	return resources, nil
}

// SetupBulkSubscriptions asks the source cloud to notify on every endpoint
// and resource. Success is HTTP 204.
func (c *Client) SetupBulkSubscriptions(ctx context.Context) bool {
	url := c.baseURL(connectAPIVersion) + "/subscriptions"
	body := []byte(`[{"endpoint-name":"*"}]`)
	_, status, err := c.http.Put(ctx, url, body, "application/json", c.bearer())
	if err != nil {
		c.logger.Warnf("pelion: bulk subscription request failed: %s", err)
		return false
	}
	if status != http.StatusNoContent {
		c.logger.Warnf("pelion: bulk subscription status %d", status)
		return false
	}
	return true
}

// Tenant describes the account the API key belongs to.
type Tenant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// TenantInfo fetches the account record for the configured API key.
func (c *Client) TenantInfo(ctx context.Context) (*Tenant, error) {
	b, status, err := c.http.Get(ctx, c.baseURL(deviceAPIVersion)+"/accounts/me", "", c.bearer())
	if err != nil {
		return nil, err
	}
	if !transport.StatusOK(status) {
		return nil, fmt.Errorf("pelion: accounts/me status %d", status)
	}
	t := &Tenant{}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, err
	}
	return t, nil
}

// jsonMessage builds a single-key JSON object.
func jsonMessage(key, value string) string {
	b, _ := json.Marshal(map[string]string{key: value})
	return string(b)
}

// IsAsyncResponse reports whether a CoAP operation result is a deferred
// async-response handle rather than a synchronous value.
func IsAsyncResponse(response string) bool {
	return strings.Contains(response, `"async-response-id"`)
}

// AsyncResponseID extracts the handle from an async-response result.
func AsyncResponseID(response string) string {
	var v struct {
		ID string `json:"async-response-id"`
	}
	if err := json.Unmarshal([]byte(response), &v); err != nil {
		return ""
	}
	return v.ID
}

// EndpointResourceOperation relays one CoAP verb to a device, through
// either the queued device-request API or the direct connect API.
// The result is the raw response body, a synthetic async-response handle,
// or an api_execute_status error message.
func (c *Client) EndpointResourceOperation(ctx context.Context, verb, deviceID, uri, value, options string) string {
	if c.deviceRequestAPI {
		return c.deviceRequestOperation(ctx, verb, deviceID, uri, value, options)
	}
	return c.directOperation(ctx, verb, deviceID, uri, value, options)
}

func (c *Client) deviceRequestOperation(ctx context.Context, verb, deviceID, uri, value, options string) string {
	// async ids are time-based so responses can be aged by inspection
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	asyncID := id.String()

	reqURI := uri
	if options != "" {
		reqURI += "?" + options
	}
	req := map[string]string{
		"method": strings.ToUpper(verb),
		"uri":    reqURI,
	}
	if value != "" {
		req["payload-b64"] = base64.StdEncoding.EncodeToString([]byte(value))
	}
	body, _ := json.Marshal(req)

	url := c.baseURL(connectAPIVersion) + "/device-requests/" + deviceID + "?async-id=" + asyncID
	_, code, err := c.http.Post(ctx, url, body, "application/json", c.bearer())
	if err != nil {
		c.logger.Warnf("pelion: device-request %s %s%s failed: %s", verb, deviceID, uri, err)
		return ""
	}
	if !transport.StatusOK(code) {
		c.logger.Warnf("pelion: device-request %s %s%s status %d", verb, deviceID, uri, code)
		return ""
	}
	return jsonMessage("async-response-id", asyncID)
}

func (c *Client) directOperation(ctx context.Context, verb, deviceID, uri, value, options string) string {
	url := c.baseURL(connectAPIVersion) + "/endpoints/" + deviceID + uri
	if options != "" && strings.Contains(options, "=") {
		url += "?" + options
	}

	var (
		b      []byte
		status int
		err    error
	)
	switch strings.ToLower(verb) {
	case "get":
		b, status, err = c.http.Get(ctx, url, "", c.bearer())
	case "put":
		b, status, err = c.http.Put(ctx, url, []byte(value), "plain/text", c.bearer())
	case "post":
		b, status, err = c.http.Post(ctx, url, []byte(value), "plain/text", c.bearer())
	case "delete", "del":
		b, status, err = c.http.Delete(ctx, url, "plain/text", c.bearer())
	default:
		c.logger.Warnf("pelion: unknown CoAP verb %q for %s%s", verb, deviceID, uri)
		return jsonMessage("api_execute_status", "invalid coap verb")
	}
	if err != nil {
		c.logger.Warnf("pelion: %s %s failed: %s", verb, url, err)
		return ""
	}
	c.logger.Infof("pelion: %s %s status %d", strings.ToUpper(verb), url, status)
	return string(b)
}

// APIResponse wraps the outcome of a raw API request issued by a peer.
type APIResponse struct {
	URI         string          `json:"api_uri"`
	Verb        string          `json:"api_verb"`
	RequestID   int             `json:"api_request_id"`
	CallerID    string          `json:"api_caller_id"`
	ContentType string          `json:"api_content_type"`
	HTTPCode    int             `json:"api_http_code"`
	Reply       json.RawMessage `json:"api_response"`
}

// JSON renders the response for publication on the api-response topic.
func (r *APIResponse) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// APIRequestOperation executes an arbitrary source-cloud API call on
// behalf of a peer and wraps the sanitized result.
func (c *Client) APIRequestOperation(ctx context.Context, uri, data, options, verb string, requestID int, apiKey, callerID, contentType string) *APIResponse {
	resp := &APIResponse{
		URI:         uri,
		Verb:        verb,
		RequestID:   requestID,
		CallerID:    callerID,
		ContentType: contentType,
	}
	auth := c.bearer()
	if apiKey != "" {
		auth = "Bearer " + apiKey
	}

	if uri == "" || verb == "" {
		resp.Reply = json.RawMessage(jsonMessage("api_execute_status", "invalid api parameters"))
		return resp
	}

	var (
		body   []byte
		status int
		err    error
	)
	url := c.baseURL("") + uri + options
	switch strings.ToLower(verb) {
	case "get":
		body, status, err = c.http.Get(ctx, url, contentType, auth)
	case "put":
		body, status, err = c.http.Put(ctx, url, []byte(data), contentType, auth)
	case "post":
		body, status, err = c.http.Post(ctx, url, []byte(data), contentType, auth)
	case "delete":
		body, status, err = c.http.Delete(ctx, url, contentType, auth)
	default:
		resp.Reply = json.RawMessage(jsonMessage("api_execute_status", "invalid coap verb"))
		return resp
	}
	if err != nil {
		c.logger.Warnf("pelion: api request %s %s failed: %s", verb, uri, err)
	}
	resp.HTTPCode = status
	resp.Reply = sanitizeAPIResponse(body)
	return resp
}

// sanitizeAPIResponse guarantees the reply is well-formed JSON.
func sanitizeAPIResponse(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage(jsonMessage("api_execute_status", "empty response"))
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return json.RawMessage(jsonMessage("api_execute_status", "unparsable json"))
	}
	return json.RawMessage(body)
}

// --- notification channel plumbing ---

func (c *Client) webhookDispatchURL() string {
	return c.baseURL(connectAPIVersion) + "/notification/callback"
}

// GetWebhook returns the currently installed callback URL, or "" when none
// is set (404) or the query failed.
func (c *Client) GetWebhook(ctx context.Context) string {
	b, status, err := c.http.Get(ctx, c.webhookDispatchURL(), "", c.bearer())
	if err != nil {
		c.logger.Warnf("pelion: webhook query failed: %s", err)
		return ""
	}
	switch {
	case status == http.StatusNotFound:
		// no webhook record installed
		return ""
	case !transport.StatusOK(status):
		c.logger.Warnf("pelion: webhook query status %d", status)
		return ""
	}
	var v struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return ""
	}
	return v.URL
}

// RemoveWebhook deletes any installed callback record.
func (c *Client) RemoveWebhook(ctx context.Context) {
	_, status, err := c.http.Delete(ctx, c.webhookDispatchURL(), "text/plain", c.bearer())
	if err != nil {
		c.logger.Warnf("pelion: webhook delete failed: %s", err)
		return
	}
	c.logger.Infof("pelion: webhook delete status %d", status)
}

// DisablePullChannel deletes any pre-existing long-poll channel; the cloud
// refuses callback delivery while one is active.
func (c *Client) DisablePullChannel(ctx context.Context) {
	url := strings.Replace(c.webhookDispatchURL(), "callback", "pull", 1)
	_, status, err := c.http.Delete(ctx, url, "text/plain", c.bearer())
	if err != nil {
		c.logger.Warnf("pelion: pull channel delete failed: %s", err)
		return
	}
	c.logger.Infof("pelion: pull channel delete status %d", status)
}

// SetWebhook installs the callback descriptor and verifies it stuck.
// authHash goes into the descriptor's Authentication header so inbound
// notifications can be validated later.
func (c *Client) SetWebhook(ctx context.Context, targetURL, authHash string) bool {
	// a lingering pull channel or stale callback blocks the new descriptor
	c.DisablePullChannel(ctx)
	c.RemoveWebhook(ctx)

	descriptor, _ := json.Marshal(map[string]interface{}{
		"url":     targetURL,
		"headers": map[string]string{"Authentication": authHash},
	})
	_, status, err := c.http.Put(ctx, c.webhookDispatchURL(), descriptor, "application/json", c.bearer())
	if err != nil {
		c.logger.Warnf("pelion: webhook put failed: %s", err)
		return false
	}
	if !transport.StatusOK(status) {
		c.logger.Warnf("pelion: webhook put status %d", status)
		return false
	}

	if installed := c.GetWebhook(ctx); !strings.EqualFold(installed, targetURL) {
		c.logger.Warnf("pelion: webhook verify mismatch: have %q want %q", installed, targetURL)
		return false
	}
	c.logger.Infof("pelion: webhook set to %s", targetURL)
	return true
}

// EnableWebSocketChannel registers the websocket notification channel.
func (c *Client) EnableWebSocketChannel(ctx context.Context) error {
	url := c.baseURL(connectAPIVersion) + "/notification/websocket"
	_, status, err := c.http.Put(ctx, url, nil, "application/json", c.bearer())
	if err != nil {
		return err
	}
	if !transport.StatusOK(status) {
		return fmt.Errorf("pelion: websocket channel registration status %d", status)
	}
	return nil
}

// WebSocketURL is the wss endpoint the listener dials.
func (c *Client) WebSocketURL() string {
	return fmt.Sprintf("wss://%s:%d%s/notification/websocket-connect", c.host, c.port, connectAPIVersion)
}

// LongPoll performs one blocking pull for notifications.
func (c *Client) LongPoll(ctx context.Context) ([]byte, error) {
	url := c.baseURL(connectAPIVersion) + "/" + strings.TrimPrefix(c.longPollURI, "/")
	b, status, err := c.http.Get(ctx, url, "", c.bearer())
	if err != nil {
		return nil, err
	}
	if !transport.StatusOK(status) {
		return nil, fmt.Errorf("pelion: long poll status %d", status)
	}
	return b, nil
}
