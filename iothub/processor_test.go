package iothub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DougAnsonAustinTX/pelion-bridge/bridge"
	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/config"
	"github.com/DougAnsonAustinTX/pelion-bridge/pelion"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport/mqtt"
)

const testConnString = "HostName=test.azure-devices.net;SharedAccessKeyName=device;SharedAccessKey=c2VjcmV0"

type fakeOrch struct {
	mu            sync.Mutex
	types         map[string]string
	ops           []string
	retrieved     int
	removed       []string
	removeOnDereg bool

	// resourceOp supplies the CoAP relay result
	resourceOp func(verb, deviceID, uri, value, options string) string

	// attrs, when set, runs the real retrieval machinery
	attrs *bridge.AttributeRetriever
}

func (f *fakeOrch) EndpointResourceOperation(_ context.Context, verb, deviceID, uri, value, options string) string {
	f.mu.Lock()
	f.ops = append(f.ops, fmt.Sprintf("%s %s %s %s", verb, deviceID, uri, value))
	op := f.resourceOp
	f.mu.Unlock()
	if op == nil {
		return ""
	}
	return op(verb, deviceID, uri, value, options)
}

func (f *fakeOrch) APIRequestOperation(_ context.Context, uri, _, _, verb string, requestID int, _, callerID, _ string) *pelion.APIResponse {
	return &pelion.APIResponse{
		URI:       uri,
		Verb:      verb,
		RequestID: requestID,
		CallerID:  callerID,
		HTTPCode:  200,
		Reply:     json.RawMessage(`{"ok":true}`),
	}
}

func (f *fakeOrch) RetrieveAttributes(ctx context.Context, record *bridge.DeviceRecord, complete func(*bridge.DeviceRecord)) {
	f.mu.Lock()
	f.retrieved++
	attrs := f.attrs
	f.mu.Unlock()
	if attrs != nil {
		attrs.Retrieve(ctx, record, complete)
		return
	}
	complete(record)
}

func (f *fakeOrch) EndpointTypeOf(deviceID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.types[deviceID]; ok {
		return t
	}
	return "default"
}

func (f *fakeOrch) SetEndpointType(deviceID, endpointType string) {
	f.mu.Lock()
	if f.types == nil {
		f.types = map[string]string{}
	}
	f.types[deviceID] = endpointType
	f.mu.Unlock()
}

func (f *fakeOrch) RemoveEndpointType(deviceID string) {
	f.mu.Lock()
	f.removed = append(f.removed, deviceID)
	delete(f.types, deviceID)
	f.mu.Unlock()
}

func (f *fakeOrch) DeviceRemovedOnDeregistration() bool { return f.removeOnDereg }

func (f *fakeOrch) Reset() {}

func newTestProcessor(t *testing.T, orch *fakeOrch, mutate func(cfg *config.Config)) (*Processor, map[string]*fakeConn) {
	t.Helper()
	cfg := config.Defaults()
	cfg.IoTHubConnectString = testConnString
	if mutate != nil {
		mutate(cfg)
	}

	p, err := NewProcessor(cfg, orch, transport.NewClient(), common.Discard)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Stop)

	var mu sync.Mutex
	conns := map[string]*fakeConn{}
	p.newConn = func(hubName string) mqtt.Connection {
		c := &fakeConn{}
		mu.Lock()
		conns[hubName] = c
		mu.Unlock()
		return c
	}
	return p, conns
}

func decodeObservation(t *testing.T, payload string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		t.Fatalf("observation is not json: %s", err)
	}
	return m
}

func TestProcessor_HappyPathRegistration(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/devices/dev1":
		case r.Method == http.MethodPatch && r.URL.Path == "/twins/dev1":
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, nil)
	u, _ := url.Parse(srv.URL)
	p.devices = NewDeviceManager(
		transport.NewClient(transport.WithHTTPClient(srv.Client())),
		u.Host, p.refresher, common.Discard)

	p.ProcessNewRegistration([]pelion.DeviceEvent{{
		EP:        "dev1",
		EPT:       "sensor",
		Resources: []pelion.Resource{{Path: "/3/0"}},
	}})

	conn := conns["dev1"]
	if conn == nil || !conn.IsConnected() {
		t.Fatal("session not established")
	}
	if len(conn.subscribed) != 2 ||
		conn.subscribed[0].Name != "devices/dev1/messages/devicebound/#" ||
		conn.subscribed[1].Name != twinResponseFilter {
		t.Errorf("subscriptions = %+v", conn.subscribed)
	}
	if p.sessions.Count() != 1 {
		t.Errorf("sessions = %d", p.sessions.Count())
	}
	if got := orch.EndpointTypeOf("dev1"); got != "sensor" {
		t.Errorf("endpoint type = %q", got)
	}
}

func TestProcessor_RegistrationFetchesAttributes(t *testing.T) {
	// source cloud serving the device-info resources
	var srcMu sync.Mutex
	var srcPaths []string
	src := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srcMu.Lock()
		srcPaths = append(srcPaths, r.URL.Path)
		srcMu.Unlock()
		switch r.URL.Path {
		case "/v2/endpoints/dev1/3/0/0":
			fmt.Fprint(w, "Acme")
		case "/v2/endpoints/dev1/3/0/1":
			fmt.Fprint(w, "thermostat-9")
		case "/v2/endpoints/dev1/3/0/2":
			fmt.Fprint(w, "SN-0042")
		default:
			t.Errorf("unexpected source request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer src.Close()

	// hub registry capturing the twin bootstrap
	var hubMu sync.Mutex
	var tags map[string]interface{}
	hub := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch && r.URL.Path == "/twins/dev1" {
			var twin struct {
				Tags map[string]interface{} `json:"tags"`
			}
			if err := json.NewDecoder(r.Body).Decode(&twin); err != nil {
				t.Errorf("twin patch body: %s", err)
			}
			hubMu.Lock()
			tags = twin.Tags
			hubMu.Unlock()
		}
	}))
	defer hub.Close()

	srcURL, _ := url.Parse(src.URL)
	srcPort, _ := strconv.Atoi(srcURL.Port())
	srcCfg := config.Defaults()
	srcCfg.MDSAddress = srcURL.Hostname()
	srcCfg.MDSPort = srcPort
	srcCfg.APIKey = "test-key"
	client := pelion.NewClient(srcCfg,
		transport.NewClient(transport.WithHTTPClient(src.Client())), common.Discard)
	retriever := bridge.NewAttributeRetriever(client, srcCfg.AttributeURIs(), true, common.Discard)

	orch := &fakeOrch{attrs: retriever}
	p, conns := newTestProcessor(t, orch, nil)
	hubURL, _ := url.Parse(hub.URL)
	p.devices = NewDeviceManager(
		transport.NewClient(transport.WithHTTPClient(hub.Client())),
		hubURL.Host, p.refresher, common.Discard)

	p.ProcessNewRegistration([]pelion.DeviceEvent{{
		EP:        "dev1",
		EPT:       "sensor",
		Resources: []pelion.Resource{{Path: "/3/0"}},
	}})
	retriever.Wait()

	srcMu.Lock()
	gets := len(srcPaths)
	srcMu.Unlock()
	if gets != 3 {
		t.Errorf("device-info gets = %d, want 3 (%v)", gets, srcPaths)
	}
	hubMu.Lock()
	defer hubMu.Unlock()
	if tags["manufacturer"] != "Acme" || tags["model"] != "thermostat-9" || tags["serial"] != "SN-0042" {
		t.Errorf("twin tags = %v", tags)
	}
	if conn := conns["dev1"]; conn == nil || !conn.IsConnected() {
		t.Error("session not established after retrieval")
	}
}

func TestProcessor_SyncGetRelay(t *testing.T) {
	orch := &fakeOrch{resourceOp: func(verb, id, uri, value, options string) string {
		return "23.5"
	}}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	conn := conns["dev1"]
	if conn == nil || !conn.IsConnected() {
		t.Fatal("session not created")
	}
	if len(conn.subscribed) != 2 {
		t.Fatalf("subscribed %d topics", len(conn.subscribed))
	}

	conn.recv("devices/dev1/messages/devicebound/", []byte(`{"path":"/3303/0/5700","coap_verb":"get"}`))

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want exactly 1", len(msgs))
	}
	if msgs[0].topic != "devices/dev1/messages/events/cmd-response" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	m := decodeObservation(t, msgs[0].payload)
	if m["ep"] != "dev1" || m["path"] != "/3303/0/5700" || m["value"] != 23.5 || m["coap_verb"] != "get" {
		t.Errorf("observation = %v", m)
	}
	if p.async.Count() != 0 {
		t.Error("sync get left an async record behind")
	}
}

func TestProcessor_AsyncGetRoundtrip(t *testing.T) {
	orch := &fakeOrch{resourceOp: func(verb, id, uri, value, options string) string {
		return `{"async-response-id":"abc123"}`
	}}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	conn := conns["dev1"]

	conn.recv("devices/dev1/messages/devicebound/", []byte(`{"path":"/3303/0/5700","coap_verb":"get"}`))

	// nothing published until the deferred response arrives
	if got := conn.messages(); len(got) != 0 {
		t.Fatalf("premature publish: %v", got)
	}
	if p.async.Count() != 1 {
		t.Fatalf("async records = %d", p.async.Count())
	}

	p.ProcessAsyncResponses([]pelion.AsyncResponseEntry{{
		ID:      "abc123",
		Status:  200,
		Payload: base64.StdEncoding.EncodeToString([]byte("42")),
	}})

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "devices/dev1/messages/events/cmd-response" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	m := decodeObservation(t, msgs[0].payload)
	if m["value"] != float64(42) || m["path"] != "/3303/0/5700" || m["coap_verb"] != "get" {
		t.Errorf("observation = %v", m)
	}

	// the record resolves exactly once
	p.ProcessAsyncResponses([]pelion.AsyncResponseEntry{{ID: "abc123", Payload: "NDI="}})
	if got := conn.messages(); len(got) != 1 {
		t.Errorf("duplicate async response republished: %d messages", len(got))
	}
}

func TestProcessor_PutCommand(t *testing.T) {
	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	conn := conns["dev1"]
	conn.recv("devices/dev1/messages/devicebound/", []byte(`{"path":"/3/0/5","new_value":"reset","coap_verb":"put"}`))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.ops) != 1 || orch.ops[0] != "put dev1 /3/0/5 reset" {
		t.Errorf("ops = %v", orch.ops)
	}
	if got := conn.messages(); len(got) != 0 {
		t.Errorf("put published %d messages", len(got))
	}
}

func TestProcessor_CommandFromTopicParameters(t *testing.T) {
	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	conn := conns["dev1"]
	conn.recv("devices/dev1/messages/devicebound/coap_verb=put&coap_uri=/3/0/5", []byte("not json"))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.ops) != 1 || !strings.HasPrefix(orch.ops[0], "put dev1 /3/0/5") {
		t.Errorf("ops = %v", orch.ops)
	}
}

func TestProcessor_NotificationRelay(t *testing.T) {
	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	conn := conns["dev1"]

	p.ProcessNotification([]pelion.NotificationEntry{
		{EP: "dev1", Path: "/3303/0/5700", Payload: base64.StdEncoding.EncodeToString([]byte("25")), ContentType: "text/plain"},
		{EP: "ghost", Path: "/1/2/3", Payload: "MQ=="}, // unshadowed, dropped
	})

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "devices/dev1/messages/events/observation" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	m := decodeObservation(t, msgs[0].payload)
	if m["value"] != float64(25) || m["coap_verb"] != "notify" || m["ct"] != "text/plain" {
		t.Errorf("observation = %v", m)
	}
}

func TestProcessor_RegistrationBatchCap(t *testing.T) {
	orch := &fakeOrch{}
	p, _ := newTestProcessor(t, orch, func(cfg *config.Config) {
		cfg.IoTHubMaxShadows = 2
	})

	p.createSession("dev0", "dev0")
	p.createSession("dev1", "dev1")

	// two more would exceed the cap: the whole batch is skipped
	p.ProcessNewRegistration([]pelion.DeviceEvent{{EP: "dev2"}, {EP: "dev3"}})

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if orch.retrieved != 0 {
		t.Errorf("retrievals = %d, want 0 for a skipped batch", orch.retrieved)
	}
	if p.sessions.Count() != 2 {
		t.Errorf("sessions = %d", p.sessions.Count())
	}
}

func TestProcessor_DeregistrationKeepPolicy(t *testing.T) {
	orch := &fakeOrch{removeOnDereg: false}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	p.ProcessDeregistrations([]string{"dev1"})

	// session goes down, hub identity and type record stay
	if p.sessions.Has("dev1") {
		t.Error("keep policy retained the session")
	}
	if conns["dev1"].IsConnected() {
		t.Error("keep policy left the session connected")
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.removed) != 0 {
		t.Errorf("endpoint types removed: %v", orch.removed)
	}
}

func TestProcessor_APIRequest(t *testing.T) {
	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	conn := conns["dev1"]
	conn.recv("devices/dev1/messages/devicebound/", []byte(`{"api_uri":"/v3/devices","api_verb":"get","api_request_id":9}`))

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "devices/dev1/messages/events/api-response" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	if !strings.Contains(msgs[0].payload, `"api_request_id":9`) {
		t.Errorf("payload = %s", msgs[0].payload)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.ops) != 0 {
		t.Errorf("api request leaked into CoAP relay: %v", orch.ops)
	}
}

func TestProcessor_TwinResponseAck(t *testing.T) {
	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	conn := conns["dev1"]
	conn.recv("$iothub/twin/res/200/?$rid=42", []byte("{}"))

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != twinReportedTopic+"42" {
		t.Errorf("ack topic = %q", msgs[0].topic)
	}
}

func TestProcessor_CompleteRegistrationIdempotent(t *testing.T) {
	orch := &fakeOrch{}
	p, _ := newTestProcessor(t, orch, nil)

	p.createSession("dev1", "dev1")
	before := p.sessions.Count()

	// already shadowed: no registry calls, no new session
	p.CompleteNewDeviceRegistration(bridge.NewDeviceRecord("dev1", "light"))
	if p.sessions.Count() != before {
		t.Errorf("sessions = %d, want %d", p.sessions.Count(), before)
	}
}

func TestProcessor_CommandEndpointFromTopic(t *testing.T) {
	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, func(cfg *config.Config) {
		cfg.IoTHubEnableDeviceprefix = true
		cfg.IoTHubDevicePrefix = "bridge1"
	})

	p.createSession("dev1", "bridge1-dev1")
	conn := conns["bridge1-dev1"]

	// no ep field: the endpoint comes off the topic, prefix stripped
	conn.recv("devices/bridge1-dev1/messages/devicebound/", []byte(`{"path":"/3/0/5","coap_verb":"put","new_value":"x"}`))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.ops) != 1 || orch.ops[0] != "put dev1 /3/0/5 x" {
		t.Errorf("ops = %v", orch.ops)
	}
}

func TestProcessor_ReconnectionRebuildsShadow(t *testing.T) {
	var regMu sync.Mutex
	var registry []string
	hub := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		regMu.Lock()
		registry = append(registry, r.Method+" "+r.URL.Path)
		regMu.Unlock()
	}))
	defer hub.Close()

	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, func(cfg *config.Config) {
		cfg.MQTTReconnectSleepMS = 1
	})
	u, _ := url.Parse(hub.URL)
	p.devices = NewDeviceManager(
		transport.NewClient(transport.WithHTTPClient(hub.Client())),
		u.Host, p.refresher, common.Discard)

	p.createSession("dev1", "dev1")
	first := conns["dev1"]
	first.Disconnect(true)

	// the failed publish kicks off the rebuild
	p.ProcessNotification([]pelion.NotificationEntry{{
		EP: "dev1", Path: "/3303/0/5700", Payload: base64.StdEncoding.EncodeToString([]byte("25")),
	}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if conn := p.sessions.Get("dev1"); conn != nil && conn != first && conn.IsConnected() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("shadow was not rebuilt")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the hub identity is torn down before it is re-created
	regMu.Lock()
	defer regMu.Unlock()
	if len(registry) != 2 || registry[0] != "DELETE /devices/dev1" || registry[1] != "PUT /devices/dev1" {
		t.Errorf("registry calls = %v", registry)
	}
}

func TestProcessor_StopDuringReconnection(t *testing.T) {
	hub := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer hub.Close()

	orch := &fakeOrch{}
	p, conns := newTestProcessor(t, orch, func(cfg *config.Config) {
		cfg.MQTTReconnectSleepMS = 30
	})
	u, _ := url.Parse(hub.URL)
	p.devices = NewDeviceManager(
		transport.NewClient(transport.WithHTTPClient(hub.Client())),
		u.Host, p.refresher, common.Discard)

	p.createSession("dev1", "dev1")
	conns["dev1"].Disconnect(true)
	p.ProcessNotification([]pelion.NotificationEntry{{
		EP: "dev1", Path: "/3303/0/5700", Payload: "MjU=",
	}})

	// shutdown while the rebuild worker is pausing: no session may survive
	p.Stop()
	if p.sessions.Count() != 0 {
		t.Errorf("sessions after Stop = %d", p.sessions.Count())
	}
	for hubName, conn := range conns {
		if conn.IsConnected() {
			t.Errorf("session %s still connected after Stop", hubName)
		}
	}
}
