// Package iothub mirrors devices onto an Azure IoT Hub: one registry
// identity and one MQTT session per shadowed device.
package iothub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DougAnsonAustinTX/pelion-bridge/bridge"
	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/config"
	"github.com/DougAnsonAustinTX/pelion-bridge/credentials"
	"github.com/DougAnsonAustinTX/pelion-bridge/pelion"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport"
	"github.com/DougAnsonAustinTX/pelion-bridge/transport/mqtt"
)

const (
	mqttPort  = 8883
	opTimeout = time.Minute
)

// Processor is the IoT Hub peer adapter.
type Processor struct {
	cfg    *config.Config
	orch   bridge.Orchestration
	logger common.Logger

	hubHost   string
	refresher *credentials.Refresher
	devices   *DeviceManager
	sessions  *SessionTable
	async     *AsyncManager
	prefix    prefixPolicy

	observeTemplate string
	cmdTemplate     string
	reconnectSleep  time.Duration

	// newConn builds the per-device session; tests substitute fakes.
	newConn func(hubName string) mqtt.Connection

	mu           sync.Mutex
	reconnecting map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

var _ bridge.PeerAdapter = (*Processor)(nil)

// NewProcessor builds the adapter from the hub-side config. Auth comes from
// the service connection string, or from a pre-minted SAS token.
func NewProcessor(cfg *config.Config, orch bridge.Orchestration, hc *transport.Client, logger common.Logger) (*Processor, error) {
	var (
		refresher *credentials.Refresher
		hubHost   string
	)
	switch {
	case cfg.IoTHubConnectString != "":
		creds, err := credentials.ParseConnectionString(cfg.IoTHubConnectString)
		if err != nil {
			return nil, fmt.Errorf("iothub: %w", err)
		}
		hubHost = creds.HostName
		refresher, err = credentials.NewRefresher(creds,
			credentials.DefaultTokenValidity, credentials.DefaultRefreshInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("iothub: %w", err)
		}
	case cfg.IoTHubSASToken != "":
		if cfg.IoTHubName == "" {
			return nil, errors.New("iothub: SAS token auth requires iot_event_hub_name")
		}
		hubHost = cfg.IoTHubName + credentials.HostSuffix
		refresher = credentials.NewStaticRefresher(cfg.IoTHubSASToken, logger)
	default:
		return nil, errors.New("iothub: no connection string or SAS token configured")
	}
	refresher.Start()

	p := &Processor{
		cfg:             cfg,
		orch:            orch,
		logger:          logger,
		hubHost:         hubHost,
		refresher:       refresher,
		devices:         NewDeviceManager(hc, hubHost, refresher, logger),
		sessions:        NewSessionTable(cfg.IoTHubMaxShadows),
		async:           NewAsyncManager(0),
		prefix:          newPrefixPolicy(cfg.IoTHubEnableDeviceprefix, cfg.IoTHubDevicePrefix),
		observeTemplate: cfg.IoTHubObserveTopic,
		cmdTemplate:     cfg.IoTHubCoAPCmdTopic,
		reconnectSleep:  cfg.MQTTReconnectSleep(),
		reconnecting:    map[string]struct{}{},
		done:            make(chan struct{}),
	}
	p.newConn = p.dialSession
	return p, nil
}

func (p *Processor) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// dialSession builds the real MQTT session for one hub device.
func (p *Processor) dialSession(hubName string) mqtt.Connection {
	broker := p.hubHost
	if p.cfg.IoTHubMQTTIPAddress != "" {
		broker = p.cfg.IoTHubMQTTIPAddress
	}
	username := p.cfg.IoTHubMQTTUsername
	if username == "" {
		username = fmt.Sprintf("%s/%s/?%s", p.hubHost, hubName, p.cfg.IoTHubVersionTag)
	}
	password := p.cfg.IoTHubMQTTPassword
	if password == "" {
		password = p.refresher.Token()
	}
	return mqtt.NewSession(broker, mqttPort,
		mqtt.WithTLS(nil),
		mqtt.WithCredentials(hubName, username, password),
		mqtt.WithLogger(p.logger),
	)
}

// CompleteNewDeviceRegistration finalizes a shadow once its metadata is
// collected. Idempotent for an already shadowed device.
func (p *Processor) CompleteNewDeviceRegistration(record *bridge.DeviceRecord) {
	if p.sessions.Has(record.ID) {
		p.logger.Infof("iothub: %s already shadowed", record.ID)
		return
	}
	p.RegisterNewDevice(record)
}

// RegisterNewDevice creates the hub identity, bootstraps the twin and
// brings the device's MQTT session up.
func (p *Processor) RegisterNewDevice(record *bridge.DeviceRecord) bool {
	hubName := p.prefix.Add(record.ID)
	ctx, cancel := p.opCtx()
	defer cancel()
	if !p.devices.CreateDevice(ctx, hubName) {
		p.logger.Warnf("iothub: unable to create device %s, skipping shadow", hubName)
		return false
	}
	p.devices.EstablishInitialTwinProperties(ctx, hubName, record)
	return p.createSession(record.ID, hubName)
}

func (p *Processor) createSession(deviceID, hubName string) bool {
	conn := p.newConn(hubName)
	conn.SetOnReceiveListener(func(topic string, payload []byte) {
		p.onDeviceMessage(deviceID, hubName, topic, payload)
	})

	ctx, cancel := p.opCtx()
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		p.logger.Warnf("iothub: connect for %s failed: %s", hubName, err)
		return false
	}
	if err := conn.Subscribe(endpointTopics(p.cmdTemplate, hubName)...); err != nil {
		p.logger.Warnf("iothub: subscribe for %s failed: %s", hubName, err)
		conn.Disconnect(true)
		return false
	}
	if err := p.sessions.Add(deviceID, conn); err != nil {
		p.logger.Warnf("iothub: %s", err)
		conn.Disconnect(true)
		return false
	}
	p.logger.Warnf("iothub: shadow for %s is live (%d total)", deviceID, p.sessions.Count())
	return true
}

// ProcessNewRegistration creates shadows for a registration batch. A batch
// that would push past the shadow cap is skipped with a single warning.
func (p *Processor) ProcessNewRegistration(events []pelion.DeviceEvent) {
	if max := p.cfg.IoTHubMaxShadows; max > 0 && p.sessions.Count()+len(events) > max {
		p.logger.Warnf("iothub: shadow limit %d would be exceeded by %d new registrations, batch skipped",
			max, len(events))
		return
	}
	for i := range events {
		ev := &events[i]
		id := ev.DeviceID()
		if t := ev.Type(); t != "" {
			p.orch.SetEndpointType(id, t)
		}
		record := bridge.NewDeviceRecord(id, p.orch.EndpointTypeOf(id))
		record.Resources = ev.Resources

		// the retrieval outlives this call; the retriever bounds its
		// own requests
		p.orch.RetrieveAttributes(context.Background(), record, p.CompleteNewDeviceRegistration)
	}
}

// ProcessReRegistration revalidates shadows; a reg-update for an unshadowed
// device is handled like a fresh registration.
func (p *Processor) ProcessReRegistration(events []pelion.DeviceEvent) {
	for i := range events {
		ev := &events[i]
		if p.sessions.Has(ev.DeviceID()) {
			continue
		}
		p.ProcessNewRegistration(events[i : i+1])
	}
}

// observationJSON is the unified payload shape every peer-bound message
// carries, telemetry and command responses alike.
func observationJSON(ep, path string, value interface{}, verb, contentType string) []byte {
	m := map[string]interface{}{
		"ep":        ep,
		"path":      path,
		"value":     value,
		"coap_verb": verb,
	}
	if contentType != "" {
		m["ct"] = contentType
	}
	b, _ := json.Marshal(m)
	return b
}

// ProcessNotification relays telemetry observations to each device's
// observation topic.
func (p *Processor) ProcessNotification(entries []pelion.NotificationEntry) {
	for i := range entries {
		e := &entries[i]
		id := e.DeviceID()
		conn := p.sessions.Get(id)
		if conn == nil {
			p.logger.Infof("iothub: notification for unshadowed %s dropped", id)
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(e.Payload)
		if err != nil {
			raw = []byte(e.Payload)
		}
		msg := observationJSON(id, e.Path, payloadValue(raw), "notify", e.ContentType)
		topic := observationTopic(p.observeTemplate, p.prefix.Add(id))
		if err := conn.SendMessage(topic, msg, 0); err != nil {
			p.logger.Warnf("iothub: publish for %s failed: %s", id, err)
			p.startReconnection(id)
		}
	}
}

// ProcessDeregistrations applies the configured policy: tear shadows down,
// or close the session while keeping the hub identity for the device's
// eventual return.
func (p *Processor) ProcessDeregistrations(ids []string) {
	if !p.orch.DeviceRemovedOnDeregistration() {
		for _, id := range ids {
			p.sessions.Remove(id, false)
			p.logger.Warnf("iothub: %s deregistered, session closed, shadow retained", id)
		}
		return
	}
	for _, id := range ids {
		p.DeleteDevice(id)
	}
}

// ProcessRegistrationsExpired always removes the shadow: an expired
// registration will not come back on its own.
func (p *Processor) ProcessRegistrationsExpired(ids []string) {
	for _, id := range ids {
		p.DeleteDevice(id)
	}
}

// ProcessDeviceDeletions handles devices deleted from the source cloud's
// directory: always full removal, regardless of policy.
func (p *Processor) ProcessDeviceDeletions(ids []string) {
	for _, id := range ids {
		p.DeleteDevice(id)
	}
}

// ProcessAsyncResponses delivers deferred CoAP replies to the topic
// recorded when the command was issued.
func (p *Processor) ProcessAsyncResponses(entries []pelion.AsyncResponseEntry) {
	for i := range entries {
		e := &entries[i]
		rec, ok := p.async.Take(e.ID)
		if !ok {
			continue
		}
		conn := p.sessions.Get(rec.DeviceID)
		if conn == nil {
			p.logger.Infof("iothub: async response for unshadowed %s dropped", rec.DeviceID)
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(e.Payload)
		if err != nil {
			raw = []byte(e.Payload)
		}
		msg := observationJSON(rec.DeviceID, rec.URI, payloadValue(raw), rec.Verb, "")
		if err := conn.SendMessage(rec.ReplyTopic, msg, 0); err != nil {
			p.logger.Warnf("iothub: async reply for %s failed: %s", rec.DeviceID, err)
		}
	}
}

// DeleteDevice removes the shadow: session, hub identity and type record.
func (p *Processor) DeleteDevice(deviceID string) {
	hubName := p.prefix.Add(deviceID)
	if conn := p.sessions.Get(deviceID); conn != nil && conn.IsConnected() {
		topics := endpointTopics(p.cmdTemplate, hubName)
		names := make([]string, len(topics))
		for i, t := range topics {
			names[i] = t.Name
		}
		if err := conn.Unsubscribe(names...); err != nil {
			p.logger.Infof("iothub: unsubscribe for %s failed: %s", deviceID, err)
		}
	}
	p.sessions.Remove(deviceID, true)

	ctx, cancel := p.opCtx()
	defer cancel()
	p.devices.DeleteDevice(ctx, hubName)
	p.orch.RemoveEndpointType(deviceID)
	p.logger.Warnf("iothub: shadow for %s removed", deviceID)
}

// onDeviceMessage handles one inbound message on a device's session:
// twin responses, raw API requests, or CoAP commands.
func (p *Processor) onDeviceMessage(deviceID, hubName, topic string, payload []byte) {
	if strings.HasPrefix(topic, twinResponsePrefix) {
		p.handleTwinResponse(deviceID, topic)
		return
	}

	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		m = nil
	}

	if stringField(m, "api_uri") != "" || stringField(m, "api_verb") != "" {
		p.handleAPIRequest(deviceID, hubName, m)
		return
	}
	p.handleCoAPCommand(deviceID, hubName, topic, m)
}

// handleTwinResponse acknowledges a twin exchange so the hub does not keep
// re-delivering it.
func (p *Processor) handleTwinResponse(deviceID, topic string) {
	rid := twinRequestID(topic)
	if rid == "" {
		return
	}
	conn := p.sessions.Get(deviceID)
	if conn == nil {
		return
	}
	if err := conn.SendMessage(twinReportedTopic+rid, []byte("{}"), 0); err != nil {
		p.logger.Infof("iothub: twin ack for %s failed: %s", deviceID, err)
	}
}

// handleAPIRequest executes a raw source-cloud API call requested over the
// device's command topic and publishes the wrapped result.
func (p *Processor) handleAPIRequest(deviceID, hubName string, m map[string]interface{}) {
	ctx, cancel := p.opCtx()
	defer cancel()

	resp := p.orch.APIRequestOperation(ctx,
		stringField(m, "api_uri"),
		stringField(m, "api_body"),
		stringField(m, "api_options"),
		stringField(m, "api_verb"),
		intField(m, "api_request_id"),
		stringField(m, "api_key"),
		deviceID,
		stringField(m, "api_content_type"),
	)

	conn := p.sessions.Get(deviceID)
	if conn == nil {
		return
	}
	if err := conn.SendMessage(apiReplyTopic(p.observeTemplate, hubName), resp.JSON(), 0); err != nil {
		p.logger.Warnf("iothub: api reply for %s failed: %s", deviceID, err)
	}
}

// handleCoAPCommand relays a CoAP verb to the device. A synchronous GET
// result goes straight to the reply topic; an async handle is recorded and
// resolved later by ProcessAsyncResponses. Exactly one of the two happens.
func (p *Processor) handleCoAPCommand(deviceID, hubName, topic string, m map[string]interface{}) {
	verb := stringField(m, "coap_verb")
	if verb == "" {
		verb = topicParameter(topic, "coap_verb")
	}
	if verb == "" {
		verb = "get"
	}
	uri := stringField(m, "path")
	if uri == "" {
		uri = topicParameter(topic, "coap_uri")
	}
	if uri == "" {
		p.logger.Infof("iothub: command for %s carries no resource path, dropped", deviceID)
		return
	}
	ep := stringField(m, "ep")
	if ep == "" {
		// the topic carries the hub name; strip any prefix back off
		if name := endpointNameFromTopic(topic); name != "" {
			ep = p.prefix.Remove(name)
		} else {
			ep = deviceID
		}
	}
	value := stringField(m, "new_value")
	options := stringField(m, "options")

	ctx, cancel := p.opCtx()
	defer cancel()
	response := p.orch.EndpointResourceOperation(ctx, verb, ep, uri, value, options)

	if pelion.IsAsyncResponse(response) {
		if verb == "get" || verb == "put" {
			p.async.Record(pelion.AsyncResponseID(response), asyncRecord{
				DeviceID:   ep,
				URI:        uri,
				Verb:       verb,
				ReplyTopic: replyTopic(p.observeTemplate, hubName),
			})
		}
		return
	}

	if verb == "get" && response != "" {
		conn := p.sessions.Get(deviceID)
		if conn == nil {
			return
		}
		msg := observationJSON(ep, uri, payloadValue([]byte(response)), "get", "")
		if err := conn.SendMessage(replyTopic(p.observeTemplate, hubName), msg, 0); err != nil {
			p.logger.Warnf("iothub: command reply for %s failed: %s", deviceID, err)
		}
	}
}

// startReconnection rebuilds a device's shadow after a publish failure:
// hard disconnect, delete the hub identity, re-create it, then redial,
// pausing between the steps. One rebuild per device at a time.
func (p *Processor) startReconnection(deviceID string) {
	p.mu.Lock()
	if _, busy := p.reconnecting[deviceID]; busy {
		p.mu.Unlock()
		return
	}
	p.reconnecting[deviceID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.reconnecting, deviceID)
			p.mu.Unlock()
		}()

		p.logger.Warnf("iothub: rebuilding shadow for %s", deviceID)
		p.sessions.Remove(deviceID, true)

		// the hub-side identity may be wedged; delete it and re-create
		// it fresh before redialing
		hubName := p.prefix.Add(deviceID)
		ctx, cancel := p.opCtx()
		p.devices.DeleteDevice(ctx, hubName)
		cancel()

		if !p.pause() {
			return
		}
		ctx, cancel = p.opCtx()
		p.devices.CreateDevice(ctx, hubName)
		cancel()

		if !p.pause() {
			return
		}
		p.createSession(deviceID, hubName)
	}()
}

// pause sleeps the reconnect interval; false means shutdown.
func (p *Processor) pause() bool {
	select {
	case <-time.After(p.reconnectSleep):
		return true
	case <-p.done:
		return false
	}
}

// Stop halts all sessions, the token refresher and the workers. Workers
// join before the session sweep: a rebuild in flight may still add one.
func (p *Processor) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()
	p.sessions.StopAll()
	p.refresher.Stop()
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
