package pelion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gopkg.in/retry.v1"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/config"
)

// EventSink receives the decoded event stream. The orchestrator implements
// it; the channel calls one method per key present in a body, in a fixed
// order.
type EventSink interface {
	ProcessNotification(body *NotificationBody)
	ProcessNewRegistration(body *NotificationBody)
	ProcessReRegistration(body *NotificationBody)
	ProcessDeregistrations(body *NotificationBody)
	ProcessRegistrationsExpired(body *NotificationBody)
	ProcessDeviceDeletions(body *NotificationBody)
	ProcessAsyncResponses(body *NotificationBody)

	// StartDeviceDiscovery kicks the boot-time shadow setup scan.
	StartDeviceDiscovery()
	// Reset is invoked on terminal channel failures.
	Reset()
}

// Mode selects which of the three notification transports runs.
type Mode int

const (
	ModeWebhook Mode = iota
	ModeLongPoll
	ModeWebSocket
)

func (m Mode) String() string {
	switch m {
	case ModeWebhook:
		return "webhook"
	case ModeLongPoll:
		return "long-poll"
	case ModeWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ResolveMode picks the channel mode from the config: the explicit
// mds_notification_type wins; otherwise the legacy booleans apply with
// priority websocket > long-poll > webhook.
func ResolveMode(cfg *config.Config) Mode {
	switch t := strings.ToLower(cfg.NotificationType); {
	case t == "webhook":
		return ModeWebhook
	case t == "websocket":
		return ModeWebSocket
	case strings.Contains(t, "poll"):
		return ModeLongPoll
	}
	if cfg.EnableWebSocket {
		return ModeWebSocket
	}
	if cfg.EnableLongPoll {
		return ModeLongPoll
	}
	return ModeWebhook
}

// Channel runs exactly one notification transport and feeds every decoded
// body to the sink. One worker goroutine regardless of mode.
type Channel struct {
	cfg    *config.Config
	client *Client
	sink   EventSink
	mode   Mode
	logger common.Logger

	mu       sync.Mutex
	lastBody []byte

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// NewChannel builds the channel; Start launches it.
func NewChannel(cfg *config.Config, client *Client, sink EventSink, logger common.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		client: client,
		sink:   sink,
		mode:   ResolveMode(cfg),
		logger: logger,
	}
}

// Mode returns the resolved channel mode.
func (c *Channel) Mode() Mode { return c.mode }

// Handler exposes the webhook callback endpoint. Mounted by the bridge's
// HTTP server; requests are ACKed with an empty JSON 200 no matter what.
func (c *Channel) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(c.cfg.GWContextPath+c.cfg.GWEventsPath, c.handleNotify).Methods(http.MethodPost)
	return r
}

// Start launches the selected transport. With an unconfigured API key the
// channel refuses to run but the bridge stays alive for reconfiguration.
func (c *Channel) Start(ctx context.Context) {
	if !c.cfg.APIKeyConfigured() {
		c.logger.Warnf("pelion: API key is not configured, notification channel not started")
		return
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return // already running
		}
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.logger.Warnf("pelion: notification channel: %s", c.mode)
	c.wg.Add(1)
	switch c.mode {
	case ModeWebhook:
		go c.establishWebhook(ctx, c.done)
	case ModeLongPoll:
		go c.pollLoop(ctx, c.done)
	case ModeWebSocket:
		go c.webSocketLoop(ctx, c.done)
	}
}

// Stop halts the transport worker and joins it. For webhook mode the
// installed callback is removed so the cloud stops delivering.
func (c *Channel) Stop() {
	c.runMu.Lock()
	done, cancel := c.done, c.cancel
	c.runMu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		close(done)
	}
	if cancel != nil {
		cancel()
	}
	c.closeWebSocket()
	c.wg.Wait()

	if c.mode == ModeWebhook && c.cfg.APIKeyConfigured() {
		ctx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelCleanup()
		c.client.RemoveWebhook(ctx)
	}
}

// WebhookURL assembles the public callback URL from the gateway settings.
func (c *Channel) WebhookURL() string {
	return fmt.Sprintf("https://%s:%d%s%s",
		c.cfg.GWAddress, c.cfg.GWPort, c.cfg.GWContextPath, c.cfg.GWEventsPath)
}

// establishWebhook installs the callback with bounded retries, then enables
// bulk subscriptions and triggers the initial device discovery. Terminal
// failure resets the bridge.
func (c *Channel) establishWebhook(ctx context.Context, done chan struct{}) {
	defer c.wg.Done()

	target := c.WebhookURL()
	strategy := retry.Regular{
		Min:   c.cfg.WebhookNumRetries,
		Delay: c.cfg.WebhookRetryWait(),
	}
	for a := retry.Start(strategy, nil); a.Next(); {
		select {
		case <-done:
			return
		default:
		}

		c.logger.Warnf("pelion: setting up webhook to %s...", target)
		if c.client.SetWebhook(ctx, target, c.client.AuthenticationHash()) {
			c.logger.Warnf("pelion: webhook set, enabling bulk subscriptions")
			if c.client.SetupBulkSubscriptions(ctx) {
				c.logger.Warnf("pelion: webhook established, starting device discovery")
				c.sink.StartDeviceDiscovery()
				return
			}
		}
		c.logger.Warnf("pelion: webhook setup failed, will retry")
	}

	c.logger.Errorf("pelion: unable to establish webhook after %d attempts, resetting bridge", c.cfg.WebhookNumRetries)
	c.sink.Reset()
}

// handleNotify is the inbound webhook endpoint.
func (c *Channel) handleNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		c.logger.Warnf("pelion: unable to read notification body: %s", err)
	}

	c.Dispatch(body, c.validateRequest(r))

	// ACK regardless of processing outcome
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

// validateRequest recomputes the authentication hash and compares it with
// the request header. A missing header means push-URL mode and is accepted.
func (c *Channel) validateRequest(r *http.Request) bool {
	if c.cfg.SkipValidationChecks {
		return true
	}
	h := r.Header.Get("Authentication")
	if h == "" {
		return true
	}
	return h == c.client.AuthenticationHash()
}

// Dispatch decodes one raw body and routes each present key to the sink.
// validated gates telemetry only; lifecycle events flow regardless.
func (c *Channel) Dispatch(body []byte, validated bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("{}")) {
		return
	}

	if c.isDuplicate(body) {
		c.logger.Warnf("pelion: duplicate lifecycle message discovered, ignoring")
		return
	}

	nb, err := DecodeNotificationBody(body)
	if err != nil {
		c.logger.Warnf("pelion: unable to parse notification body: %s", err)
		return
	}

	if len(nb.Notifications) > 0 {
		if validated {
			c.sink.ProcessNotification(nb)
		} else {
			c.logger.Warnf("pelion: notification validation failed, not processed")
		}
	}
	if len(nb.Registrations) > 0 {
		c.sink.ProcessNewRegistration(nb)
	}
	if len(nb.RegUpdates) > 0 {
		c.sink.ProcessReRegistration(nb)
	}
	if len(nb.DeRegistrations) > 0 {
		c.sink.ProcessDeregistrations(nb)
	}
	if len(nb.RegistrationsExpired) > 0 {
		c.sink.ProcessRegistrationsExpired(nb)
	}
	if len(nb.DeviceDeletions) > 0 {
		c.sink.ProcessDeviceDeletions(nb)
	}
	if len(nb.AsyncResponses) > 0 {
		c.sink.ProcessAsyncResponses(nb)
	}
}

// isDuplicate remembers the last raw body; a byte-equal repeat carrying a
// lifecycle key is dropped. Telemetry duplicates are legitimate.
func (c *Channel) isDuplicate(body []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	dup := bytes.Equal(c.lastBody, body) && ContainsLifecycleKey(body)
	if !dup {
		c.lastBody = append(c.lastBody[:0], body...)
	}
	return dup
}

// pollLoop is the long-poll worker.
func (c *Channel) pollLoop(ctx context.Context, done chan struct{}) {
	defer c.wg.Done()

	c.sink.StartDeviceDiscovery()
	for {
		select {
		case <-done:
			return
		default:
		}

		body, err := c.client.LongPoll(ctx)
		if err != nil {
			select {
			case <-done:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(body) > 0 {
			c.Dispatch(body, true)
		}
	}
}

// webSocketLoop registers the websocket channel and keeps one listener
// connection alive, redialing on failure.
func (c *Channel) webSocketLoop(ctx context.Context, done chan struct{}) {
	defer c.wg.Done()

	if err := c.client.EnableWebSocketChannel(ctx); err != nil {
		c.logger.Errorf("pelion: unable to register websocket channel: %s", err)
		c.sink.Reset()
		return
	}
	c.sink.StartDeviceDiscovery()

	header := http.Header{"Authorization": []string{"Bearer " + c.cfg.APIKey}}
	for {
		select {
		case <-done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.client.WebSocketURL(), header)
		if err != nil {
			c.logger.Warnf("pelion: websocket dial failed: %s", err)
			select {
			case <-done:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		c.wsMu.Lock()
		c.ws = conn
		c.wsMu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				c.logger.Warnf("pelion: websocket read failed: %s", err)
				break
			}
			c.Dispatch(msg, true)
		}
		c.closeWebSocket()
	}
}

// Reconnect tears the current websocket down; the listener worker redials.
func (c *Channel) Reconnect() {
	c.closeWebSocket()
}

func (c *Channel) closeWebSocket() {
	c.wsMu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
}
