package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
	"github.com/DougAnsonAustinTX/pelion-bridge/config"
	"github.com/DougAnsonAustinTX/pelion-bridge/pelion"
)

// Orchestrator routes the source cloud's event stream to the registered
// peer adapters and answers their upstream calls. Adapters run concurrently
// with each other; within one adapter a batch is handed over sequentially.
type Orchestrator struct {
	cfg      *config.Config
	client   *pelion.Client
	registry *TypeRegistry
	attrs    *AttributeRetriever
	logger   common.Logger

	mu       sync.RWMutex
	adapters []PeerAdapter
	channel  *pelion.Channel
	ctx      context.Context

	discovering atomic.Bool
	done        chan struct{}
	wg          sync.WaitGroup
}

var (
	_ pelion.EventSink = (*Orchestrator)(nil)
	_ Orchestration    = (*Orchestrator)(nil)
)

// NewOrchestrator builds the core with no adapters attached.
func NewOrchestrator(cfg *config.Config, client *pelion.Client, logger common.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		registry: NewTypeRegistry(cfg.DefaultEndpointType),
		attrs:    NewAttributeRetriever(client, cfg.AttributeURIs(), cfg.EnableAttributeGets, logger),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// AddAdapter attaches a peer adapter. Call before Start.
func (o *Orchestrator) AddAdapter(a PeerAdapter) {
	o.mu.Lock()
	o.adapters = append(o.adapters, a)
	o.mu.Unlock()
}

// SetChannel attaches the notification channel the orchestrator restarts
// on Reset. Call before Start.
func (o *Orchestrator) SetChannel(ch *pelion.Channel) {
	o.mu.Lock()
	o.channel = ch
	o.mu.Unlock()
}

// Start launches the notification channel.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx = ctx
	ch := o.channel
	o.mu.Unlock()
	if ch != nil {
		ch.Start(ctx)
	}
}

// Stop halts the channel, joins all workers and stops every adapter.
func (o *Orchestrator) Stop() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
	o.mu.RLock()
	ch := o.channel
	adapters := o.adapters
	o.mu.RUnlock()
	if ch != nil {
		ch.Stop()
	}
	o.wg.Wait()
	o.attrs.Wait()
	for _, a := range adapters {
		a.Stop()
	}
}

// fanOut invokes fn once per adapter, concurrently, and waits for all.
// The caller (the channel worker) is single-threaded, so batches still
// reach each adapter in arrival order.
func (o *Orchestrator) fanOut(fn func(PeerAdapter)) {
	o.mu.RLock()
	adapters := o.adapters
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(a)
		}()
	}
	wg.Wait()
}

// --- pelion.EventSink ---

func (o *Orchestrator) ProcessNotification(body *pelion.NotificationBody) {
	o.fanOut(func(a PeerAdapter) { a.ProcessNotification(body.Notifications) })
}

func (o *Orchestrator) ProcessNewRegistration(body *pelion.NotificationBody) {
	for i := range body.Registrations {
		ev := &body.Registrations[i]
		o.registry.Set(ev.DeviceID(), ev.Type())
	}
	o.fanOut(func(a PeerAdapter) { a.ProcessNewRegistration(body.Registrations) })
}

func (o *Orchestrator) ProcessReRegistration(body *pelion.NotificationBody) {
	for i := range body.RegUpdates {
		ev := &body.RegUpdates[i]
		if ev.Type() != "" {
			o.registry.Set(ev.DeviceID(), ev.Type())
		}
	}
	o.fanOut(func(a PeerAdapter) { a.ProcessReRegistration(body.RegUpdates) })
}

func (o *Orchestrator) ProcessDeregistrations(body *pelion.NotificationBody) {
	o.fanOut(func(a PeerAdapter) { a.ProcessDeregistrations(body.DeRegistrations) })
	if o.cfg.RemoveOnDeregistration {
		for _, id := range body.DeRegistrations {
			o.registry.Remove(id)
		}
	}
}

func (o *Orchestrator) ProcessRegistrationsExpired(body *pelion.NotificationBody) {
	o.fanOut(func(a PeerAdapter) { a.ProcessRegistrationsExpired(body.RegistrationsExpired) })
	// an expired registration means the device is gone for good
	for _, id := range body.RegistrationsExpired {
		o.registry.Remove(id)
	}
}

func (o *Orchestrator) ProcessDeviceDeletions(body *pelion.NotificationBody) {
	o.fanOut(func(a PeerAdapter) { a.ProcessDeviceDeletions(body.DeviceDeletions) })
	for _, id := range body.DeviceDeletions {
		o.registry.Remove(id)
	}
}

func (o *Orchestrator) ProcessAsyncResponses(body *pelion.NotificationBody) {
	o.fanOut(func(a PeerAdapter) { a.ProcessAsyncResponses(body.AsyncResponses) })
}

// StartDeviceDiscovery scans the device directory and creates a shadow for
// every registered device. Reentrant calls while a scan runs are ignored.
func (o *Orchestrator) StartDeviceDiscovery() {
	if !o.discovering.CompareAndSwap(false, true) {
		o.logger.Infof("bridge: device discovery already running")
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.discovering.Store(false)

		// let the channel settle before hammering the directory
		select {
		case <-time.After(o.cfg.DeviceDiscoveryDelay()):
		case <-o.done:
			return
		}

		ctx := o.baseContext()
		devices, err := o.client.DiscoverRegisteredDevices(ctx)
		if err != nil {
			o.logger.Warnf("bridge: device discovery failed: %s", err)
			if len(devices) == 0 {
				return
			}
		}
		o.logger.Warnf("bridge: discovered %d registered devices", len(devices))

		limit := o.cfg.MaxShadowCreateThreads
		if limit <= 0 {
			limit = 1
		}
		g := &errgroup.Group{}
		g.SetLimit(limit)
		for _, d := range devices {
			d := d
			g.Go(func() error {
				o.setupShadow(ctx, d)
				return nil
			})
		}
		g.Wait()
	}()
}

func (o *Orchestrator) setupShadow(ctx context.Context, d pelion.DeviceInfo) {
	record := NewDeviceRecord(d.ID, o.registry.Sanitize(d.EndpointType))
	record.ETag = d.ETag

	resources, err := o.client.DiscoverDeviceResources(ctx, d.ID)
	if err != nil {
		o.logger.Warnf("bridge: resource discovery for %s failed: %s", d.ID, err)
	}
	record.Resources = resources

	o.registry.Set(d.ID, d.EndpointType)
	o.attrs.Retrieve(ctx, record, o.completeRegistration)
}

func (o *Orchestrator) completeRegistration(record *DeviceRecord) {
	o.fanOut(func(a PeerAdapter) { a.CompleteNewDeviceRegistration(record) })
}

// Reset restarts the notification channel. Runs asynchronously so channel
// workers may call it without deadlocking against their own join.
func (o *Orchestrator) Reset() {
	o.mu.RLock()
	ch := o.channel
	ctx := o.ctx
	o.mu.RUnlock()
	if ch == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	o.logger.Warnf("bridge: resetting notification channel")
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ch.Stop()
		select {
		case <-o.done:
			return
		default:
		}
		ch.Start(ctx)
	}()
}

// --- Orchestration ---

func (o *Orchestrator) EndpointResourceOperation(ctx context.Context, verb, deviceID, uri, value, options string) string {
	return o.client.EndpointResourceOperation(ctx, verb, deviceID, uri, value, options)
}

func (o *Orchestrator) APIRequestOperation(ctx context.Context, uri, data, options, verb string, requestID int, apiKey, callerID, contentType string) *pelion.APIResponse {
	return o.client.APIRequestOperation(ctx, uri, data, options, verb, requestID, apiKey, callerID, contentType)
}

func (o *Orchestrator) RetrieveAttributes(ctx context.Context, record *DeviceRecord, complete func(*DeviceRecord)) {
	o.attrs.Retrieve(ctx, record, complete)
}

func (o *Orchestrator) EndpointTypeOf(deviceID string) string {
	return o.registry.Get(deviceID)
}

func (o *Orchestrator) SetEndpointType(deviceID, endpointType string) {
	o.registry.Set(deviceID, endpointType)
}

func (o *Orchestrator) RemoveEndpointType(deviceID string) {
	o.registry.Remove(deviceID)
}

func (o *Orchestrator) DeviceRemovedOnDeregistration() bool {
	return o.cfg.RemoveOnDeregistration
}

func (o *Orchestrator) baseContext() context.Context {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}
