// Package mqtt implements the per-device peer session on top of
// the eclipse paho client.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
)

// Topic pairs a topic filter with its subscription QoS.
type Topic struct {
	Name string
	QoS  byte
}

// ReceiveFunc handles one inbound message. Invocations are serialized
// per session by a single listener goroutine.
type ReceiveFunc func(topic string, payload []byte)

// Connection is the per-device transport contract the peer adapters use.
// Session is the production implementation; tests substitute fakes.
type Connection interface {
	Connect(ctx context.Context) error
	Subscribe(topics ...Topic) error
	Unsubscribe(topics ...string) error
	SendMessage(topic string, body []byte, qos byte) error
	Disconnect(hard bool)
	IsConnected() bool
	SetOnReceiveListener(fn ReceiveFunc)
}

var _ Connection = (*Session)(nil)

const inboundBuffer = 128

// SessionOption is a session configuration option.
type SessionOption func(s *Session)

// WithTLS enables TLS with the given config. A nil config still enables
// TLS with stock verification, which also rejects self-signed certs.
func WithTLS(cfg *tls.Config) SessionOption {
	return func(s *Session) {
		s.useTLS = true
		s.tls = cfg
	}
}

// WithCredentials sets the client id and the username/password pair.
func WithCredentials(clientID, username, password string) SessionOption {
	return func(s *Session) {
		s.clientID = clientID
		s.username = username
		s.password = password
	}
}

// WithCleanSession toggles the MQTT clean-session flag.
func WithCleanSession(clean bool) SessionOption {
	return func(s *Session) {
		s.clean = clean
	}
}

// WithLogger sets the session logger.
func WithLogger(l common.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession creates a session for one device. It does not connect.
func NewSession(host string, port int, opts ...SessionOption) *Session {
	s := &Session{
		host:    host,
		port:    port,
		clean:   true,
		logger:  common.Discard,
		inbound: make(chan inboundMessage, inboundBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// Session is a single device's MQTT connection plus its receive worker.
// A session is single-use: after Disconnect, build a new one.
type Session struct {
	host     string
	port     int
	clientID string
	username string
	password string
	useTLS   bool
	tls      *tls.Config
	clean    bool
	logger   common.Logger

	mu   sync.RWMutex
	conn pahomqtt.Client
	recv ReceiveFunc

	inbound chan inboundMessage
	done    chan struct{}
	wg      sync.WaitGroup
}

// SetOnReceiveListener installs the receive callback. Must be called
// before Connect; messages arriving with no listener are dropped.
func (s *Session) SetOnReceiveListener(fn ReceiveFunc) {
	s.mu.Lock()
	s.recv = fn
	s.mu.Unlock()
}

// Connect dials the broker and starts the listener worker.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return errors.New("already connected")
	}

	scheme := "tcp"
	if s.useTLS {
		scheme = "tls"
	}
	o := pahomqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.host, s.port))
	o.SetClientID(s.clientID)
	o.SetUsername(s.username)
	o.SetPassword(s.password)
	o.SetCleanSession(s.clean)
	o.SetAutoReconnect(true)
	if s.useTLS && s.tls != nil {
		o.SetTLSConfig(s.tls)
	}
	o.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.logger.Infof("mqtt: %s connected", s.clientID)
	})
	o.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warnf("mqtt: %s connection lost: %v", s.clientID, err)
	})

	c := pahomqtt.NewClient(o)
	t := c.Connect()
	if !t.WaitTimeout(waitBudget(ctx)) {
		return errors.New("mqtt: connect timed out")
	}
	if err := t.Error(); err != nil {
		return err
	}

	s.conn = c
	s.wg.Add(1)
	go s.listen()
	return nil
}

// listen drains the inbound queue on a single goroutine so the adapter
// sees messages strictly in arrival order.
func (s *Session) listen() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.inbound:
			s.mu.RLock()
			fn := s.recv
			s.mu.RUnlock()
			if fn != nil {
				fn(m.topic, m.payload)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) enqueue(_ pahomqtt.Client, m pahomqtt.Message) {
	select {
	case s.inbound <- inboundMessage{topic: m.Topic(), payload: m.Payload()}:
	case <-s.done:
	}
}

// Subscribe registers the given topic filters.
func (s *Session) Subscribe(topics ...Topic) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}
	filters := make(map[string]byte, len(topics))
	for _, tp := range topics {
		filters[tp.Name] = tp.QoS
	}
	t := conn.SubscribeMultiple(filters, s.enqueue)
	t.Wait()
	return t.Error()
}

// Unsubscribe removes the given topic filters, best effort.
func (s *Session) Unsubscribe(topics ...string) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}
	t := conn.Unsubscribe(topics...)
	t.Wait()
	return t.Error()
}

// SendMessage publishes one message at the given QoS.
func (s *Session) SendMessage(topic string, body []byte, qos byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}
	t := conn.Publish(topic, qos, false, body)
	t.Wait()
	return t.Error()
}

// IsConnected reports the underlying client state.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.conn.IsConnected()
}

// Disconnect tears the session down and joins the listener worker.
// hard skips the quiesce window.
func (s *Session) Disconnect(hard bool) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	if conn != nil && conn.IsConnected() {
		quiesce := uint(250)
		if hard {
			quiesce = 0
		}
		conn.Disconnect(quiesce)
	}
	s.wg.Wait()
	s.logger.Infof("mqtt: %s disconnected", s.clientID)
}

func waitBudget(ctx context.Context) time.Duration {
	const defaultBudget = 30 * time.Second
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultBudget
	}
	if d := time.Until(deadline); d > 0 && d < defaultBudget {
		return d
	}
	return defaultBudget
}
