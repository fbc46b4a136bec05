package transport

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	Port           int
	ClientID       string // a random suffix is appended so two tools never collide
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Logger         logrus.FieldLogger
}

// MQTT is a Bus backed by a paho client. Inbound messages are delivered on
// paho's router goroutine.
type MQTT struct {
	client         mqtt.Client
	publishTimeout time.Duration
	log            logrus.FieldLogger

	mu     sync.Mutex
	subs   map[string][]Handler
	closed bool
}

// DialMQTT connects to the broker and blocks until the connection is up or
// ConnectTimeout elapses. A failure here is fatal to any run.
func DialMQTT(opts MQTTOptions) (*MQTT, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ClientID == "" {
		opts.ClientID = "speedcal"
	}

	m := &MQTT{
		publishTimeout: opts.PublishTimeout,
		log:            opts.Logger.WithField("component", "mqtt"),
		subs:           map[string][]Handler{},
	}

	broker := fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port)
	clientOpts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID + "-" + uuid.NewString()[:8]).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(m.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warnf("connection lost: %v", err)
		})

	m.client = mqtt.NewClient(clientOpts)
	token := m.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, pkgerrors.Errorf("connect to %s: timed out after %s", broker, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, pkgerrors.Wrapf(err, "connect to %s", broker)
	}
	m.log.Infof("connected to MQTT broker at %s", broker)
	return m, nil
}

// Publish sends payload at QoS 0, non-retained.
func (m *MQTT) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	token := m.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(m.publishTimeout) {
		return pkgerrors.Errorf("publish %s: timed out", topic)
	}
	return pkgerrors.Wrapf(token.Error(), "publish %s", topic)
}

// Subscribe registers h for topic. Registrations survive reconnects.
func (m *MQTT) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.subs[topic] = append(m.subs[topic], h)
	first := len(m.subs[topic]) == 1
	m.mu.Unlock()

	if !first {
		return nil
	}
	token := m.client.Subscribe(topic, 0, m.route)
	if !token.WaitTimeout(m.publishTimeout) {
		return pkgerrors.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return pkgerrors.Wrapf(err, "subscribe %s", topic)
	}
	m.log.Debugf("subscribed to %s", topic)
	return nil
}

// Close disconnects, giving in-flight work 250ms to drain.
func (m *MQTT) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.client.Disconnect(250)
}

func (m *MQTT) route(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.subs[msg.Topic()]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg.Topic(), msg.Payload())
	}
}

// resubscribe restores every registration after paho reconnects.
func (m *MQTT) resubscribe(c mqtt.Client) {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	m.mu.Unlock()

	for _, t := range topics {
		if token := c.Subscribe(t, 0, m.route); token.Wait() && token.Error() != nil {
			m.log.Errorf("resubscribe %s: %v", t, token.Error())
		}
	}
}
