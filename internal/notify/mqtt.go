package notify

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/errors"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultPublishTimeout    = 10 * time.Second
	defaultReconnectCooldown = 5 * time.Second
	disconnectQuiesceMillis  = 250
	maxReconnectInterval     = 5 * time.Minute
)

// MQTTClient wraps a paho client with a connect cooldown so a broken
// broker config cannot turn into a reconnect storm. Reconnection after
// an established session drops is left to paho's auto-reconnect.
type MQTTClient struct {
	cfg   conf.MQTTSettings
	inner mqtt.Client

	mu              sync.Mutex
	lastConnAttempt time.Time
}

// NewMQTTClient builds a client from settings, applying the package
// defaults to zero timeouts.
func NewMQTTClient(cfg *conf.MQTTSettings) *MQTTClient {
	c := &MQTTClient{cfg: *cfg}
	if c.cfg.ConnectTimeout <= 0 {
		c.cfg.ConnectTimeout = defaultConnectTimeout
	}
	if c.cfg.PublishTimeout <= 0 {
		c.cfg.PublishTimeout = defaultPublishTimeout
	}
	if c.cfg.ReconnectCooldown <= 0 {
		c.cfg.ReconnectCooldown = defaultReconnectCooldown
	}
	return c
}

// Connect attempts to establish a session. Attempts inside the cooldown
// window are rejected without touching the network.
func (c *MQTTClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since := time.Since(c.lastConnAttempt); since < c.cfg.ReconnectCooldown {
		return errors.Newf("connection attempt too recent, last attempt was %v ago", since.Round(time.Millisecond)).
			Component("notify").
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.cfg.Broker).
			Build()
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryValidation).
			Context("broker", c.cfg.Broker).
			Build()
	}

	// Resolve the hostname first so a DNS misconfiguration surfaces as
	// its own error instead of a generic connect timeout.
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(err).
				Component("notify").
				Category(errors.CategoryMQTTConnection).
				Context("host", host).
				Build()
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.inner = mqtt.NewClient(opts)

	token := c.inner.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return errors.Newf("connection timeout after %v", c.cfg.ConnectTimeout).
			Component("notify").
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.cfg.Broker).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.cfg.Broker).
			Build()
	}
	return nil
}

// Publish sends payload to topic at QoS 0 with the configured retain
// flag.
func (c *MQTTClient) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = ctx // paho tokens carry their own deadline

	if !c.isConnectedLocked() {
		return errors.Newf("not connected to MQTT broker").
			Component("notify").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	token := c.inner.Publish(topic, 0, c.cfg.Retain, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return errors.Newf("publish timeout after %v", c.cfg.PublishTimeout).
			Component("notify").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	return nil
}

// IsConnected reports whether a broker session is up.
func (c *MQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *MQTTClient) isConnectedLocked() bool {
	return c.inner != nil && c.inner.IsConnected()
}

// Disconnect closes the session, allowing in-flight publishes a short
// quiesce.
func (c *MQTTClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner != nil && c.inner.IsConnected() {
		c.inner.Disconnect(disconnectQuiesceMillis)
	}
}

func (c *MQTTClient) onConnect(_ mqtt.Client) {
	notifyLogger.Info("connected to MQTT broker", "broker", c.cfg.Broker)
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	notifyLogger.Warn("MQTT connection lost, auto-reconnect engaged",
		"broker", c.cfg.Broker, "error", err)
}
