package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const DefaultPublishInterval = 10 * time.Second

type MQTTConfig struct {
	Enable          bool          `yaml:"enable"`
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ClientID        string        `yaml:"client_id"`
	Prefix          string        `yaml:"prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Client publishes status snapshots and feeds remote sensor readings from
// <prefix>/sensors/<id> into the hub.
type Client struct {
	client   mqtt.Client
	cfg      MQTTConfig
	log      *logrus.Entry
	hub      *Hub
	snapshot func() interface{}

	stop chan struct{}
	done chan struct{}
}

func NewClient(cfg MQTTConfig, hub *Hub, snapshot func() interface{}, logger *logrus.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "fermpi"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "fermpi"
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultPublishInterval
	}
	c := &Client{
		cfg:      cfg,
		log:      logger.WithField("module", "mqtt"),
		hub:      hub,
		snapshot: snapshot,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *Client) StatusTopic() string { return c.cfg.Prefix + "/status" }

func (c *Client) sensorTopic() string { return c.cfg.Prefix + "/sensors/+" }

// Start connects to the broker and begins publishing. With connect retry
// enabled the first connection may complete in the background.
func (c *Client) Start() error {
	c.log.Infof("connecting to MQTT broker %s", c.cfg.Broker)
	if token := c.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.publishLoop()
	return nil
}

func (c *Client) Stop() {
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop = nil
	}
	c.log.Info("disconnecting from MQTT broker")
	c.client.Disconnect(250)
}

func (c *Client) publishLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Publish(); err != nil {
				c.log.WithError(err).Warn("status publish failed")
			}
		}
	}
}

// Publish sends one status snapshot. It is skipped while disconnected.
func (c *Client) Publish() error {
	if !c.client.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(c.snapshot())
	if err != nil {
		return err
	}
	token := c.client.Publish(c.StatusTopic(), 0, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", c.StatusTopic())
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	if c.hub == nil {
		return
	}
	topic := c.sensorTopic()
	if token := client.Subscribe(topic, 1, c.handleSensorMessage); token.Wait() && token.Error() != nil {
		c.log.Errorf("failed to subscribe to %s: %v", topic, token.Error())
		return
	}
	c.log.Infof("subscribed to %s", topic)
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.log.Errorf("MQTT connection lost: %v", err)
}

// handleSensorMessage accepts either the node JSON format or a bare number,
// in which case the sensor id comes from the topic.
func (c *Client) handleSensorMessage(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if json.Valid(payload) && strings.HasPrefix(strings.TrimSpace(string(payload)), "{") {
		var m SensorMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			c.log.WithError(err).Warnf("bad sensor message on %s", msg.Topic())
			return
		}
		if m.SensorID == "" {
			m.SensorID = topicID(msg.Topic())
		}
		if err := c.hub.Accept(m); err != nil {
			c.log.WithError(err).Warnf("bad sensor message on %s", msg.Topic())
		}
		return
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		c.log.Warnf("bad sensor value on %s: %q", msg.Topic(), payload)
		return
	}
	if err := c.hub.Accept(SensorMessage{SensorID: topicID(msg.Topic()), Temperature: temp}); err != nil {
		c.log.WithError(err).Warnf("bad sensor value on %s", msg.Topic())
	}
}

func topicID(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}
