package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cropcast-backend/internal/logging"
)

// Client manages the MQTT connection only.
// Subscribing and publishing go through Subscriber and Publisher.
type Client struct {
	client mqtt.Client
	config ClientConfig
	log    *zap.SugaredLogger
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// DefaultClientConfig returns a local broker configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "cropcast-backend",
		ConnectTimeout: 10 * time.Second,
	}
}

// NewClient connects to the broker
func NewClient(config ClientConfig, log *zap.SugaredLogger) (*Client, error) {
	log = logging.OrNop(log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		log.Debugf("MQTT: Unhandled message on topic %s", msg.Topic())
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("MQTT: Connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("MQTT: Connection lost: %v", err)
	})
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Infof("MQTT Client: Connected to broker %s", config.Broker)
	return &Client{client: client, config: config, log: log}, nil
}

// GetNativeClient returns the underlying paho client used by Subscriber and Publisher
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// IsConnected reports whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects from the broker
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.log.Info("MQTT Client: Disconnected")
}
