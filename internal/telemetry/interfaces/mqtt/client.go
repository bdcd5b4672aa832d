package mqtt

import (
	"context"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte

	BootTopic        string
	MeasurementTopic string
}

// BuildClient constructs the paho client wired to the dispatch handler.
// Handlers run unordered on their own goroutines so a slow park insert
// cannot stall the broker delivery loop.
func BuildClient(cfg ClientConfig, handler *Handler, logger *log.Logger) paho.Client {
	dispatch := func(_ paho.Client, msg paho.Message) {
		handler.HandleMessage(context.Background(), msg.Topic(), msg.Payload())
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c paho.Client) {
		logger.Printf("connected to mqtt broker: %s", cfg.BrokerURL)
		for _, topic := range []string{cfg.BootTopic, cfg.MeasurementTopic} {
			if token := c.Subscribe(topic, cfg.QoS, dispatch); token.Wait() && token.Error() != nil {
				logger.Printf("mqtt subscribe error on %s: %v", topic, token.Error())
			} else {
				logger.Printf("subscribed to topic: %s (QoS %d)", topic, cfg.QoS)
			}
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Printf("mqtt connection lost: %v", err)
	}

	return paho.NewClient(opts)
}

// ConnectWithBackoff retries the initial broker connection until it
// succeeds or the context is cancelled.
func ConnectWithBackoff(ctx context.Context, client paho.Client, logger *log.Logger, start, max time.Duration) error {
	backoff := start
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		logger.Printf("mqtt connect error: %v; retrying in %s", token.Error(), backoff)
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
