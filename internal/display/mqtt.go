package display

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/telemetry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultMQTTTopic    = "dashlog/sample"
	DefaultMQTTClientID = "dashlog"

	mqttTimeout = 2 * time.Second
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes every sample as a retained JSON message. At most
// one publish is in flight; Show never waits on the broker.
type MQTTPublisher struct {
	client mqttClient
	topic  string
	logger logger.Logger

	mu      sync.Mutex
	pending mqtt.Token
}

// NewMQTTPublisher connects to the broker, failing with connection_error
// when it cannot be reached within a short timeout.
func NewMQTTPublisher(cfg MQTTConfig, log logger.Logger) (*MQTTPublisher, error) {
	errFactory := errors.New()

	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultMQTTClientID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(mqttTimeout).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, errFactory.WithMessage(errors.ErrConnection, "mqtt connect timed out: "+cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errFactory.Wrap(errors.ErrConnection, err)
	}

	log = log.With("mqtt")
	log.Info().Str("broker", cfg.Broker).Str("topic", cfg.Topic).Msg("Connected to MQTT broker")

	return &MQTTPublisher{client: client, topic: cfg.Topic, logger: log}, nil
}

// Show hands the sample to the client and returns. While the previous
// publish is still in flight the sample is skipped, since a newer retained
// message supersedes it anyway.
func (p *MQTTPublisher) Show(_ context.Context, s telemetry.Sample) error {
	errFactory := errors.New()

	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var prevErr error
	if p.pending != nil {
		select {
		case <-p.pending.Done():
			prevErr = p.pending.Error()
			p.pending = nil
		default:
			return errFactory.WithMessage(errors.ErrTimeout, "mqtt publish still pending, sample skipped: "+p.topic)
		}
	}

	p.pending = p.client.Publish(p.topic, 0, true, payload)

	if prevErr != nil {
		return errFactory.Wrap(errors.ErrConnection, prevErr)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
