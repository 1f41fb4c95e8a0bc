// Package ingest consumes detection cycles and roadside sensor readings
// from the MQTT broker and feeds them into the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/config"
	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/metrics"
	"traffic-violation-service/internal/service"
)

// SensorStore persists roadside sensor readings.
// Implemented by repository.Repository.
type SensorStore interface {
	SaveSensorReading(ctx context.Context, reading traffic.SensorReading) error
}

// Consumer subscribes to the detection and sensor topics and dispatches
// each message to the pipeline. Malformed payloads are dropped with a log
// line; the broker connection auto-reconnects and re-subscribes.
type Consumer struct {
	cfg        config.MQTTConfig
	detections *service.DetectionService
	sensors    SensorStore
	metrics    *metrics.Metrics
	log        zerolog.Logger

	client mqtt.Client
}

func NewConsumer(
	cfg config.MQTTConfig,
	detections *service.DetectionService,
	sensors SensorStore,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Consumer {
	return &Consumer{
		cfg:        cfg,
		detections: detections,
		sensors:    sensors,
		metrics:    m,
		log:        log.With().Str("component", "mqtt-consumer").Logger(),
	}
}

// Run connects to the broker, subscribes and blocks until the context is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true)

	opts.OnConnect = func(client mqtt.Client) {
		c.log.Info().Str("broker", c.cfg.BrokerURL).Msg("connected to broker")
		c.subscribe(client)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("broker connection lost")
	}

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	<-ctx.Done()
	c.client.Disconnect(250)
	return ctx.Err()
}

func (c *Consumer) subscribe(client mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		c.cfg.DetectionsTopic: c.handleDetection,
		c.cfg.SensorTopic:     c.handleSensor,
	}
	for topic, handler := range subs {
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			c.log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		}
	}
}

func (c *Consumer) handleDetection(_ mqtt.Client, m mqtt.Message) {
	var msg traffic.DetectionMessage
	if err := json.Unmarshal(m.Payload(), &msg); err != nil {
		c.metrics.MalformedMessages.Add(1)
		c.log.Warn().Err(err).Str("topic", m.Topic()).Msg("dropping malformed detection message")
		return
	}
	c.detections.Dispatch(msg)
}

func (c *Consumer) handleSensor(_ mqtt.Client, m mqtt.Message) {
	var payload map[string]any
	if err := json.Unmarshal(m.Payload(), &payload); err != nil {
		c.metrics.MalformedMessages.Add(1)
		c.log.Warn().Err(err).Str("topic", m.Topic()).Msg("dropping malformed sensor reading")
		return
	}
	reading := traffic.SensorReading{
		Topic:      m.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.sensors.SaveSensorReading(ctx, reading); err != nil {
		c.metrics.PersistErrors.Add(1)
		c.log.Error().Err(err).Str("topic", reading.Topic).Msg("failed to persist sensor reading")
	}
}
