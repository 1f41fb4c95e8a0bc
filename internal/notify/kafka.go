// Package notify publishes pipeline events to the dashboard broadcast
// topic. Messages are keyed by camera id so each camera's events stay
// ordered within a partition.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Event types published to the broadcast topic.
const (
	EventCarDetected  = "car_detected"
	EventTrafficLight = "traffic_light"
	EventViolation    = "violation_detect"
	EventStatsUpdate  = "traffic_stats_update"
)

// Event is one broadcast message.
type Event struct {
	Type      string `json:"type"`
	CameraID  string `json:"camera_id"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// KafkaPublisher writes events to a single topic keyed by camera.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 50 * time.Millisecond,
		},
		log: log.With().Str("component", "kafka-publisher").Logger(),
	}
}

// Publish sends one event. The caller bounds the context; a failure is
// logged and returned but never retried here.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.CameraID),
		Value: value,
	})
	if err != nil {
		p.log.Error().
			Err(err).
			Str("event_type", event.Type).
			Str("camera_id", event.CameraID).
			Msg("failed to publish event")
	}
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
