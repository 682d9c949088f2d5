// Package events publishes job lifecycle events to Kafka so downstream
// consumers (reader apps, recap builders) can react to fresh segment outputs
// without polling the database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// JobEvent is published once per finished job.
type JobEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	SegmentID  uuid.UUID `json:"segment_id"`
	WorkID     uuid.UUID `json:"work_id"`
	Status     string    `json:"status"` // success, failed
	Attempt    int       `json:"attempt"`
	Error      *string   `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher writes job events to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

// NewPublisher creates a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka job event publisher initialized")

	return &Publisher{
		writer: writer,
		topic:  topic,
	}
}

// PublishJobEvent publishes one job event keyed by job ID, so replays of the
// same job land on the same partition.
func (p *Publisher) PublishJobEvent(ctx context.Context, event JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.JobID.String()),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write job event to kafka: %w", err)
	}

	log.Debug().
		Str("job_id", event.JobID.String()).
		Str("status", event.Status).
		Str("topic", p.topic).
		Msg("Job event published")
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	log.Info().Msg("Closing Kafka job event publisher")
	return p.writer.Close()
}
