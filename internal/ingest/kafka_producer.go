// Package ingest publishes position updates onto Kafka so the location
// consumer can feed the shared Redis geo index.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type PositionProducer struct {
	writer *kafka.Writer
}

func NewPositionProducer(brokers []string, topic string) *PositionProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &PositionProducer{writer: w}
}

// Publish keys the message by entity id so per-entity ordering survives
// partitioning.
func (p *PositionProducer) Publish(ctx context.Context, pos models.Position) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(pos.EntityID), Value: b})
}

func (p *PositionProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
