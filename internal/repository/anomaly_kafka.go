package repository

import (
	"context"
	"fmt"

	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/domain/repository"
	pkgkafka "IntelliDetect/pkg/kafka"
)

// EventProducer is the part of *kafka.Producer the publisher needs.
type EventProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// KafkaAnomalyPublisher implements AnomalyPublisher for Kafka. Events are
// keyed by strategy and item so one item's events stay ordered.
type KafkaAnomalyPublisher struct {
	producer EventProducer
	topic    string
}

// NewKafkaAnomalyPublisher creates Kafka publisher.
func NewKafkaAnomalyPublisher(producer EventProducer, topic string) repository.AnomalyPublisher {
	return &KafkaAnomalyPublisher{producer: producer, topic: topic}
}

func (p *KafkaAnomalyPublisher) Publish(ctx context.Context, e *models.AnomalyEvent) error {
	return p.producer.Publish(ctx, p.topic, eventKey(e), e)
}

func (p *KafkaAnomalyPublisher) PublishBatch(ctx context.Context, events []*models.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		msgs = append(msgs, pkgkafka.Message{Key: eventKey(e), Value: e})
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

// Close closes the underlying producer.
func (p *KafkaAnomalyPublisher) Close() error {
	return p.producer.Close()
}

func eventKey(e *models.AnomalyEvent) []byte {
	return []byte(fmt.Sprintf("%d:%d", e.StrategyID, e.ItemID))
}
