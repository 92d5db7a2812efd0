// Package events announces mirrored posts on a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const DefaultTopic = "posts.mirrored"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per mirrored post, keyed by account so
// events of one account stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

var _ domain.EventPublisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	})
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishMirrored(ctx context.Context, ev domain.MirroredEvent) error {
	msg, err := message(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func message(ev domain.MirroredEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Account),
		Value: value,
		Time:  ev.MirroredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("post.mirrored")},
		},
	}, nil
}
