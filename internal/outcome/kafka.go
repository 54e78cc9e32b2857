package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"Mailer/internal/config"
)

const kafkaWriteTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRecorder publishes each outcome as a JSON message keyed by command id.
type KafkaRecorder struct {
	writer messageWriter
	topic  string
	log    *zap.Logger
}

func NewKafkaRecorder(cfg config.OutcomeConfig, logger *zap.Logger) *KafkaRecorder {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           kafkaWriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}

	logger.Info("kafka outcome recorder created",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaTopic),
	)

	return &KafkaRecorder{writer: writer, topic: cfg.KafkaTopic, log: logger.Named("kafka-outcome")}
}

func (r *KafkaRecorder) Record(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	msg := kafka.Message{
		// Same key, same partition: events of one command stay ordered.
		Key:   []byte(ev.CommandID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(ev.Outcome)},
			{Key: "timestamp", Value: []byte(ev.Timestamp.Format(time.RFC3339))},
		},
	}

	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish outcome of %s to %s: %w", ev.CommandID, r.topic, err)
	}
	return nil
}

func (r *KafkaRecorder) Close() error {
	return r.writer.Close()
}
