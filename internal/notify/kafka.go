package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/alert"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// KafkaSink publishes alerts as JSON to a topic, keyed by alert kind.
type KafkaSink struct {
	logger   *zap.Logger
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaConfig returns the producer configuration used for alerts.
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = "fx-regime-engine"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	return config
}

// NewKafkaSink dials the brokers and creates a synchronous producer.
func NewKafkaSink(logger *zap.Logger, brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, types.ConfigError("notify.NewKafkaSink", "at least one kafka broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(logger, producer, topic)
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(logger *zap.Logger, producer sarama.SyncProducer, topic string) (*KafkaSink, error) {
	if topic == "" {
		return nil, types.ConfigError("notify.NewKafkaSink", "kafka topic is required")
	}
	logger.Info("Kafka alert sink initialized", zap.String("topic", topic))
	return &KafkaSink{logger: logger, producer: producer, topic: topic}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, a alert.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}

	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(a.Kind),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("severity"), Value: []byte(a.Severity.String())},
		},
		Timestamp: a.At,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", a.Kind, err)
	}

	s.logger.Debug("Alert published",
		zap.String("alert_id", a.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
