// Package kafka publishes transformed batches to Kafka with sarama. Each
// item becomes one message keyed by document key; deletions are published
// as null-valued tombstones so compacted topics drop the key.
package kafka

import (
	"context"
	"errors"
	"strconv"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// Config configures the sink
type Config struct {
	Brokers []string
	// Topic overrides the per-item collection topic
	Topic    string
	Encoding string
}

// Sink is a sink.Sink over a sarama SyncProducer
type Sink struct {
	cfg      Config
	producer sarama.SyncProducer
	encoder  Encoder
	logger   *zap.Logger
}

var _ sink.Sink = (*Sink)(nil)

func errUnsupportedEncoding(encoding string) error {
	return nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "unsupported Kafka encoding %q", encoding)
}

// ProducerConfig returns the sarama configuration used by Open. Writes are
// idempotent and acknowledged by all in-sync replicas.
func ProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "nebula-etl"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Net.MaxOpenRequests = 1
	config.Producer.Compression = sarama.CompressionLZ4
	config.Version = sarama.V2_8_0_0
	return config
}

// Open connects a SyncProducer to cfg.Brokers
func Open(cfg Config, logger *zap.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "Kafka sink requires brokers")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig())
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create Kafka producer")
	}
	s, err := New(producer, cfg, logger)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing producer
func New(producer sarama.SyncProducer, cfg Config, logger *zap.Logger) (*Sink, error) {
	encoder, err := NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return &Sink{cfg: cfg, producer: producer, encoder: encoder, logger: logger}, nil
}

// Name implements sink.Sink
func (s *Sink) Name() string { return "kafka" }

// Load publishes the batch with a single SendMessages call
func (s *Sink) Load(ctx context.Context, items []models.TransformedItem) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(items))
	for _, item := range items {
		msg, err := s.message(item)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			return nebulaerrors.Wrap(perrs[0].Err, nebulaerrors.ErrorTypeLoad, "failed to publish batch").
				WithDetail("failed", len(perrs)).
				WithDetail("topic", perrs[0].Msg.Topic)
		}
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, "failed to publish batch")
	}

	s.logger.Debug("published batch", zap.Int("messages", len(msgs)))
	return nil
}

func (s *Sink) message(item models.TransformedItem) (*sarama.ProducerMessage, error) {
	topic := s.cfg.Topic
	if topic == "" {
		topic = item.Collection
	}

	operation := "upsert"
	var value sarama.Encoder
	if item.Deleted {
		operation = "delete"
	} else {
		data, err := s.encoder.Encode(item)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode message").WithDetail("key", item.Key)
		}
		value = sarama.ByteEncoder(data)
	}

	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(item.Key),
		Value: value,
		Headers: []sarama.RecordHeader{
			{Key: []byte("operation"), Value: []byte(operation)},
			{Key: []byte("sequence"), Value: []byte(strconv.FormatUint(item.Sequence, 10))},
			{Key: []byte("collection"), Value: []byte(item.Collection)},
			{Key: []byte("content-type"), Value: []byte(s.encoder.ContentType())},
		},
	}, nil
}

// Close closes the producer
func (s *Sink) Close(context.Context) error {
	return s.producer.Close()
}
