// Package messaging carries pool events between services over Kafka.
// Events travel as protobuf-encoded structpb.Struct values.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/gomp-pool/pkg/circuit"
	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
	"github.com/bardlex/gomp-pool/pkg/retry"
)

// headerPublishedAt carries a protobuf Timestamp of when the producer sent the message
const headerPublishedAt = "published_at"

// KafkaClient wraps kafka-go with protobuf support and connection pooling
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	// block events must not be skipped after a restart
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	now := time.Now()
	stamp, err := proto.Marshal(timestamppb.New(now))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal", "failed to marshal timestamp")
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:     []byte(key),
				Value:   data,
				Time:    now,
				Headers: []kafka.Header{{Key: headerPublishedAt, Value: stamp}},
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Delivery describes a consumed message
type Delivery struct {
	Topic       string
	Key         string
	PublishedAt time.Time
}

// ConsumeProto reads the next message from reader into msg
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (*Delivery, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (*Delivery, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (*Delivery, error) {
			kafkaMsg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}

			if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
					"failed to unmarshal protobuf message").
					WithContext("topic", kafkaMsg.Topic).
					WithContext("message_size", len(kafkaMsg.Value))
			}

			d := &Delivery{
				Topic:       kafkaMsg.Topic,
				Key:         string(kafkaMsg.Key),
				PublishedAt: publishedAt(kafkaMsg),
			}
			k.logger.Debug("consumed message", "topic", d.Topic, "key", d.Key, "size", len(kafkaMsg.Value))
			return d, nil
		})
	})
}

func publishedAt(msg kafka.Message) time.Time {
	for _, h := range msg.Headers {
		if h.Key != headerPublishedAt {
			continue
		}
		var ts timestamppb.Timestamp
		if err := proto.Unmarshal(h.Value, &ts); err == nil && ts.IsValid() {
			return ts.AsTime()
		}
	}
	return msg.Time
}

// MessageHandler defines the interface for handling Kafka messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, d *Delivery, msg proto.Message) error
}

// StartConsumer runs a consumer loop for a topic until ctx ends
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	defer func() {
		k.readersMu.Lock()
		delete(k.readers, fmt.Sprintf("%s-%s", topic, groupID))
		k.readersMu.Unlock()
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close Kafka reader")
		}
	}()

	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		if ctx.Err() != nil {
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		}

		msg := msgFactory()
		d, err := k.ConsumeProto(ctx, reader, msg)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			// the breaker is open or the broker is gone
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handler.HandleMessage(ctx, d, msg); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", d.Key)
		}
	}
}

// PublishBlockFound publishes e on TopicBlocksFound
func (k *KafkaClient) PublishBlockFound(ctx context.Context, e *BlockFoundEvent) error {
	s, err := e.ToStruct()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_block_event", "failed to encode block event")
	}
	return k.PublishProto(ctx, TopicBlocksFound, e.Key(), s)
}

// PublishPayout publishes e on TopicPayouts
func (k *KafkaClient) PublishPayout(ctx context.Context, e *PayoutEvent) error {
	s, err := e.ToStruct()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_payout_event", "failed to encode payout event")
	}
	return k.PublishProto(ctx, TopicPayouts, e.Key(), s)
}

// BlockFoundHandlerFunc handles decoded block events
type BlockFoundHandlerFunc func(ctx context.Context, e *BlockFoundEvent) error

// HandleMessage decodes msg and calls f
func (f BlockFoundHandlerFunc) HandleMessage(ctx context.Context, _ *Delivery, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	e, err := BlockFoundFromStruct(s)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_block_event", "invalid block event")
	}
	return f(ctx, e)
}

// ConsumeBlocksFound feeds block events to handler until ctx ends
func (k *KafkaClient) ConsumeBlocksFound(ctx context.Context, groupID string, handler BlockFoundHandlerFunc) error {
	return k.StartConsumer(ctx, TopicBlocksFound, groupID, func() proto.Message {
		return &structpb.Struct{}
	}, handler)
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
