// Package messaging publishes miner events to Kafka and reads them back.
// Payloads are protobuf encoded.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gomp-miner/pkg/circuit"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
	"github.com/bardlex/gomp-miner/pkg/retry"
)

// KafkaClient publishes protobuf messages through one writer per topic and
// opens a reader for every Consume call
type KafkaClient struct {
	brokers []string
	logger  *log.Logger
	breaker *circuit.Breaker
	retry   *retry.Config

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// NewKafkaClient creates a client for brokers. Nothing is dialled until the
// first publish or consume.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]*kafka.Writer),
	}
	k.breaker = circuit.New(&circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(_ string, from, to circuit.State) {
			k.logger.Warn("kafka circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})
	k.retry = retry.NetworkConfig().WithOnRetry(func(attempt int, err error, delay time.Duration) {
		k.logger.WithError(err).Debug("publish failed, retrying", "attempt", attempt, "delay", delay)
	})
	return k
}

// writer returns the cached writer for topic. Events of one pool share a
// key, so the Hash balancer keeps them on one partition and in order.
func (k *KafkaClient) writer(topic string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, errors.New(errors.ErrorTypeInternal, "kafka_writer", "client is closed")
	}
	if w, ok := k.writers[topic]; ok {
		return w, nil
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	k.writers[topic] = w
	k.logger.Info("created Kafka writer", "topic", topic)
	return w, nil
}

// newReader opens a reader on topic. With an empty group the reader starts
// at the newest offset of partition 0; with a group it resumes the group's
// position.
func (k *KafkaClient) newReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     time.Second,
	})
}

// PublishProto marshals msg and writes it to topic under key. Writes are
// retried and guarded by a circuit breaker; while the breaker is open the
// call fails immediately.
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic)
	}

	w, err := k.writer(topic)
	if err != nil {
		return err
	}

	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retry, func() error {
			err := w.WriteMessages(ctx, kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}
			return nil
		})
	})
}

// readProto reads one message from r into msg and returns its key
func readProto(ctx context.Context, r *kafka.Reader, msg proto.Message) (string, error) {
	m, err := r.ReadMessage(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
			"failed to read message from Kafka")
	}

	if err := proto.Unmarshal(m.Value, msg); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", m.Topic).
			WithContext("offset", m.Offset)
	}
	return string(m.Key), nil
}

// MessageHandler handles one consumed message
type MessageHandler func(ctx context.Context, key string, msg proto.Message) error

// Consume reads topic until ctx is done, handing each message to handler.
// Read failures are logged and retried after a second; handler errors are
// logged and the message is skipped. It returns ctx.Err().
func (k *KafkaClient) Consume(ctx context.Context, topic, groupID string, newMsg func() proto.Message, handler MessageHandler) error {
	r := k.newReader(topic, groupID)
	defer func() {
		if err := r.Close(); err != nil {
			k.logger.WithError(err).Warn("failed to close Kafka reader", "topic", topic)
		}
	}()
	k.logger.Info("consuming", "topic", topic, "group_id", groupID)

	for ctx.Err() == nil {
		msg := newMsg()
		key, err := readProto(ctx, r, msg)
		switch {
		case ctx.Err() != nil:
		case err != nil && errors.IsType(err, errors.ErrorTypeValidation):
			k.logger.WithError(err).Warn("skipping undecodable message")
		case err != nil:
			k.logger.WithError(err).Error("failed to consume message")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		default:
			if err := handler(ctx, key, msg); err != nil {
				k.logger.WithError(err).Warn("failed to handle message", "key", key)
			}
		}
	}
	return ctx.Err()
}

// Close flushes and closes every writer. Later publishes fail.
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close Kafka writer", "topic", topic)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	k.writers = make(map[string]*kafka.Writer)
	k.closed = true
	return firstErr
}
