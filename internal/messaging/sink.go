package messaging

import (
	"context"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomp-miner/internal/events"
)

// Publisher is the part of KafkaClient the sink needs
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	Close() error
}

// EventSink publishes events to Kafka. Miner events are keyed by pool so a
// pool's events stay in order; others are keyed "manager".
type EventSink struct {
	publisher Publisher
	topic     string
}

// NewEventSink creates a sink writing to topic
func NewEventSink(publisher Publisher, topic string) *EventSink {
	if topic == "" {
		topic = TopicMinerEvents
	}
	return &EventSink{publisher: publisher, topic: topic}
}

// Name implements events.Sink
func (s *EventSink) Name() string { return "kafka" }

// Publish implements events.Sink
func (s *EventSink) Publish(ctx context.Context, e *events.Event) error {
	msg, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	return s.publisher.PublishProto(ctx, s.topic, eventKey(e), msg)
}

// Close implements events.Sink
func (s *EventSink) Close() error {
	return s.publisher.Close()
}

func eventKey(e *events.Event) string {
	switch {
	case e.Pool != "":
		return e.Pool
	case e.MinerIndex >= 0:
		return "miner-" + strconv.Itoa(e.MinerIndex)
	default:
		return "manager"
	}
}

// TailEvents consumes topic and calls fn for every decoded event until ctx
// is done
func TailEvents(ctx context.Context, client *KafkaClient, topic, groupID string, fn func(*events.Event)) error {
	return client.Consume(ctx, topic, groupID,
		func() proto.Message { return &structpb.Struct{} },
		func(_ context.Context, _ string, msg proto.Message) error {
			e, err := DecodeEvent(msg.(*structpb.Struct))
			if err != nil {
				return err
			}
			fn(e)
			return nil
		})
}
