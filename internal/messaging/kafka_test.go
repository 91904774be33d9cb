package messaging

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomp-miner/internal/events"
	minerErrors "github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

func TestKafkaClientWriters(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard())

	w1, err := client.writer(TopicMinerEvents)
	if err != nil {
		t.Fatalf("writer() error = %v", err)
	}
	if w1.Topic != TopicMinerEvents {
		t.Errorf("Topic = %s, want %s", w1.Topic, TopicMinerEvents)
	}
	if w2, _ := client.writer(TopicMinerEvents); w2 != w1 {
		t.Error("writer() did not reuse the cached writer")
	}
	if w3, _ := client.writer("other"); w3 == w1 {
		t.Error("writer() shared a writer between topics")
	}
	if len(client.writers) != 2 {
		t.Errorf("%d writers cached, want 2", len(client.writers))
	}
}

func TestKafkaClientClose(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard())
	_, _ = client.writer(TopicMinerEvents)

	// Nothing was written, so closing does not reach the broker
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if len(client.writers) != 0 {
		t.Errorf("%d writers left after Close()", len(client.writers))
	}

	msg, _ := EncodeEvent(testEvent())
	err := client.PublishProto(context.Background(), TopicMinerEvents, "k", msg)
	if !minerErrors.IsType(err, minerErrors.ErrorTypeInternal) {
		t.Errorf("PublishProto() after Close() error = %v", err)
	}
}

func TestConsumeStopsWithContext(t *testing.T) {
	client := NewKafkaClient([]string{"127.0.0.1:1"}, log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Consume(ctx, TopicMinerEvents, "", func() proto.Message { return &structpb.Struct{} },
		func(context.Context, string, proto.Message) error {
			t.Error("handler called")
			return nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Consume() error = %v, want context.Canceled", err)
	}
}

func testEvent() *events.Event {
	return &events.Event{
		ID:         uuid.New(),
		Type:       events.TypeGoodShares,
		MinerIndex: 1,
		Pool:       "pool.example.com:3333",
		Value:      12,
		State:      "running",
		Time:       time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
		Miner: &events.MinerSnapshot{
			Index:               1,
			Pool:                "pool.example.com:3333",
			Host:                "pool.example.com",
			Port:                3333,
			State:               "running",
			Active:              true,
			Difficulty:          10000,
			HashRate:            1234.5,
			GoodShares:          12,
			BadShares:           2,
			ConnectionErrors:    3,
			LastConnectionError: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		},
	}
}

func TestEventEncoding(t *testing.T) {
	in := testEvent()

	msg, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("proto.Marshal() error = %v", err)
	}

	var wire structpb.Struct
	if err := proto.Unmarshal(data, &wire); err != nil {
		t.Fatalf("proto.Unmarshal() error = %v", err)
	}
	out, err := DecodeEvent(&wire)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}

	if out.ID != in.ID || out.Type != in.Type || out.MinerIndex != 1 || out.Value != 12 || !out.Time.Equal(in.Time) {
		t.Errorf("DecodeEvent() = %+v", out)
	}
	if out.Miner == nil {
		t.Fatal("snapshot lost")
	}
	if !out.Miner.LastConnectionError.Equal(in.Miner.LastConnectionError) {
		t.Errorf("LastConnectionError = %v", out.Miner.LastConnectionError)
	}
	got, want := *out.Miner, *in.Miner
	got.LastConnectionError, want.LastConnectionError = time.Time{}, time.Time{}
	if got != want {
		t.Errorf("snapshot = %+v, want %+v", got, want)
	}
}

func TestDecodeEventInvalid(t *testing.T) {
	s, _ := structpb.NewStruct(map[string]any{"id": "nope", "type": "x", "time": "2026-01-01T00:00:00Z"})
	if _, err := DecodeEvent(s); err == nil {
		t.Error("DecodeEvent() accepted a malformed id")
	}

	s, _ = structpb.NewStruct(map[string]any{"id": uuid.NewString(), "time": "2026-01-01T00:00:00Z"})
	if _, err := DecodeEvent(s); err == nil {
		t.Error("DecodeEvent() accepted an event without type")
	}
}

type fakePublisher struct {
	topic, key string
	msg        proto.Message
	err        error
	closed     bool
}

func (p *fakePublisher) PublishProto(_ context.Context, topic, key string, msg proto.Message) error {
	p.topic, p.key, p.msg = topic, key, msg
	return p.err
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func TestEventSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewEventSink(pub, "")

	if err := sink.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if pub.topic != TopicMinerEvents || pub.key != "pool.example.com:3333" {
		t.Errorf("published to %s with key %s", pub.topic, pub.key)
	}

	pub.err = errors.New("broker down")
	if err := sink.Publish(context.Background(), testEvent()); err == nil {
		t.Error("Publish() swallowed the publisher error")
	}

	if err := sink.Close(); err != nil || !pub.closed {
		t.Errorf("Close() error = %v, closed = %v", err, pub.closed)
	}
}

func TestEventKey(t *testing.T) {
	tests := []struct {
		event events.Event
		want  string
	}{
		{events.Event{Pool: "a:1", MinerIndex: 0}, "a:1"},
		{events.Event{MinerIndex: 2}, "miner-2"},
		{events.Event{MinerIndex: -1}, "manager"},
	}
	for _, tt := range tests {
		if got := eventKey(&tt.event); got != tt.want {
			t.Errorf("eventKey(%+v) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestKafkaClient_PublishProto(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if testing.Short() || brokers == "" {
		t.Skip("set KAFKA_BROKERS to run against a Kafka cluster")
	}

	client := NewKafkaClient([]string{brokers}, log.Discard())
	defer client.Close()

	msg, err := EncodeEvent(testEvent())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.PublishProto(ctx, TopicMinerEvents, "test-key", msg); err != nil {
		t.Fatalf("PublishProto() error = %v", err)
	}
}

func BenchmarkEncodeEvent(b *testing.B) {
	e := testEvent()
	for i := 0; i < b.N; i++ {
		msg, err := EncodeEvent(e)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := proto.Marshal(msg); err != nil {
			b.Fatal(err)
		}
	}
}
