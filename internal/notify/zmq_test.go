package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gomp-miner/internal/events"
	"github.com/bardlex/gomp-miner/pkg/log"
)

func TestNewPublisherBadEndpoint(t *testing.T) {
	if _, err := NewPublisher("not-an-endpoint", log.Discard()); err == nil {
		t.Error("NewPublisher() accepted a malformed endpoint")
	}
}

func TestPublishSubscribe(t *testing.T) {
	endpoint := "inproc://gompminer-events-test"

	pub, err := NewPublisher(endpoint, log.Discard())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	defer pub.Close()

	sub, err := NewSubscriber(endpoint, log.Discard())
	if err != nil {
		t.Fatalf("NewSubscriber() error = %v", err)
	}
	defer sub.Close()
	if err := sub.Subscribe(string(events.TypeHashRateChanged)); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *events.Event, 1)
	listening := make(chan struct{})
	// the socket must not be closed while Listen is using it
	defer func() {
		cancel()
		<-listening
	}()
	go func() {
		defer close(listening)
		_ = sub.Listen(ctx, func(e *events.Event) error {
			select {
			case received <- e:
			default:
			}
			return nil
		})
	}()

	// PUB drops messages until the subscription has propagated, so keep
	// publishing until one arrives
	want := &events.Event{
		ID:         uuid.New(),
		Type:       events.TypeHashRateChanged,
		MinerIndex: 0,
		Pool:       "pool.example.com:3333",
		Value:      512,
		Time:       time.Now(),
	}
	other := &events.Event{ID: uuid.New(), Type: events.TypeMiningStarted, MinerIndex: -1, Time: time.Now()}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-received:
			if got.Type != events.TypeHashRateChanged || got.ID != want.ID || got.Value != 512 || got.Pool != want.Pool {
				t.Errorf("received %+v", got)
			}
			return
		case <-ticker.C:
			if err := pub.Publish(ctx, other); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if err := pub.Publish(ctx, want); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}
