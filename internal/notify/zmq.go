// Package notify publishes miner events on a ZeroMQ PUB socket so a local
// GUI or script can follow the miner without polling the HTTP API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomp-miner/internal/events"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// Each message has two frames: the event type as topic and the event as JSON.

// Publisher is an events.Sink writing to a bound PUB socket. It is used
// only from the event delivery goroutine.
type Publisher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewPublisher binds a PUB socket to endpoint, e.g. "tcp://127.0.0.1:28400"
func NewPublisher(endpoint string, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	p := &Publisher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}
	p.logger.Info("publishing events on ZMQ endpoint", "endpoint", endpoint)
	return p, nil
}

// Name implements events.Sink
func (p *Publisher) Name() string { return "zmq" }

// Publish implements events.Sink
func (p *Publisher) Publish(_ context.Context, e *events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.socket.SendMessageDontwait(string(e.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close implements events.Sink
func (p *Publisher) Close() error {
	if p.socket != nil {
		return p.socket.Close()
	}
	return nil
}

// Subscriber reads events from a Publisher
type Subscriber struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewSubscriber creates a SUB socket for endpoint
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &Subscriber{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to an event type prefix. An empty prefix receives
// every event.
func (s *Subscriber) Subscribe(prefix string) error {
	if err := s.socket.SetSubscribe(prefix); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", prefix, err)
	}
	s.logger.Debug("subscribed to ZMQ topic", "topic", prefix)
	return nil
}

// Connect connects to the publisher
func (s *Subscriber) Connect() error {
	if err := s.socket.Connect(s.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", s.endpoint, err)
	}
	s.logger.Info("connected to ZMQ endpoint", "endpoint", s.endpoint)
	return nil
}

// Listen hands every received event to handler until ctx is done
func (s *Subscriber) Listen(ctx context.Context, handler func(*events.Event) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			s.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			s.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		var e events.Event
		if err := json.Unmarshal(msg[1], &e); err != nil {
			s.logger.WithError(err).Warn("received undecodable event", "topic", string(msg[0]))
			continue
		}

		if err := handler(&e); err != nil {
			s.logger.WithError(err).Error("failed to handle event", "topic", string(msg[0]))
		}
	}
}

// Close closes the SUB socket
func (s *Subscriber) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}
