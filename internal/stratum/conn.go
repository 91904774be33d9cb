package stratum

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	minerErrors "github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// maxLineSize bounds a single protocol line. Job blobs are a few hundred
// hex digits.
const maxLineSize = 64 * 1024

// conn is one TCP connection to a pool
type conn struct {
	nc     net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func newConn(nc net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *conn {
	return &conn{
		nc:           nc,
		logger:       logger.WithFields("remote_addr", nc.RemoteAddr().String()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 64),
		done:         make(chan struct{}),
	}
}

// readLoop hands every incoming message to handler until the connection
// fails, handler returns an error or the connection is closed.
func (c *conn) readLoop(ctx context.Context, handler func(*Message) error) error {
	defer c.Close()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		if err := c.nc.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return minerErrors.Wrap(err, minerErrors.ErrorTypeNetwork, "set_read_deadline", "failed to set read deadline")
		}

		if !scanner.Scan() {
			err := scanner.Err()
			if err == nil {
				err = io.EOF
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return minerErrors.Wrap(err, minerErrors.ErrorTypeNetwork, "read", "pool connection lost")
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			return minerErrors.Wrap(err, minerErrors.ErrorTypeProtocol, "parse", "malformed message from pool")
		}

		if err := handler(msg); err != nil {
			return err
		}
	}
}

// writeLoop writes queued messages until the connection is closed
func (c *conn) writeLoop(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.outbound:
			if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.WithError(err).Error("failed to set write deadline")
				return
			}

			data = append(data, '\n')

			if _, err := c.nc.Write(data); err != nil {
				c.logger.WithError(err).Error("failed to write message")
				return
			}

			c.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// send queues a message for the write loop
func (c *conn) send(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *conn) Close() {
	c.once.Do(func() {
		close(c.done)
		if err := c.nc.Close(); err != nil {
			c.logger.Debug("failed to close connection", "error", err)
		}
		c.logger.LogConnection("disconnected", c.nc.RemoteAddr().String())
	})
}
