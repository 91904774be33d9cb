package stratum

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-miner/internal/mining"
	"github.com/bardlex/gomp-miner/pkg/circuit"
	minerErrors "github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
	"github.com/bardlex/gomp-miner/pkg/retry"
)

// Config holds pool client settings
type Config struct {
	Password          string
	Agent             string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	ReconnectDelay    time.Duration
	Retry             *retry.Config
	Breaker           *circuit.Config
}

// DefaultConfig returns the client defaults
func DefaultConfig() *Config {
	return &Config{
		Password:          "x",
		Agent:             "gompminer/1.0",
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 60 * time.Second,
		ReconnectDelay:    5 * time.Second,
		Retry:             retry.PoolConfig(),
		Breaker:           circuit.DefaultConfig(),
	}
}

type requestKind int

const (
	requestLogin requestKind = iota
	requestSubmit
	requestKeepAlive
)

// Client is a pool connection implementing mining.PoolClient. It reconnects
// after failures until stopped.
type Client struct {
	pool    mining.Pool
	login   string
	cfg     Config
	logger  *log.Logger
	breaker *circuit.Breaker

	observer mining.PoolClientObserver

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	conn      *conn
	sessionID string
	pending   map[uint64]requestKind
	done      chan struct{}

	nextID               atomic.Uint64
	difficulty           atomic.Uint32
	goodShareCount       atomic.Uint32
	badShareCount        atomic.Uint32
	connectionErrorCount atomic.Uint32
	lastConnectionError  atomic.Int64
}

// NewClient creates a stopped client for pool. A non-zero pool difficulty is
// requested by appending "+difficulty" to the login.
func NewClient(pool mining.Pool, login string, cfg *Config, logger *log.Logger) *Client {
	c := *cfg
	if c.Retry == nil {
		c.Retry = retry.PoolConfig()
	}
	if pool.Difficulty > 0 {
		login = login + "+" + strconv.FormatUint(uint64(pool.Difficulty), 10)
	}

	clientLogger := logger.WithComponent("stratum").WithPool(pool.Host, pool.Port)
	c.Retry = c.Retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		clientLogger.WithError(err).Debug("dial failed, retrying",
			"attempt", attempt, "delay", delay)
	})
	return &Client{
		pool:     pool,
		login:    login,
		cfg:      c,
		logger:   clientLogger,
		breaker:  newBreaker(c.Breaker, pool, clientLogger),
		observer: nopObserver{},
		pending:  make(map[uint64]requestKind),
	}
}

// newBreaker creates the dial breaker of pool and logs its transitions
func newBreaker(cfg *circuit.Config, pool mining.Pool, logger *log.Logger) *circuit.Breaker {
	bc := circuit.DefaultConfig()
	if cfg != nil {
		*bc = *cfg
	}
	bc.Name = pool.Address()
	bc.OnStateChange = func(_ string, from, to circuit.State) {
		switch to {
		case circuit.StateOpen:
			logger.Warn("pool unreachable, pausing reconnects", "retry_after", bc.Timeout)
		case circuit.StateClosed:
			logger.Info("pool reachable again", "from", from.String())
		}
	}
	return circuit.New(bc)
}

// Factory returns a mining.PoolClientFactory creating clients with cfg.
func Factory(cfg *Config, logger *log.Logger) mining.PoolClientFactory {
	return func(pool mining.Pool, login string) mining.PoolClient {
		return NewClient(pool, login, cfg, logger)
	}
}

// SetObserver sets the observer. It must be called before Start.
func (c *Client) SetObserver(observer mining.PoolClientObserver) {
	if observer == nil {
		observer = nopObserver{}
	}
	c.observer = observer
}

// Start connects in the background.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop closes the connection and stops reconnecting. It does not wait for
// the connection goroutine; see Done.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.sessionID = ""
	c.mu.Unlock()

	c.logger.Info("pool client stopped")
	c.observer.Stopped()
}

// Done is closed when the connection goroutine of the last Start exits.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Host returns the pool host
func (c *Client) Host() string { return c.pool.Host }

// Port returns the pool port
func (c *Client) Port() uint16 { return c.pool.Port }

// Difficulty returns the difficulty of the current job
func (c *Client) Difficulty() uint32 { return c.difficulty.Load() }

// GoodShareCount returns the number of accepted shares
func (c *Client) GoodShareCount() uint32 { return c.goodShareCount.Load() }

// BadShareCount returns the number of rejected shares
func (c *Client) BadShareCount() uint32 { return c.badShareCount.Load() }

// ConnectionErrorCount returns the number of failed connections
func (c *Client) ConnectionErrorCount() uint32 { return c.connectionErrorCount.Load() }

// LastConnectionErrorTime returns when the connection last failed
func (c *Client) LastConnectionErrorTime() time.Time {
	if n := c.lastConnectionError.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// SubmitShare sends a share to the pool. Shares found while disconnected are
// dropped.
func (c *Client) SubmitShare(share mining.Share) {
	c.mu.Lock()
	cn, sessionID := c.conn, c.sessionID
	c.mu.Unlock()

	if cn == nil || sessionID == "" {
		c.logger.Debug("dropping share, not logged in", "job_id", share.JobID)
		return
	}
	if err := c.request(cn, requestSubmit, MethodSubmit, NewSubmitParams(sessionID, share)); err != nil {
		c.logger.WithError(err).Warn("failed to submit share", "job_id", share.JobID)
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.fail(err)

		// an open breaker would reject every dial until it probes again
		delay := max(c.cfg.ReconnectDelay, c.breaker.RetryAfter())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection from dial to failure
func (c *Client) session(ctx context.Context) error {
	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}

	cn := newConn(nc, c.logger, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		cn.Close()
		return ctx.Err()
	}
	c.conn = cn
	c.pending = make(map[uint64]requestKind)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == cn {
			c.conn = nil
			c.sessionID = ""
		}
		c.mu.Unlock()
		cn.Close()
	}()

	cn.logger.LogConnection("connected", c.pool.Address())
	go cn.writeLoop(ctx)
	go c.keepAlive(ctx, cn)

	err = c.request(cn, requestLogin, MethodLogin, &LoginParams{
		Login: c.login,
		Pass:  c.cfg.Password,
		Agent: c.cfg.Agent,
	})
	if err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeNetwork, "login", "failed to send login")
	}

	return cn.readLoop(ctx, func(msg *Message) error {
		return c.handle(cn, msg)
	})
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var nc net.Conn
	err := c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.cfg.Retry, func() error {
			dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
			conn, err := dialer.DialContext(ctx, "tcp", c.pool.Address())
			if err != nil {
				return minerErrors.Wrap(err, minerErrors.ErrorTypeNetwork, "dial", "failed to connect to pool").
					WithContext("pool", c.pool.Address())
			}
			nc = conn
			return nil
		})
	})
	return nc, err
}

func (c *Client) keepAlive(ctx context.Context, cn *conn) {
	if c.cfg.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cn.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			sessionID := c.sessionID
			c.mu.Unlock()
			if sessionID == "" {
				continue
			}
			if err := c.request(cn, requestKeepAlive, MethodKeepAlive, &KeepAliveParams{ID: sessionID}); err != nil {
				c.logger.WithError(err).Debug("failed to send keepalive")
			}
		}
	}
}

func (c *Client) request(cn *conn, kind requestKind, method string, params any) error {
	id := c.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pending[id] = kind
	c.mu.Unlock()

	if err := cn.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) handle(cn *conn, msg *Message) error {
	if msg.IsNotification() {
		if msg.Method != MethodJob {
			c.logger.Debug("ignoring notification", "method", msg.Method)
			return nil
		}
		var params JobParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return minerErrors.Wrap(err, minerErrors.ErrorTypeProtocol, "job", "malformed job notification")
		}
		return c.newJob(&params)
	}

	if !msg.IsResponse() {
		return nil
	}

	c.mu.Lock()
	kind, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response to unknown request", "id", *msg.ID)
		return nil
	}

	switch kind {
	case requestLogin:
		return c.loggedIn(cn, msg)
	case requestSubmit:
		c.submitted(msg)
	case requestKeepAlive:
		if msg.Error != nil {
			c.logger.Debug("keepalive rejected", "error", msg.Error.Message)
		}
	}
	return nil
}

func (c *Client) loggedIn(cn *conn, msg *Message) error {
	if msg.Error != nil {
		return minerErrors.Wrap(msg.Error, minerErrors.ErrorTypePool, "login", "pool rejected login")
	}

	var result LoginResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeProtocol, "login", "malformed login result")
	}
	if result.ID == "" {
		return minerErrors.New(minerErrors.ErrorTypeProtocol, "login", "login result without session id")
	}

	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return nil
	}
	c.sessionID = result.ID
	c.mu.Unlock()

	c.logger.Info("logged in to pool", "status", result.Status)
	c.observer.Started()

	if result.Job != nil {
		return c.newJob(result.Job)
	}
	return nil
}

func (c *Client) newJob(params *JobParams) error {
	job, err := DecodeJob(params)
	if err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeProtocol, "job", "invalid job from pool")
	}

	difficulty := mining.TargetDifficulty(job.Target)
	if c.difficulty.Swap(difficulty) != difficulty {
		c.observer.DifficultyChanged(difficulty)
	}

	c.logger.WithJob(job.ID, job.Target).Debug("job received", "difficulty", difficulty)
	c.observer.JobChanged(job)
	return nil
}

func (c *Client) submitted(msg *Message) {
	if msg.Error != nil {
		c.logger.Warn("share rejected", "code", msg.Error.Code, "reason", msg.Error.Message)
		c.observer.BadShareCountChanged(c.badShareCount.Add(1))
		return
	}

	var result StatusResult
	if err := json.Unmarshal(msg.Result, &result); err != nil || result.Status != StatusOK {
		c.logger.Warn("share not accepted", "status", result.Status)
		c.observer.BadShareCountChanged(c.badShareCount.Add(1))
		return
	}
	c.observer.GoodShareCountChanged(c.goodShareCount.Add(1))
}

// fail records a broken connection
func (c *Client) fail(err error) {
	if err == nil {
		err = fmt.Errorf("pool %s closed the connection", c.pool.Address())
	}
	count := c.connectionErrorCount.Add(1)
	now := time.Now()
	c.lastConnectionError.Store(now.UnixNano())

	c.logger.WithError(err).Warn("pool connection failed",
		"connection_errors", count,
		"retry_in", c.cfg.ReconnectDelay.String())

	c.observer.SocketError(err)
	c.observer.ConnectionErrorCountChanged(count)
	c.observer.LastConnectionErrorTimeChanged(now)
}

type nopObserver struct{}

func (nopObserver) Started()                                 {}
func (nopObserver) Stopped()                                 {}
func (nopObserver) SocketError(error)                        {}
func (nopObserver) JobChanged(*mining.Job)                   {}
func (nopObserver) DifficultyChanged(uint32)                 {}
func (nopObserver) GoodShareCountChanged(uint32)             {}
func (nopObserver) BadShareCountChanged(uint32)              {}
func (nopObserver) ConnectionErrorCountChanged(uint32)       {}
func (nopObserver) LastConnectionErrorTimeChanged(time.Time) {}
