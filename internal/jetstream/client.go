package jetstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

const (
	DefaultServiceName       = "jetstream"
	DefaultMaxMessageSize    = 5 << 20
	DefaultMaxReconnectDelay = 64 * time.Second
	DefaultCursorSaveEvery   = 100
	DefaultHandshakeTimeout  = 10 * time.Second

	closeTimeout      = 100 * time.Millisecond
	cursorSaveTimeout = 5 * time.Second
	statsLogInterval  = 30 * time.Second
	readBufferSize    = 64 << 10
	writeBufferSize   = 4 << 10
)

// ErrFatal wraps any connection fault that cannot be recovered by
// reconnecting.
var ErrFatal = errors.New("jetstream: fatal connection fault")

// Handler processes a single decoded event. The cursor only advances past
// events whose handler returned nil.
type Handler func(ctx context.Context, evt *domain.Event) error

// ErrorHandler is called for per-message faults. evt is nil when the fault
// happened before an event could be decoded.
type ErrorHandler func(evt *domain.Event, err error)

// Config describes the Jetstream subscription.
type Config struct {
	// Hosts are WebSocket subscribe URLs. One is picked at random for each
	// connection attempt.
	Hosts             []string
	WantedCollections []string
	WantedDIDs        []string

	// ServiceName keys the persisted cursor.
	ServiceName       string
	MaxMessageSize    int64
	MaxReconnectDelay time.Duration
	CursorSaveEvery   int64
	HandshakeTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.CursorSaveEvery <= 0 {
		c.CursorSaveEvery = DefaultCursorSaveEvery
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithDecompressor enables compress mode using the given decompressor.
func WithDecompressor(d *Decompressor) Option {
	return func(c *Client) { c.decompressor = d }
}

// WithErrorHandler replaces the default error handler, which logs.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(c *Client) { c.onError = fn }
}

// WithClock sets the clock used for reconnect delays.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithMetrics sets the collector the client reports into.
func WithMetrics(m *Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithJitter sets the source of reconnect jitter, in seconds.
func WithJitter(fn func() float64) Option {
	return func(c *Client) { c.jitter = fn }
}

// Client is a resumable Jetstream subscriber. A Client is started once.
type Client struct {
	cfg          Config
	handler      Handler
	cursors      domain.CursorRepository
	decompressor *Decompressor
	onError      ErrorHandler
	clock        clock.Clock
	metrics      *Collector
	jitter       func() float64
	pick         func(n int) int
	dialer       *websocket.Dialer
	logger       *slog.Logger

	cursor   atomic.Int64
	events   atomic.Uint64
	advances atomic.Int64
	state    atomic.Int32
	started  atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewClient creates a Jetstream client. cursors may be nil, in which case
// the client starts live and never persists its position.
func NewClient(
	cfg Config,
	handler Handler,
	cursors domain.CursorRepository,
	logger *slog.Logger,
	opts ...Option,
) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("jetstream: at least one host is required")
	}
	if handler == nil {
		return nil, errors.New("jetstream: handler is required")
	}

	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		handler: handler,
		cursors: cursors,
		clock:   clock.WallClock,
		metrics: NewMetricsCollector(),
		jitter:  func() float64 { return rand.Float64() - 0.5 },
		pick:    rand.IntN,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   readBufferSize,
		WriteBufferSize:  writeBufferSize,
	}
	c.onError = func(evt *domain.Event, err error) {
		if evt != nil {
			c.logger.Error("failed to handle event", "event", evt.String(), "error", err)
			return
		}
		c.logger.Error("failed to process message", "error", err)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Cursor returns the time_us of the last successfully handled event.
func (c *Client) Cursor() int64 {
	return c.cursor.Load()
}

// EventCount returns the number of decoded events received.
func (c *Client) EventCount() uint64 {
	return c.events.Load()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Stop asks the client to shut down. It is safe to call more than once and
// from any goroutine. Start returns once the receive loop has exited.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Start connects and streams events until ctx is cancelled, Stop is called,
// the server closes the connection normally, or a fatal fault occurs. Only
// the last case returns an error, wrapped in ErrFatal.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("jetstream: client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	defer c.setState(StateStopped)
	defer c.persistCursor(context.WithoutCancel(ctx))

	c.loadCursor(runCtx)

	attempt := 0
	for {
		if runCtx.Err() != nil {
			c.setState(StateStopping)
			return nil
		}

		if attempt > 0 {
			c.setState(StateReconnecting)
			delay := ReconnectDelay(attempt, c.cfg.MaxReconnectDelay, c.jitter())
			c.logger.Info("reconnecting to jetstream", "attempt", attempt, "delay", delay)
			select {
			case <-runCtx.Done():
				c.setState(StateStopping)
				return nil
			case <-c.clock.After(delay):
			}
		}

		connected, err := c.stream(runCtx, ctx)
		if connected {
			attempt = 0
		}
		if err == nil {
			continue
		}

		switch classifyFault(err) {
		case faultClean:
			c.logger.Info("jetstream closed the connection", "cursor", c.Cursor())
			c.setState(StateStopping)
			return nil
		case faultResumable:
			attempt++
			c.metrics.reconnects.Inc()
			c.logger.Warn("jetstream connection lost", "error", err, "attempt", attempt)
		default:
			c.setState(StateStopping)
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}
}

// stream runs one connection. It returns a nil error only when runCtx is
// done. Events are handled with handlerCtx so Stop lets the in-flight event
// finish.
func (c *Client) stream(runCtx, handlerCtx context.Context) (connected bool, err error) {
	c.setState(StateConnecting)

	target, err := c.subscribeURL()
	if err != nil {
		return false, err
	}

	c.logger.Info("connecting to jetstream", "url", target)
	conn, _, err := c.dialer.DialContext(runCtx, target, nil)
	if err != nil {
		if runCtx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("dial jetstream: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.setState(StateStreaming)
	c.logger.Info("connected to jetstream", "cursor", c.Cursor())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-runCtx.Done():
		}
		c.setState(StateStopping)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		_ = conn.Close()
	}()

	lastStatsLog := c.clock.Now()
	var received uint64
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if runCtx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read message: %w", err)
		}

		received++
		c.handleFrame(handlerCtx, msgType, data)

		if runCtx.Err() != nil {
			return true, nil
		}

		if now := c.clock.Now(); now.Sub(lastStatsLog) >= statsLogInterval {
			c.logger.Info("jetstream stats",
				"frames_received", received,
				"events_total", c.EventCount(),
				"cursor", c.Cursor(),
			)
			lastStatsLog = now
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, msgType int, data []byte) {
	payload := data
	if c.decompressor != nil && msgType == websocket.BinaryMessage {
		out, err := c.decompressor.Decompress(data)
		if err != nil {
			c.metrics.decodeFaults.Inc()
			c.onError(nil, err)
			return
		}
		payload = out
	}

	evt, err := Decode(payload)
	if err != nil {
		c.metrics.decodeFaults.Inc()
		c.onError(nil, err)
		return
	}

	if last := c.cursor.Load(); evt.TimeUS < last {
		c.logger.Debug("ignoring event behind cursor", "time_us", evt.TimeUS, "cursor", last)
		return
	}

	c.events.Add(1)
	c.metrics.events.Inc()

	if err := c.invoke(ctx, evt); err != nil {
		c.metrics.handlerFaults.Inc()
		c.onError(evt, err)
		return
	}

	c.advance(ctx, evt.TimeUS)
}

func (c *Client) invoke(ctx context.Context, evt *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, evt)
}

func (c *Client) advance(ctx context.Context, timeUS int64) {
	c.cursor.Store(timeUS)
	c.metrics.cursor.Set(float64(timeUS))

	if c.advances.Add(1)%c.cfg.CursorSaveEvery == 0 {
		c.persistCursor(ctx)
	}
}

func (c *Client) loadCursor(ctx context.Context) {
	if c.cursors == nil {
		return
	}
	cursor, err := c.cursors.GetCursor(ctx, c.cfg.ServiceName)
	if err != nil {
		c.logger.Warn("failed to load cursor, starting from live", "error", err)
		return
	}
	if cursor > 0 {
		c.cursor.Store(cursor)
		c.metrics.cursor.Set(float64(cursor))
		c.logger.Info("resuming from saved cursor", "cursor", cursor)
	}
}

func (c *Client) persistCursor(ctx context.Context) {
	cursor := c.cursor.Load()
	if c.cursors == nil || cursor == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cursorSaveTimeout)
	defer cancel()
	if err := c.cursors.UpdateCursor(ctx, c.cfg.ServiceName, cursor); err != nil {
		c.onError(nil, fmt.Errorf("save cursor: %w", err))
	}
}

func (c *Client) subscribeURL() (string, error) {
	host := c.cfg.Hosts[c.pick(len(c.cfg.Hosts))]
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse jetstream host %q: %w", host, err)
	}

	q := u.Query()
	for _, col := range c.cfg.WantedCollections {
		q.Add("wantedCollections", col)
	}
	for _, did := range c.cfg.WantedDIDs {
		q.Add("wantedDids", did)
	}
	if cursor := c.cursor.Load(); cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if c.decompressor != nil {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.state.Set(float64(s))
}

type faultClass int

const (
	faultFatal faultClass = iota
	faultResumable
	faultClean
)

// classifyFault decides whether a connection error ends the client cleanly,
// warrants a reconnect, or is fatal.
func classifyFault(err error) faultClass {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return faultClean
		}
		return faultResumable
	}

	var netErr net.Error
	switch {
	case errors.Is(err, websocket.ErrBadHandshake),
		errors.Is(err, websocket.ErrReadLimit),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.As(err, &netErr):
		return faultResumable
	}
	return faultFatal
}
