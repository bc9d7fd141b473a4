// Package stream is the persistent duplex connection to the detection backend.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/internal/metrics"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

var (
	// ErrNotConnected is returned by Send while no connection is up
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("channel closed")
)

// Options configures a Channel
type Options struct {
	Origin         string        // Origin header for the handshake
	EventBuffer    int           // Decoded events buffered ahead of the consumer
	MaxReconnects  int           // 0 disables reconnection
	ReconnectDelay time.Duration // Delay between reconnection attempts
	Metrics        *metrics.Metrics
}

// DefaultOptions returns options without reconnection
func DefaultOptions() Options {
	return Options{
		Origin:         "http://localhost/",
		EventBuffer:    8,
		ReconnectDelay: time.Second,
	}
}

// Channel sends frames and delivers decoded detection events in arrival order.
type Channel struct {
	config  *websocket.Config
	opts    Options
	metrics *metrics.Metrics
	log     logger.Module

	connMu sync.Mutex // guards conn and serializes writes
	conn   *websocket.Conn

	events chan types.DetectionEvent
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closed      atomic.Bool
	connected   atomic.Bool
	disconnects atomic.Int64
	clientID    atomic.Value // string
	wg          sync.WaitGroup
}

// Dial opens the channel to endpoint (ws:// or wss://)
func Dial(ctx context.Context, endpoint string, opts Options) (*Channel, error) {
	def := DefaultOptions()
	if opts.Origin == "" {
		opts.Origin = def.Origin
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	config, err := websocket.NewConfig(endpoint, opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid stream endpoint: %w", err)
	}
	conn, err := config.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		config:  config,
		opts:    opts,
		metrics: opts.Metrics,
		log:     logger.For("Stream"),
		conn:    conn,
		events:  make(chan types.DetectionEvent, opts.EventBuffer),
		done:    make(chan struct{}),
		ctx:     cctx,
		cancel:  cancel,
	}
	c.clientID.Store("")
	c.setConnected(true)

	c.wg.Add(1)
	go c.readLoop()

	c.log.Info("Connected to %s", endpoint)
	return c, nil
}

// Events is the single subscription for decoded detection events. It is
// closed once the channel is closed or the connection is lost for good.
func (c *Channel) Events() <-chan types.DetectionEvent {
	return c.events
}

// Done is closed when the channel stops delivering events
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether a connection is currently up
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Disconnects counts connection losses not caused by Close
func (c *Channel) Disconnects() int {
	return int(c.disconnects.Load())
}

// ClientID returns the id assigned by the backend, if announced
func (c *Channel) ClientID() string {
	return c.clientID.Load().(string)
}

// Send writes one video_frame message
func (c *Channel) Send(image []byte, ts time.Time) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := EncodeFrame(image, ts)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if err := websocket.Message.Send(c.conn, string(data)); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// SendFrame adapts Send to the capture loop
func (c *Channel) SendFrame(ctx context.Context, frame *types.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Send(frame.JPEG, frame.Timestamp)
}

// Close closes the connection exactly once and waits for the reader to exit
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		c.connMu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.connMu.Unlock()

		c.wg.Wait()
		c.log.Info("Channel closed")
	})
	return err
}

func (c *Channel) setConnected(v bool) {
	c.connected.Store(v)
	metrics.SetBool(&c.metrics.Connected, v)
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	defer close(c.done)
	defer close(c.events)

	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		err := c.readConn(conn)
		c.setConnected(false)
		if c.closed.Load() {
			return
		}
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()

		c.disconnects.Add(1)
		c.metrics.Disconnects.Add(1)
		c.log.Warn("Connection lost: %v", err)

		if !c.reconnect() {
			c.log.Error("Detection stream stopped, no more reconnect attempts")
			return
		}
	}
}

// readConn reads until the connection fails. Undecodable messages are dropped.
func (c *Channel) readConn(conn *websocket.Conn) error {
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			return err
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			c.metrics.ParseErrors.Add(1)
			c.log.Warn("Dropped message: %v", err)
			continue
		}

		switch msg.Type {
		case TypeFrameReceived:
			c.metrics.EventsReceived.Add(1)
			select {
			case c.events <- *msg.Event:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		case TypeConnectionEstablished:
			c.clientID.Store(msg.ClientID)
			c.log.Info("Backend assigned client id %s", msg.ClientID)
		case TypePong:
		default:
			c.log.Debug("Ignoring message type %q", msg.Type)
		}
	}
}

func (c *Channel) reconnect() bool {
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.opts.ReconnectDelay):
		}

		conn, err := c.config.DialContext(c.ctx)
		if err != nil {
			c.log.Warn("Reconnect attempt %d/%d failed: %v", attempt, c.opts.MaxReconnects, err)
			continue
		}

		c.connMu.Lock()
		if c.closed.Load() {
			c.connMu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.setConnected(true)
		c.connMu.Unlock()

		c.metrics.Reconnects.Add(1)
		c.log.Info("Reconnected (attempt %d)", attempt)
		return true
	}
	return false
}
