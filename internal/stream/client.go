package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when sending while the link is down.
var ErrNotConnected = errors.New("stream not connected")

// Bus event kinds published on link changes.
const (
	EventConnected    = "stream.connected"
	EventDisconnected = "stream.disconnected"
)

// Options configures the stream client.
type Options struct {
	URL   string
	Token string

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (o *Options) defaults() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = o.PingInterval * 2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Command is a frame the client sends to the server.
type Command struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// Client keeps a websocket to the event stream open, reconnecting with
// jittered exponential backoff, and hands every received envelope to the
// event handler. The link state is tracked by the status machine.
type Client struct {
	opts    Options
	url     string
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer

	onEvent   func(intsync.Event)
	onConnect func()

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a stream client. It does not connect until Start.
func NewClient(opts Options, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*Client, error) {
	opts.defaults()
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream url %q: scheme must be ws or wss", opts.URL)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		url:     u.String(),
		machine: machine,
		bus:     b,
		logger:  logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		onEvent:   func(intsync.Event) {},
		onConnect: func() {},
	}, nil
}

// OnEvent sets the handler for received envelopes. Call before Start.
func (c *Client) OnEvent(fn func(intsync.Event)) { c.onEvent = fn }

// OnConnect sets the hook run after every successful (re)connect, before
// any event of the new connection is handled. Call before Start.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// Start runs the connection loop in the background.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	if err := c.machine.Transition(status.Closed); err != nil {
		c.logger.Debug("state transition", zap.Error(err))
	}
}

// Connected reports whether the link is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendTyping tells the server the local user started or stopped typing.
func (c *Client) SendTyping(ctx context.Context, chatID string, typing bool) error {
	cmd := Command{Type: string(intsync.TypingStop), ChatID: chatID}
	if typing {
		cmd.Type = string(intsync.TypingStart)
	}
	return c.send(ctx, cmd)
}

func (c *Client) send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	deadline := time.Now().Add(c.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		c.transition(status.Connecting)
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		c.transition(status.Reconnecting)
		delay := c.backoff(attempt)
		attempt++
		c.logger.Warn("stream disconnected",
			zap.Error(err),
			zap.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return conn, nil
}

// serve handles one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	c.logger.Info("stream connected")
	c.onConnect()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.transition(status.Live)
	c.publish(EventConnected)

	pingDone := make(chan struct{})
	go c.ping(conn, pingDone)

	defer func() {
		close(pingDone)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.publish(EventDisconnected)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var evt intsync.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.logger.Warn("malformed stream frame", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		c.onEvent(evt)
	}
}

func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// backoff returns the delay before reconnect attempt n: exponential from
// MinBackoff, capped at MaxBackoff, with the upper half jittered.
func (c *Client) backoff(n int) time.Duration {
	d := c.opts.MinBackoff
	for range n {
		d *= 2
		if d >= c.opts.MaxBackoff {
			d = c.opts.MaxBackoff
			break
		}
	}
	half := d / 2
	return half + rand.N(half+1)
}

func (c *Client) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("state transition", zap.Error(err))
	}
}

func (c *Client) publish(kind string) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, nil))
	}
}
