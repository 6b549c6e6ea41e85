// Package transport keeps one WebSocket connection to a host alive and
// feeds its frames into a session store.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workspace/agent-client/internal/auth"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/retry"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("transport: not connected")

// Session is the part of a session store the client drives.
type Session interface {
	Connecting()
	Online(at time.Time, carryReady bool) error
	Disconnected(cause error)
	Handle(ctx context.Context, msg protocol.Inbound) error
}

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	MinDelay     time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	Logger *slog.Logger
}

// Client dials the host, reconnects with back-off, and pumps frames.
type Client struct {
	opts    Options
	session Session
	dialer  websocket.Dialer
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New returns a Client. Bind the session with Attach before Run.
func New(opts Options) *Client {
	if opts.MinDelay <= 0 {
		opts.MinDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts: opts,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   opts.ReadBufferSize,
			WriteBufferSize:  opts.WriteBufferSize,
		},
		// Never dial more often than MinDelay, even when a connection
		// drops right after the handshake.
		limiter: rate.NewLimiter(rate.Every(opts.MinDelay), 1),
		log:     logger,
	}
}

// Attach binds the session the client reports to. The session's sender is
// usually c.Send, so the two are built in either order and joined here.
func (c *Client) Attach(s Session) { c.session = s }

// Send encodes msg and writes it as one text frame.
func (c *Client) Send(ctx context.Context, msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and reconnects until ctx is cancelled or the host rejects
// the credentials. It returns ctx.Err() on cancellation.
func (c *Client) Run(ctx context.Context) error {
	if c.session == nil {
		return errors.New("transport: no session attached")
	}
	backoff := retry.NewBackoff(retry.Exponential(c.opts.MinDelay, c.opts.MaxDelay))

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			c.session.Disconnected(nil)
			return ctx.Err()
		}
		c.session.Connecting()

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.session.Disconnected(nil)
				return ctx.Err()
			}
			c.session.Disconnected(err)
			var perm *retry.PermanentError
			if errors.As(err, &perm) {
				c.log.Error("Transport: giving up", "url", c.opts.URL, "error", perm.Err)
				return perm.Err
			}
			delay := backoff.Next()
			c.log.Warn("Transport: dial failed, retrying", "url", c.opts.URL, "delay", delay.Round(time.Millisecond), "error", err)
			if err := retry.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		backoff.Reset()
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.session.Disconnected(nil)
			return ctx.Err()
		}
		c.session.Disconnected(err)
		c.log.Warn("Transport: connection lost", "url", c.opts.URL, "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if _, err := auth.Inspect(c.opts.Token, time.Now()); errors.Is(err, auth.ErrTokenExpired) {
		return nil, retry.Permanent(err)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, auth.Header(c.opts.Token))
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, retry.Permanent(fmt.Errorf("host rejected credentials: %s", resp.Status))
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	pongWait := 2 * c.opts.PingInterval
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	c.log.Info("Transport: connected", "url", c.opts.URL)
	if err := c.session.Online(time.Now(), false); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				c.log.Debug("Transport: ignoring frame", "error", err)
			} else {
				c.log.Warn("Transport: malformed frame", "error", err)
			}
			continue
		}
		if err := c.session.Handle(ctx, msg); err != nil {
			c.log.Warn("Transport: frame not applied", "type", msg.MessageType(), "error", err)
		}
	}
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
				time.Now().Add(time.Second))
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("Transport: ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}
