// Package channel maintains the duplex connection to the game backend: one
// logical connection per player address, automatic reconnection, and a
// message-type-keyed subscription registry with promise-style waits.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chanbet/chanbet-go/internal/protocol"
)

const (
	// DefaultWaitTimeout bounds generic request/response round trips.
	DefaultWaitTimeout = 15 * time.Second

	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// ErrTimeout is returned when a WaitFor bound elapses with no matching frame.
var ErrTimeout = errors.New("timeout")

// Conn is the transport surface the client needs. *websocket.Conn satisfies
// it; tests substitute a scripted fake through Options.Dial.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a transport to the given URL, returning once the transport
// is open.
type DialFunc func(rawURL string) (Conn, error)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosing
)

type attempt struct {
	address string
	done    chan struct{}
	err     error
}

// Handler receives the payload of every inbound frame of a subscribed type.
type Handler func(payload json.RawMessage)

// Options configure a Client. BaseURL is required; Dial and Logger default
// to a gorilla websocket dialer and a nop logger.
type Options struct {
	BaseURL string
	APIKey  string
	Dial    DialFunc
	Logger  *zap.Logger
}

// Client owns the duplex channel. All methods are safe for concurrent use.
type Client struct {
	log     *zap.Logger
	baseURL string
	apiKey  string
	dial    DialFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	state     connState
	conn      Conn
	address   string
	gen       uint64
	inflight  *attempt
	subs      map[string]map[uint64]Handler
	nextSub   uint64
	retry     *backoff.ExponentialBackOff
	retryTmr  *time.Timer
	heartStop chan struct{}
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("channel: base URL is required")
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(rawURL string) (Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:     log,
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		dial:    dial,
		subs:    make(map[string]map[uint64]Handler),
		retry:   reconnectBackoff(),
	}, nil
}

// reconnectBackoff yields the deterministic 1s, 2s, 4s, 8s, 10s, 10s, ...
// retry schedule.
func reconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.Reset()
	return b
}

// Connect opens the channel for the given player address. It is idempotent:
// already connected to the same address returns immediately, and a
// concurrent attempt for the same address is joined rather than duplicated.
// A different address tears down the existing connection first.
func (c *Client) Connect(address string) error {
	c.mu.Lock()
	if c.state == stateOpen && c.address == address {
		c.mu.Unlock()
		return nil
	}
	if c.inflight != nil && c.inflight.address == address {
		att := c.inflight
		c.mu.Unlock()
		<-att.done
		return att.err
	}
	c.teardownLocked()
	c.address = address
	c.state = stateConnecting
	att := &attempt{address: address, done: make(chan struct{})}
	c.inflight = att
	c.mu.Unlock()

	conn, err := c.dial(c.connectURL(address))

	c.mu.Lock()
	if c.inflight == att {
		c.inflight = nil
	}
	if err != nil {
		if c.address == address {
			c.state = stateIdle
		}
		c.mu.Unlock()
		att.err = fmt.Errorf("channel connect: %w", err)
		close(att.done)
		return att.err
	}
	if c.address != address {
		// Disconnected or re-targeted while the dial was in flight.
		c.mu.Unlock()
		conn.Close()
		att.err = errors.New("channel connect: superseded")
		close(att.done)
		return att.err
	}
	c.conn = conn
	c.state = stateOpen
	c.gen++
	gen := c.gen
	c.retry.Reset()
	stop := make(chan struct{})
	c.heartStop = stop
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.heartbeat(stop)

	c.log.Info("channel connected",
		zap.String("address", address),
		zap.String("conn_id", uuid.NewString()))
	close(att.done)
	return nil
}

func (c *Client) connectURL(address string) string {
	q := url.Values{}
	q.Set("address", address)
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	sep := "?"
	if strings.Contains(c.baseURL, "?") {
		sep = "&"
	}
	return c.baseURL + sep + q.Encode()
}

// Send marshals and writes a frame. If the channel is not open the frame is
// logged and dropped; Send never fails loudly.
func (c *Client) Send(msgType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.log.Warn("channel send: marshal failed", zap.String("type", msgType), zap.Error(err))
			return
		}
		raw = data
	}
	frame, err := json.Marshal(protocol.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		c.log.Warn("channel send: marshal failed", zap.String("type", msgType), zap.Error(err))
		return
	}

	c.mu.Lock()
	conn := c.conn
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		c.log.Warn("channel send: not connected, dropping frame", zap.String("type", msgType))
		return
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("channel send failed", zap.String("type", msgType), zap.Error(err))
	}
}

// Subscribe registers a handler for all future frames of msgType and
// returns its unsubscribe capability. Multiple handlers per type may
// coexist; each registration is independent.
func (c *Client) Subscribe(msgType string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[msgType] == nil {
		c.subs[msgType] = make(map[uint64]Handler)
	}
	id := c.nextSub
	c.nextSub++
	c.subs[msgType][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if hs := c.subs[msgType]; hs != nil {
				delete(hs, id)
				if len(hs) == 0 {
					delete(c.subs, msgType)
				}
			}
		})
	}
}

// WaitFor resolves with the payload of the next frame of msgType, or fails
// with ErrTimeout after the bound. The subscription is always released on
// return.
func (c *Client) WaitFor(ctx context.Context, msgType string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	ch := make(chan json.RawMessage, 1)
	unsub := c.Subscribe(msgType, func(p json.RawMessage) {
		select {
		case ch <- p:
		default:
		}
	})
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w waiting for %q", ErrTimeout, msgType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForOrError races the next frame of msgType against the next error
// frame: whichever arrives first settles the wait. Every backend command is
// paired with exactly one of these.
func (c *Client) WaitForOrError(ctx context.Context, msgType string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	ch := make(chan json.RawMessage, 1)
	errCh := make(chan string, 1)
	unsub := c.Subscribe(msgType, func(p json.RawMessage) {
		select {
		case ch <- p:
		default:
		}
	})
	defer unsub()
	unsubErr := c.Subscribe(protocol.MsgError, func(p json.RawMessage) {
		var ep protocol.ErrorPayload
		if err := json.Unmarshal(p, &ep); err != nil || ep.Error == "" {
			ep.Error = "backend error"
		}
		select {
		case errCh <- ep.Error:
		default:
		}
	})
	defer unsubErr()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p, nil
	case msg := <-errCh:
		return nil, errors.New(msg)
	case <-timer.C:
		return nil, fmt.Errorf("%w waiting for %q", ErrTimeout, msgType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect closes the channel and disables reconnection until the next
// Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.address = ""
	c.teardownLocked()
	c.mu.Unlock()
}

// teardownLocked closes any live connection and cancels pending timers.
// Callers hold c.mu.
func (c *Client) teardownLocked() {
	if c.retryTmr != nil {
		c.retryTmr.Stop()
		c.retryTmr = nil
	}
	if c.heartStop != nil {
		close(c.heartStop)
		c.heartStop = nil
	}
	if c.conn != nil {
		c.state = stateClosing
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.state = stateIdle
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onReadClosed(gen, err)
			return
		}
		var env protocol.Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.Type == "" {
			// Malformed frames are dropped, not fatal.
			c.log.Debug("channel: dropping malformed frame", zap.ByteString("frame", data))
			continue
		}
		c.dispatch(env.Type, env.Payload)
	}
}

func (c *Client) dispatch(msgType string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[msgType]))
	for _, h := range c.subs[msgType] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (c *Client) onReadClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateOpen {
		// An intentional teardown already superseded this connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = stateIdle
	if c.heartStop != nil {
		close(c.heartStop)
		c.heartStop = nil
	}
	address := c.address
	c.mu.Unlock()

	if address == "" {
		return
	}
	c.log.Warn("channel closed unexpectedly", zap.Error(err))
	c.scheduleReconnect(address)
}

func (c *Client) scheduleReconnect(address string) {
	c.mu.Lock()
	if c.address != address {
		c.mu.Unlock()
		return
	}
	delay := c.retry.NextBackOff()
	c.retryTmr = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.address != address || c.state != stateIdle
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.Connect(address); err != nil {
			c.log.Warn("channel reconnect failed", zap.Error(err))
			c.scheduleReconnect(address)
		}
	})
	c.mu.Unlock()
	c.log.Info("channel reconnect scheduled", zap.Duration("delay", delay))
}

func (c *Client) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Send(protocol.MsgPing, nil)
		}
	}
}
