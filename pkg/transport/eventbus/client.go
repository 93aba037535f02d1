// Package eventbus implements webchat.Transport over the Vert.x SockJS event-bus bridge,
// using its raw websocket endpoint.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

const DefaultPath = "/eventbus/websocket"

type Config struct {
	// URL is the chat server base URL (http or https).
	URL  string
	Path string
	// Cookie is forwarded on the websocket handshake for authenticated bridges.
	Cookie         string
	PingInterval   time.Duration
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer
}

// FailureError is an err frame addressed to a pending request.
type FailureError struct {
	Code    int
	Type    string
	Message string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("bridge failure %d (%s): %s", e.Code, e.Type, e.Message)
}

type replyResult struct {
	body json.RawMessage
	err  error
}

// Client is one bridge connection. Deliveries for an address run on the read goroutine in
// arrival order.
type Client struct {
	cfg Config

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]webchat.Handler
	replies  map[string]chan replyResult
	err      error
}

var _ webchat.Transport = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:      cfg,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		handlers: map[string]map[int]webchat.Handler{},
		replies:  map[string]chan replyResult{},
	}
}

// WebsocketURL turns a server base URL into the bridge endpoint URL.
func WebsocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u.String(), nil
}

// Connect dials the bridge and starts the read and ping loops. Ready is closed on success.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := WebsocketURL(c.cfg.URL, c.cfg.Path)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.cfg.Cookie != "" {
		header.Set("Cookie", c.cfg.Cookie)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "dial %s", wsURL)
	}
	c.conn = conn
	log.Info().Str("component", "eventbus").Str("url", wsURL).Msg("bridge connected")

	go c.readLoop()
	go c.pingLoop()
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, if it did.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *Client) write(f outFrame) error {
	if !c.isReady() {
		return webchat.ErrNotReady
	}
	select {
	case <-c.done:
		return errors.New("bridge connection closed")
	default:
	}
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return errors.Wrapf(c.conn.WriteMessage(websocket.TextMessage, b), "write %s frame", f.Type)
}

type subscription struct {
	c       *Client
	address string
	id      int
	once    sync.Once
}

func (s *subscription) Topic() string { return s.address }

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.c.unregister(s.address, s.id) })
	return err
}

// Subscribe registers h for address. The register frame is sent for the first handler only.
func (c *Client) Subscribe(address string, h webchat.Handler) (webchat.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is nil")
	}
	if !c.isReady() {
		return nil, webchat.ErrNotReady
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.handlers[address]) == 0
	if c.handlers[address] == nil {
		c.handlers[address] = map[int]webchat.Handler{}
	}
	c.handlers[address][id] = h
	c.mu.Unlock()

	if first {
		if err := c.write(outFrame{Type: frameRegister, Address: address, Headers: map[string]string{}}); err != nil {
			c.mu.Lock()
			delete(c.handlers[address], id)
			c.mu.Unlock()
			return nil, err
		}
	}
	return &subscription{c: c, address: address, id: id}, nil
}

func (c *Client) unregister(address string, id int) error {
	c.mu.Lock()
	delete(c.handlers[address], id)
	last := len(c.handlers[address]) == 0
	if last {
		delete(c.handlers, address)
	}
	c.mu.Unlock()
	if !last {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	return c.write(outFrame{Type: frameUnregister, Address: address, Headers: map[string]string{}})
}

func (c *Client) Publish(_ context.Context, address string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	return c.write(outFrame{Type: framePublish, Address: address, Body: body, Headers: map[string]string{}})
}

// Request sends payload point-to-point and waits for the reply on a one-shot reply address.
func (c *Client) Request(ctx context.Context, address string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	replyAddress := uuid.NewString()
	ch := make(chan replyResult, 1)
	c.mu.Lock()
	c.replies[replyAddress] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, replyAddress)
		c.mu.Unlock()
	}()

	if err := c.write(outFrame{Type: frameSend, Address: address, Body: body, ReplyAddress: replyAddress, Headers: map[string]string{}}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case r := <-ch:
		return r.body, r.err
	case <-c.done:
		return nil, errors.New("bridge connection closed")
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "await reply on %s", address)
	}
}

func (c *Client) readLoop() {
	var cause error
	defer func() { c.shutdown(cause) }()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			return
		}
		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Msg("undecodable bridge frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f inFrame) {
	c.mu.Lock()
	hs := make([]webchat.Handler, 0, len(c.handlers[f.Address]))
	for _, h := range c.handlers[f.Address] {
		hs = append(hs, h)
	}
	reply, isReply := c.replies[f.Address]
	c.mu.Unlock()

	switch {
	case len(hs) > 0:
		if f.Type == frameErr {
			log.Warn().Str("component", "eventbus").Str("address", f.Address).Str("failure", f.Message).Msg("bridge error on address")
			return
		}
		env := webchat.Envelope{Topic: f.Address, Payload: f.Body}
		for _, h := range hs {
			h(context.Background(), env)
		}
	case isReply:
		r := replyResult{body: f.Body}
		if f.Type == frameErr {
			r = replyResult{err: &FailureError{Code: f.FailureCode, Type: f.FailureType, Message: f.Message}}
		}
		select {
		case reply <- r:
		default:
		}
	case f.Type == frameErr:
		log.Error().Str("component", "eventbus").Str("failure", f.Message).Msg("bridge error")
	case f.Type == frameRec:
		log.Debug().Str("component", "eventbus").Str("address", f.Address).Msg("no handler for bridge message")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(outFrame{Type: framePing}); err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Msg("bridge ping failed")
			}
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			log.Warn().Err(cause).Str("component", "eventbus").Msg("bridge connection lost")
		}
	})
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}
