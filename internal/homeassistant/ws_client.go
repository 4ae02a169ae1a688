// Package homeassistant provides a WebSocket client for Home Assistant API.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// maxWSMessageSize is the maximum WebSocket message size (16MB).
// Large responses like get_states with many entities require this limit.
const maxWSMessageSize = 16 * 1024 * 1024

// eventQueueSize bounds the number of events waiting for the dispatcher.
// When full, the read loop blocks until the dispatcher catches up.
const eventQueueSize = 256

// resubscribeTimeout bounds each subscribe_events call made after a reconnect.
const resubscribeTimeout = 10 * time.Second

// ErrNotConnected is returned when a command is sent without an active connection.
var ErrNotConnected = errors.New("not connected")

// WSClientConfig holds configuration options for WSClient.
type WSClientConfig struct {
	// ReconnectConfig configures automatic reconnection behavior.
	ReconnectConfig ReconnectConfig
	// OnReconnect is called after a successful reconnection.
	OnReconnect OnReconnectFunc
	// OnDisconnect is called when a disconnect is detected.
	OnDisconnect OnDisconnectFunc
	// AutoReconnect enables automatic reconnection on disconnect.
	AutoReconnect bool
	// PingInterval is the interval between health check pings (0 = disabled).
	PingInterval time.Duration
	// PingTimeout is the timeout for ping responses.
	PingTimeout time.Duration
	// WriteTimeout is the timeout for write operations.
	WriteTimeout time.Duration
}

// DefaultWSClientConfig returns the default WSClient configuration.
func DefaultWSClientConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectConfig: DefaultReconnectConfig(),
		AutoReconnect:   true,
		PingInterval:    30 * time.Second,
		PingTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// WSClient manages a WebSocket connection to Home Assistant.
type WSClient struct {
	baseURL   string
	token     string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	msgID     atomic.Int64
	pendingMu sync.RWMutex
	pending   map[int64]chan *WSResultMessage
	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool

	// Event subscriptions keyed by the id of their subscribe_events command.
	subsMu sync.RWMutex
	subs   map[int64]*Subscription
	events chan eventDispatch

	// Reconnection fields
	config       WSClientConfig
	reconnectMgr *ReconnectManager
	reconnectMu  sync.Mutex
	reconnecting atomic.Bool

	// Health monitoring fields
	pingCancel context.CancelFunc
	lastPong   atomic.Value // time.Time
}

// eventDispatch pairs an event with the subscription it was delivered for.
type eventDispatch struct {
	sub   *Subscription
	event WSEvent
}

// NewWSClient creates a new WebSocket client for Home Assistant.
func NewWSClient(baseURL, token string) *WSClient {
	return NewWSClientWithConfig(baseURL, token, DefaultWSClientConfig())
}

// NewWSClientWithConfig creates a new WebSocket client with custom configuration.
func NewWSClientWithConfig(baseURL, token string, config WSClientConfig) *WSClient {
	return &WSClient{
		baseURL:      baseURL,
		token:        token,
		pending:      make(map[int64]chan *WSResultMessage),
		subs:         make(map[int64]*Subscription),
		events:       make(chan eventDispatch, eventQueueSize),
		config:       config,
		reconnectMgr: NewReconnectManager(config.ReconnectConfig),
	}
}

// Connect establishes a WebSocket connection to Home Assistant.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("building WebSocket URL: %w", err)
	}

	// Create context for connection lifecycle
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, resp, err := websocket.Dial(c.ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.cancel()
		return fmt.Errorf("dialing WebSocket: %w", err)
	}
	c.conn = conn

	c.conn.SetReadLimit(maxWSMessageSize)

	if err := c.authenticate(); err != nil {
		_ = c.conn.CloseNow()
		c.cancel()
		return fmt.Errorf("authentication: %w", err)
	}

	c.connected.Store(true)
	c.reconnectMgr.Reset()

	go c.readLoop()
	go c.dispatchLoop()

	if c.config.PingInterval > 0 {
		c.startHealthMonitor()
	}

	return nil
}

// startHealthMonitor starts the periodic ping goroutine.
func (c *WSClient) startHealthMonitor() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.pingCancel = cancel
	c.lastPong.Store(time.Now())

	go c.healthLoop(ctx)
}

// healthLoop periodically sends pings to check connection health.
func (c *WSClient) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}

			if lastPong, ok := c.lastPong.Load().(time.Time); ok {
				if time.Since(lastPong) > c.config.PingInterval+c.config.PingTimeout {
					c.handleDeadConnection(errors.New("ping timeout"))
					return
				}
			}

			pingCtx, pingCancel := context.WithTimeout(ctx, c.config.PingTimeout)
			err := c.conn.Ping(pingCtx)
			pingCancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.handleDeadConnection(fmt.Errorf("ping failed: %w", err))
				return
			}

			c.lastPong.Store(time.Now())
		}
	}
}

// handleDeadConnection notifies the disconnect callback and starts a reconnect if enabled.
func (c *WSClient) handleDeadConnection(err error) {
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}
	if c.config.AutoReconnect {
		go func() {
			_ = c.reconnect()
		}()
	}
}

// buildWSURL converts the base URL to a WebSocket URL.
func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	u.Path = "/api/websocket"
	return u.String(), nil
}

// authenticate performs the Home Assistant WebSocket authentication flow.
func (c *WSClient) authenticate() error {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return fmt.Errorf("reading auth_required: %w", err)
	}

	msgType, err := ParseMessageType(data)
	if err != nil {
		return fmt.Errorf("parsing auth_required type: %w", err)
	}

	if msgType != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", msgType)
	}

	authData, err := json.Marshal(WSAuthMessage{
		Type:        "auth",
		AccessToken: c.token,
	})
	if err != nil {
		return fmt.Errorf("marshaling auth message: %w", err)
	}

	if err := c.conn.Write(c.ctx, websocket.MessageText, authData); err != nil {
		return fmt.Errorf("sending auth message: %w", err)
	}

	_, data, err = c.conn.Read(c.ctx)
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}

	msgType, err = ParseMessageType(data)
	if err != nil {
		return fmt.Errorf("parsing auth response type: %w", err)
	}

	switch msgType {
	case "auth_ok":
		return nil
	case "auth_invalid":
		var invalid WSAuthInvalid
		if err := json.Unmarshal(data, &invalid); err != nil {
			return errors.New("authentication failed: invalid credentials")
		}
		return fmt.Errorf("authentication failed: %s", invalid.Message)
	default:
		return fmt.Errorf("unexpected auth response type: %s", msgType)
	}
}

// readLoop continuously reads messages from the WebSocket connection.
func (c *WSClient) readLoop() {
	defer func() {
		c.connected.Store(false)
		c.closePendingChannels()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}

			if c.config.AutoReconnect {
				if reconnectErr := c.reconnect(); reconnectErr != nil {
					return
				}
				continue
			}

			return
		}

		msgType, err := ParseMessageType(data)
		if err != nil {
			continue // Skip malformed messages
		}

		switch msgType {
		case "result":
			c.handleResultMessage(data)
		case "event":
			c.handleEventMessage(data)
		case "pong":
		}
	}
}

// dispatchLoop delivers queued events to their subscriptions, one at a time.
func (c *WSClient) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case d := <-c.events:
			d.sub.deliver(d.event)
		}
	}
}

// reconnect attempts to re-establish the WebSocket connection with exponential backoff.
// It is idempotent: concurrent calls are serialized via the reconnecting atomic flag.
// Pending requests fail during reconnection; event subscriptions are restored afterwards.
func (c *WSClient) reconnect() error {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer c.reconnecting.Store(false)

	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.connected.Store(false)
	c.closePendingChannels()

	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusGoingAway, "reconnecting")
		c.conn = nil
	}
	c.writeMu.Unlock()

	for c.reconnectMgr.ShouldReconnect() {
		if err := c.reconnectMgr.WaitForReconnect(c.ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, ErrMaxReconnectAttempts) {
				return err
			}
			continue
		}

		if err := c.connectInternal(); err != nil {
			continue
		}

		attempts := c.reconnectMgr.GetAttempts()
		c.reconnectMgr.Reset()

		if c.config.PingInterval > 0 {
			c.startHealthMonitor()
		}

		// The read loop resumes once we return, so resubscribing must not block here.
		go c.resubscribeAll()

		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempts)
		}

		return nil
	}

	return ErrMaxReconnectAttempts
}

// connectInternal performs the actual connection without starting readLoop.
// The caller (readLoop during reconnection) continues to handle message reading.
func (c *WSClient) connectInternal() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("building WebSocket URL: %w", err)
	}

	conn, resp, err := websocket.Dial(c.ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing WebSocket: %w", err)
	}
	conn.SetReadLimit(maxWSMessageSize)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.authenticate(); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "auth failed")
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		return fmt.Errorf("authentication: %w", err)
	}

	c.connected.Store(true)

	return nil
}

// handleResultMessage routes a result message to the appropriate pending channel.
func (c *WSClient) handleResultMessage(data []byte) {
	var result WSResultMessage
	if err := json.Unmarshal(data, &result); err != nil {
		return
	}

	c.pendingMu.RLock()
	ch, ok := c.pending[result.ID]
	c.pendingMu.RUnlock()

	if ok {
		select {
		case ch <- &result:
		default:
			// Channel full or closed, skip
		}
	}
}

// handleEventMessage queues an event for the subscription registered under its id.
// Events for unknown ids (already unsubscribed) are dropped.
func (c *WSClient) handleEventMessage(data []byte) {
	var msg WSEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.subsMu.RLock()
	sub, ok := c.subs[msg.ID]
	c.subsMu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.events <- eventDispatch{sub: sub, event: msg.Event}:
	case <-c.ctx.Done():
	}
}

// closePendingChannels closes all pending response channels on disconnect.
func (c *WSClient) closePendingChannels() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// SendCommand sends a command to Home Assistant and waits for a response.
func (c *WSClient) SendCommand(ctx context.Context, msgType string, payload map[string]any) (*WSResultMessage, error) {
	return c.sendWithID(ctx, c.msgID.Add(1), msgType, payload)
}

// sendWithID sends a command under a caller-allocated message id.
func (c *WSClient) sendWithID(ctx context.Context, id int64, msgType string, payload map[string]any) (*WSResultMessage, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	responseChan := make(chan *WSResultMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = responseChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(&WSCommandWithPayload{
		ID:      id,
		Type:    msgType,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	if err := c.write(ctx, data); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}

	select {
	case result, ok := <-responseChan:
		if !ok {
			return nil, errors.New("connection closed while waiting for response")
		}
		if !result.Success && result.Error != nil {
			return nil, fmt.Errorf("command failed: %s - %s", result.Error.Code, result.Error.Message)
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write serializes frame writes and applies the configured write timeout.
func (c *WSClient) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.conn
	if conn == nil {
		return ErrNotConnected
	}

	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// SubscribeEvents subscribes to Home Assistant events of the given type.
// An empty eventType subscribes to all events. Handlers run on the client's
// dispatcher goroutine, one event at a time across all subscriptions.
// Handlers must not block on WebSocket command results: once the event queue
// fills up the read loop stalls and those results never arrive.
func (c *WSClient) SubscribeEvents(ctx context.Context, eventType string, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("event handler is required")
	}

	sub := &Subscription{
		client:    c,
		eventType: eventType,
		handler:   handler,
	}

	id := c.msgID.Add(1)
	sub.id.Store(id)

	// Register before sending so events following the result are never missed.
	c.subsMu.Lock()
	c.subs[id] = sub
	c.subsMu.Unlock()

	if _, err := c.sendWithID(ctx, id, "subscribe_events", subscribePayload(eventType)); err != nil {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
		return nil, fmt.Errorf("subscribe_events %q: %w", eventType, err)
	}

	return sub, nil
}

// unsubscribe removes the subscription and tells Home Assistant to stop sending events.
func (c *WSClient) unsubscribe(ctx context.Context, sub *Subscription) error {
	id := sub.id.Load()

	c.subsMu.Lock()
	delete(c.subs, id)
	c.subsMu.Unlock()

	if !c.connected.Load() {
		return nil
	}

	if _, err := c.SendCommand(ctx, "unsubscribe_events", map[string]any{"subscription": id}); err != nil {
		return fmt.Errorf("unsubscribe_events %d: %w", id, err)
	}
	return nil
}

// resubscribeAll re-establishes every live subscription after a reconnect.
// Old subscription ids are meaningless on the new connection.
func (c *WSClient) resubscribeAll() {
	c.subsMu.Lock()
	live := make([]*Subscription, 0, len(c.subs))
	for id, sub := range c.subs {
		delete(c.subs, id)
		if !sub.isClosed() {
			live = append(live, sub)
		}
	}
	for _, sub := range live {
		id := c.msgID.Add(1)
		sub.id.Store(id)
		c.subs[id] = sub
	}
	c.subsMu.Unlock()

	for _, sub := range live {
		ctx, cancel := context.WithTimeout(c.ctx, resubscribeTimeout)
		_, err := c.sendWithID(ctx, sub.id.Load(), "subscribe_events", subscribePayload(sub.eventType))
		cancel()
		if err != nil && c.config.OnDisconnect != nil {
			c.config.OnDisconnect(fmt.Errorf("resubscribing %q: %w", sub.eventType, err))
		}
	}
}

func subscribePayload(eventType string) map[string]any {
	if eventType == "" {
		return nil
	}
	return map[string]any{"event_type": eventType}
}

// Close closes the WebSocket connection and stops reconnection attempts.
func (c *WSClient) Close() error {
	if c.pingCancel != nil {
		c.pingCancel()
	}

	c.reconnectMgr.Stop()

	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

// IsConnected returns true if the client is currently connected.
func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// IsHealthy returns true if the connection is connected and has received
// a recent pong response (within PingInterval + PingTimeout).
func (c *WSClient) IsHealthy() bool {
	if !c.connected.Load() {
		return false
	}

	if c.config.PingInterval == 0 {
		return true
	}

	lastPong, ok := c.lastPong.Load().(time.Time)
	if !ok {
		return true
	}

	return time.Since(lastPong) <= c.config.PingInterval+c.config.PingTimeout
}
