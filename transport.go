package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire events
// ============================================================================

// Inbound event names.
const (
	EventConnected       = "connected"
	EventAck             = "ack"
	EventPong            = "pong"
	EventMessageNew      = "message:new"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventMessageReaction = "message:reaction"
	EventMessageSeen     = "message:seen"
	EventMessagesSeen    = "messages:seen"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventUserStatus      = "user:status"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventNotification    = "notification:new"
)

// Outbound event names. message:seen is used in both directions: the server
// broadcasts it per message, the client submits it as a batch.
const (
	EventGroupJoin     = "group:join"
	EventGroupLeave    = "group:leave"
	EventMessageSend   = "message:send"
	EventMessageEdit   = "message:edit"
	EventMessageDelete = "message:delete"
	EventPing          = "ping"
)

// Envelope is the wire format for all live-transport traffic, in both
// directions. RequestID correlates an outbound event with its ack.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

type ackPayload struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// ============================================================================
// Transport contract
// ============================================================================

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// EventHandler receives an inbound event's raw payload. Handlers for domain
// events run synchronously on the read loop, in arrival order; that ordering
// is what the synchronizer relies on.
type EventHandler func(event string, payload json.RawMessage)

// Transport is the live-connection surface the engine components consume.
// Conn is the production implementation.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	State() ConnState
	JoinGroup(ctx context.Context, groupID string) error
	LeaveGroup(ctx context.Context, groupID string) error
	JoinedGroup() string
	Emit(ctx context.Context, event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) error
	On(event string, h EventHandler)
	OnConnect(h func())
	OnDisconnect(h func(reason string))
	OnReconnect(h func(attempt int))
}

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures the live connection.
type ConnConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Dispatcher
// ============================================================================

type dispatcher struct {
	mu           sync.RWMutex
	handlers     map[string][]EventHandler
	onConnect    []func()
	onDisconnect []func(string)
	onReconnect  []func(int)
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]EventHandler)}
}

// dispatch runs domain handlers synchronously so events are applied in the
// order they arrived from the transport.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.handlers[env.Event]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env.Event, env.Payload)
	}
}

func (d *dispatcher) emitConnect() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnect...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *dispatcher) emitDisconnect(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnect...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *dispatcher) emitReconnect(attempt int) {
	d.mu.RLock()
	handlers := append([]func(int){}, d.onReconnect...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt)
	}
}

// ============================================================================
// Conn
// ============================================================================

type ackResult struct {
	err error
}

// Conn owns the lifecycle of the live WebSocket connection: connect,
// disconnect, transparent reconnect, and group membership. On every entry
// into the connected state the previously joined group is rejoined, which is
// what makes reconnection invisible to the rest of the system.
type Conn struct {
	baseURL string
	config  *ConnConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	joinedGroup      string
	everConnected    bool
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
	recon      *reconnector

	pendingMu   sync.Mutex
	pendingAcks map[string]chan ackResult
}

// NewConn creates a live connection manager. Call Connect to establish the
// connection.
func NewConn(baseURL string, config *ConnConfig) *Conn {
	cfg := *config
	cfg.defaults()
	return &Conn{
		baseURL:     strings.TrimRight(baseURL, "/"),
		config:      &cfg,
		state:       StateDisconnected,
		dispatcher:  newDispatcher(),
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan ackResult),
	}
}

// On registers a handler for an inbound domain event.
func (c *Conn) On(event string, h EventHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.handlers[event] = append(c.dispatcher.handlers[event], h)
	c.dispatcher.mu.Unlock()
}

// OnConnect registers a handler for the first successful connect.
func (c *Conn) OnConnect(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnect = append(c.dispatcher.onConnect, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnect registers a handler for transport drops.
func (c *Conn) OnDisconnect(h func(reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnect = append(c.dispatcher.onDisconnect, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnect registers a handler for successful reconnects.
func (c *Conn) OnReconnect(h func(attempt int)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnect = append(c.dispatcher.onReconnect, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinedGroup returns the currently joined group, or "".
func (c *Conn) JoinedGroup() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinedGroup
}

// Connect establishes the WebSocket connection and performs the handshake.
// Connection errors are reported but never fatal; with AutoReconnect set the
// read loop retries with backoff after a drop.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + c.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.setDisconnected()
		return &ConnError{Op: "dial", Err: err}
	}

	// The first frame must be the handshake ack.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setDisconnected()
		return &ConnError{Op: "handshake", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != EventConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setDisconnected()
		return &ConnError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", EventConnected, env.Event)}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	resumed := c.everConnected
	c.everConnected = true
	rejoin := c.joinedGroup
	c.mu.Unlock()
	c.recon.markConnected()

	if resumed {
		c.dispatcher.emitReconnect(c.recon.attempt)
	} else {
		c.dispatcher.emitConnect()
	}

	// Resume group membership before anything else goes over the wire.
	if rejoin != "" {
		if err := c.writeEnvelope(ctx, Envelope{Event: EventGroupJoin, Payload: mustJSON(map[string]string{"groupId": rejoin})}); err != nil {
			glog.Errorf("rejoin group %s: %v", rejoin, err)
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	// Stop any loops still bound to a previous connection before the new
	// ones start.
	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.cancelFn = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx)
	go c.heartbeatLoop(connCtx, conn)

	return nil
}

// Close gracefully shuts the connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failPendingAcks(ErrNotConnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinGroup joins a group, leaving the previous one first. Joining the
// stale group must be left before the new join goes out, or the session
// would receive duplicate broadcasts for both memberships. When the
// connection is down the membership is recorded and resumed on connect.
func (c *Conn) JoinGroup(ctx context.Context, groupID string) error {
	c.mu.Lock()
	prev := c.joinedGroup
	c.joinedGroup = groupID
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if prev != "" && prev != groupID {
		if err := c.writeEnvelope(ctx, Envelope{Event: EventGroupLeave, Payload: mustJSON(map[string]string{"groupId": prev})}); err != nil {
			glog.Errorf("leave group %s: %v", prev, err)
		}
	}
	return c.writeEnvelope(ctx, Envelope{Event: EventGroupJoin, Payload: mustJSON(map[string]string{"groupId": groupID})})
}

// LeaveGroup leaves a group.
func (c *Conn) LeaveGroup(ctx context.Context, groupID string) error {
	c.mu.Lock()
	if c.joinedGroup == groupID {
		c.joinedGroup = ""
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeEnvelope(ctx, Envelope{Event: EventGroupLeave, Payload: mustJSON(map[string]string{"groupId": groupID})})
}

// Emit sends an event fire-and-forget.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeEnvelope(ctx, Envelope{Event: event, Payload: raw})
}

// EmitWithAck sends an event and waits for the server's acknowledgement.
// Returns ErrSendRejected on a negative ack and ErrSendTimeout when no ack
// arrives within the timeout; it never waits indefinitely.
func (c *Conn) EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.AckTimeout
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	ch := make(chan ackResult, 1)
	c.pendingMu.Lock()
	c.pendingAcks[requestID] = ch
	c.pendingMu.Unlock()

	if err := c.writeEnvelope(ctx, Envelope{Event: event, Payload: raw, RequestID: requestID}); err != nil {
		c.dropPendingAck(requestID)
		return err
	}

	select {
	case res := <-ch:
		return res.err
	case <-time.After(timeout):
		c.dropPendingAck(requestID)
		return ErrSendTimeout
	case <-ctx.Done():
		c.dropPendingAck(requestID)
		return ctx.Err()
	}
}

func (c *Conn) writeEnvelope(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.mu.Unlock()
			if intentional {
				return
			}

			c.mu.Lock()
			c.state = StateDisconnected
			c.conn = nil
			if c.cancelFn != nil {
				c.cancelFn()
				c.cancelFn = nil
			}
			c.mu.Unlock()

			c.failPendingAcks(ErrNotConnected)
			c.dispatcher.emitDisconnect(err.Error())
			glog.V(2).Infof("transport dropped: %v", err)

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Event {
		case EventAck, EventPong:
			c.resolveAck(env)
		default:
			c.dispatcher.dispatch(env)
		}
	}
}

func (c *Conn) resolveAck(env Envelope) {
	var p ackPayload
	if env.Payload != nil {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
	}
	if p.RequestID == "" {
		p.RequestID = env.RequestID
	}
	if p.RequestID == "" {
		return
	}
	// A pong is always affirmative.
	if env.Event == EventPong {
		p.OK = true
	}

	c.pendingMu.Lock()
	ch, ok := c.pendingAcks[p.RequestID]
	if ok {
		delete(c.pendingAcks, p.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if p.OK {
		ch <- ackResult{}
	} else {
		err := ErrSendRejected
		if p.Error != "" {
			err = fmt.Errorf("%w: %s", ErrSendRejected, p.Error)
		}
		ch <- ackResult{err: err}
	}
}

// heartbeatLoop pings over the connection it was started for. It holds its
// own *websocket.Conn so that after a reconnect a not-yet-cancelled loop can
// only ever close the connection it monitored, never the replacement.
func (c *Conn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if err := c.EmitWithAck(ctx, EventPing, map[string]string{}, c.config.AckTimeout); err != nil {
				// Heartbeat failed; force-close so the read loop reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Conn) scheduleReconnect() {
	delay := c.recon.nextDelay()
	glog.V(2).Infof("reconnecting in %s (attempt %d)", delay, c.recon.attempt)

	time.Sleep(delay)

	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.Connect(context.Background()); err != nil {
		if c.config.AutoReconnect && c.recon.shouldReconnect() {
			c.scheduleReconnect()
		} else {
			c.setDisconnected()
		}
	}
}

func (c *Conn) setDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Conn) dropPendingAck(requestID string) {
	c.pendingMu.Lock()
	delete(c.pendingAcks, requestID)
	c.pendingMu.Unlock()
}

func (c *Conn) failPendingAcks(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pendingAcks {
		select {
		case ch <- ackResult{err: err}:
		default:
		}
		delete(c.pendingAcks, id)
	}
	c.pendingMu.Unlock()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
