package convsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/convsync/internal/clock"
)

// ErrReconnectExhausted is carried by the ErrorEvent dispatched when the
// client gives up reconnecting.
var ErrReconnectExhausted = errors.New("convsync: reconnect attempts exhausted")

// ErrConnectInProgress is returned by Connect while another dial, manual or
// scheduled, has not finished yet.
var ErrConnectInProgress = errors.New("convsync: connect already in progress")

var errConnectSuperseded = errors.New("convsync: connect superseded")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	URL       string
	Transport Transport

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	// DialTimeout bounds each scheduled reconnect attempt.
	DialTimeout time.Duration
	// HeartbeatInterval is the ping period for connections that implement
	// Pinger. Negative disables the heartbeat.
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.Transport == nil {
		c.Transport = &WebSocketTransport{}
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
}

// ConnectionState is the state of the realtime session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the persistent connection of one session. Inbound
// messages are decoded and dispatched in wire order; lifecycle changes are
// dispatched as ConnectedEvent, DisconnectedEvent, ReconnectingEvent and
// ErrorEvent.
//
// An unexpected close while connected starts the reconnect machine: the
// delay before attempt k is ReconnectBaseDelay * 2^(k-1). A failed attempt
// schedules the next one until MaxReconnectAttempts is reached, after which
// the client is Failed until Connect is called again. A successful connect
// resets the attempt counter, but a reconnected session that drops again
// within ReconnectBaseDelay resumes the previous episode's count, so a
// server that accepts and immediately closes still reaches Failed.
type RealtimeClient struct {
	config     RealtimeConfig
	dispatcher *Dispatcher
	clock      clock.Clock
	logger     zerolog.Logger
	metrics    *Metrics

	mu      sync.Mutex
	state   ConnectionState
	attempt int
	// epoch changes on every Connect and Disconnect. Timers and read loops
	// capture it and do nothing once it has moved on.
	epoch          uint64
	userID         string
	token          string
	conn           TransportConn
	cancelRead     context.CancelFunc
	reconnectTimer *clock.Timer
	heartbeatTimer *clock.Timer

	// carried is the attempt count that led to the current connection;
	// zero after a manual Connect.
	carried     int
	connectedAt time.Time
}

// NewRealtimeClient creates a disconnected client that dispatches onto d.
func NewRealtimeClient(config RealtimeConfig, d *Dispatcher, opts ...Option) *RealtimeClient {
	config.defaults()
	o := buildOptions(opts)
	return &RealtimeClient{
		config:     config,
		dispatcher: d,
		clock:      o.clock,
		logger:     o.componentLogger("realtime"),
		metrics:    o.metrics,
	}
}

// State returns the current connection state.
func (c *RealtimeClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current reconnect attempt, 0 when connected.
func (c *RealtimeClient) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// UserID returns the user of the current session.
func (c *RealtimeClient) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect opens the connection and blocks until it is established or has
// failed. A failure is dispatched as ErrorEvent, returned, and never retried
// automatically. Connect is a no-op while connected and returns
// ErrConnectInProgress while a dial is outstanding.
func (c *RealtimeClient) Connect(ctx context.Context, userID, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.stopTimersLocked()
	c.epoch++
	epoch := c.epoch
	c.userID = userID
	c.token = token
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial(ctx, epoch, false)
}

// Disconnect closes the connection cleanly and cancels any pending
// reconnect. It never triggers a reconnect.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.epoch++
	c.stopTimersLocked()
	conn := c.conn
	cancel := c.cancelRead
	c.conn = nil
	c.cancelRead = nil
	wasConnected := c.state == StateConnected
	c.attempt = 0
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if wasConnected {
		c.dispatcher.Dispatch(DisconnectedEvent{Clean: true, Reason: "client disconnect"})
	}
	return err
}

// Send writes one envelope. When the client is not connected the event is
// dropped with a warning and Send returns nil; there is no outbound queue.
func (c *RealtimeClient) Send(ctx context.Context, eventType EventType, data any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn().Str("event_type", string(eventType)).Msg("not connected, dropping outbound event")
		return nil
	}

	payload, err := encodeEnvelope(eventType, data, c.clock.Now())
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, payload); err != nil {
		return fmt.Errorf("send %s: %w", eventType, err)
	}
	return nil
}

type typingIndicatorOut struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type statusUpdateOut struct {
	Status string `json:"status"`
}

type conversationRef struct {
	ConversationID string `json:"conversation_id"`
}

// SendTypingIndicator sends typing_indicator{conversation_id, is_typing}.
func (c *RealtimeClient) SendTypingIndicator(ctx context.Context, conversationID string, isTyping bool) error {
	return c.Send(ctx, EventTypingIndicator, typingIndicatorOut{ConversationID: conversationID, IsTyping: isTyping})
}

// UpdateStatus sends user_status_update{status}.
func (c *RealtimeClient) UpdateStatus(ctx context.Context, status string) error {
	return c.Send(ctx, EventUserStatusUpdate, statusUpdateOut{Status: status})
}

// JoinConversation sends join_conversation{conversation_id}.
func (c *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return c.Send(ctx, EventJoinConversation, conversationRef{ConversationID: conversationID})
}

// LeaveConversation sends leave_conversation{conversation_id}.
func (c *RealtimeClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return c.Send(ctx, EventLeaveConversation, conversationRef{ConversationID: conversationID})
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (c *RealtimeClient) dial(ctx context.Context, epoch uint64, reconnect bool) error {
	c.mu.Lock()
	target := DialTarget{URL: c.config.URL, UserID: c.userID, Token: c.token}
	c.mu.Unlock()

	conn, err := c.config.Transport.Dial(ctx, target)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close("superseded")
		}
		return errConnectSuperseded
	}

	if err != nil {
		err = fmt.Errorf("connect: %w", err)
		if !reconnect {
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			c.dispatcher.Dispatch(ErrorEvent{Err: err})
			return err
		}
		next, delay := c.nextAttemptLocked()
		attempt := c.attempt
		c.mu.Unlock()

		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		c.dispatcher.Dispatch(ErrorEvent{Err: err})
		c.dispatcher.Dispatch(next)
		c.armReconnect(epoch, attempt, delay)
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancel
	c.carried = 0
	if reconnect {
		c.carried = c.attempt
	}
	c.attempt = 0
	c.connectedAt = c.clock.Now()
	c.setStateLocked(StateConnected)
	c.armHeartbeatLocked(conn)
	userID := c.userID
	c.mu.Unlock()

	c.logger.Info().Str("user_id", userID).Bool("reconnected", reconnect).Msg("connected")
	c.dispatcher.Dispatch(ConnectedEvent{UserID: userID, Reconnected: reconnect})
	go c.readLoop(readCtx, conn, epoch)
	return nil
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn TransportConn, epoch uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(conn, epoch, err)
			return
		}

		ev, err := DecodeEnvelope(data)
		if err != nil {
			c.metrics.decodeFailed()
			c.logger.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}
		c.dispatcher.Dispatch(ev)
	}
}

func (c *RealtimeClient) handleClose(conn TransportConn, epoch uint64, cause error) {
	c.mu.Lock()
	if c.epoch != epoch || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.heartbeatTimer.Stop()
	c.heartbeatTimer = nil

	clean := errors.Is(cause, ErrCleanClose)
	var next Event
	var delay time.Duration
	if clean {
		c.setStateLocked(StateDisconnected)
	} else {
		if c.carried > 0 && c.clock.Now().Sub(c.connectedAt) < c.config.ReconnectBaseDelay {
			c.attempt = c.carried
		}
		next, delay = c.nextAttemptLocked()
	}
	c.carried = 0
	attempt := c.attempt
	c.mu.Unlock()

	reason := "closed by server"
	if !clean {
		reason = cause.Error()
		c.logger.Warn().Err(cause).Msg("connection lost")
	}
	c.dispatcher.Dispatch(DisconnectedEvent{Clean: clean, Reason: reason})
	if next != nil {
		c.dispatcher.Dispatch(next)
		c.armReconnect(epoch, attempt, delay)
	}
}

// nextAttemptLocked advances the reconnect machine after a failure and
// returns the event describing the outcome: ReconnectingEvent when another
// attempt is due, ErrorEvent{ErrReconnectExhausted} once the limit is hit.
func (c *RealtimeClient) nextAttemptLocked() (Event, time.Duration) {
	if c.attempt >= c.config.MaxReconnectAttempts {
		c.setStateLocked(StateFailed)
		c.logger.Error().Int("attempts", c.attempt).Msg("giving up reconnecting")
		return ErrorEvent{Err: ErrReconnectExhausted}, 0
	}
	c.attempt++
	c.setStateLocked(StateReconnecting)
	c.metrics.reconnectScheduled()
	delay := c.backoff(c.attempt)
	return ReconnectingEvent{Attempt: c.attempt, Delay: delay}, delay
}

func (c *RealtimeClient) backoff(attempt int) time.Duration {
	return c.config.ReconnectBaseDelay << (attempt - 1)
}

// armReconnect starts the timer for attempt, unless the session moved on
// while the lifecycle events were being dispatched.
func (c *RealtimeClient) armReconnect(epoch uint64, attempt int, delay time.Duration) {
	if delay <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.state != StateReconnecting || c.attempt != attempt {
		return
	}
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(epoch, attempt) })
}

func (c *RealtimeClient) reconnect(epoch uint64, attempt int) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateReconnecting || c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Msg("reconnecting")
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()
	_ = c.dial(ctx, epoch, true)
}

func (c *RealtimeClient) armHeartbeatLocked(conn TransportConn) {
	if c.config.HeartbeatInterval < 0 {
		return
	}
	p, ok := conn.(Pinger)
	if !ok {
		return
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.config.HeartbeatInterval, func() { c.heartbeat(conn, p) })
}

func (c *RealtimeClient) heartbeat(conn TransportConn, p Pinger) {
	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.PingTimeout)
	err := p.Ping(ctx)
	cancel()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("heartbeat failed, aborting connection")
		_ = conn.Abort("heartbeat timeout")
		return
	}
	c.armHeartbeatLocked(conn)
	c.mu.Unlock()
}

func (c *RealtimeClient) stopTimersLocked() {
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.heartbeatTimer.Stop()
	c.heartbeatTimer = nil
}

func (c *RealtimeClient) setStateLocked(s ConnectionState) {
	c.state = s
	c.metrics.setState(s)
}
