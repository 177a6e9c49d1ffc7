package convsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/convsync/internal/clock"
)

// TypingConfig configures a TypingController.
type TypingConfig struct {
	// SelfID is the local user; inbound indicators from it are ignored.
	SelfID string
	// IdleTimeout is how long after the last StartTyping a stop signal is
	// sent.
	IdleTimeout time.Duration
	// TTL is how long an inbound indicator is kept without a refresh.
	TTL time.Duration
	// SweepInterval is how often expired inbound indicators are removed.
	SweepInterval time.Duration
}

func (c *TypingConfig) defaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 1 * time.Second
	}
}

// TypingSender sends outbound typing signals. *RealtimeClient implements
// it.
type TypingSender interface {
	SendTypingIndicator(ctx context.Context, conversationID string, isTyping bool) error
}

// TypingController debounces the local user's typing signals and tracks
// who else is typing.
//
// Outbound, each conversation sends is_typing:true once per burst of
// StartTyping calls and is_typing:false after IdleTimeout without one.
// Inbound, indicators are stamped with the local receive time and removed
// by a sweep once older than TTL, whether or not a stop signal arrived.
type TypingController struct {
	config  TypingConfig
	sender  TypingSender
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics

	mu         sync.Mutex
	outbound   map[string]*outboundTyping
	inbound    map[typingKey]TypingIndicatorEntry
	sweepTimer *clock.Timer
	closed     bool

	subs SubscriptionGroup
}

type outboundTyping struct {
	typing bool
	timer  *clock.Timer
	// gen invalidates idle timers that fired after being replaced.
	gen uint64
}

type typingKey struct {
	conversationID string
	userID         string
}

// NewTypingController creates a controller and starts its sweep. Call
// Close to stop it.
func NewTypingController(config TypingConfig, sender TypingSender, opts ...Option) *TypingController {
	config.defaults()
	o := buildOptions(opts)
	t := &TypingController{
		config:   config,
		sender:   sender,
		clock:    o.clock,
		logger:   o.componentLogger("typing"),
		metrics:  o.metrics,
		outbound: make(map[string]*outboundTyping),
		inbound:  make(map[typingKey]TypingIndicatorEntry),
	}
	t.mu.Lock()
	t.scheduleSweepLocked()
	t.mu.Unlock()
	return t
}

// Attach subscribes the controller to inbound typing indicators.
func (t *TypingController) Attach(d *Dispatcher) {
	t.subs.Add(On(d, t.HandleIndicator))
}

// ============================================================================
// Outbound
// ============================================================================

// StartTyping records local typing activity in a conversation.
func (t *TypingController) StartTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	st, ok := t.outbound[conversationID]
	if !ok {
		st = &outboundTyping{}
		t.outbound[conversationID] = st
	}
	send := !st.typing
	st.typing = true
	st.timer.Stop()
	st.gen++
	gen := st.gen
	st.timer = t.clock.AfterFunc(t.config.IdleTimeout, func() { t.idleExpired(conversationID, gen) })
	t.mu.Unlock()

	if !send {
		return nil
	}
	if err := t.sender.SendTypingIndicator(ctx, conversationID, true); err != nil {
		// Nothing went out: the next StartTyping retries.
		t.mu.Lock()
		if t.outbound[conversationID] == st {
			st.typing = false
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// StopTyping cancels the idle timer and, if a start was sent, sends the
// stop signal.
func (t *TypingController) StopTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	wasTyping := t.clearOutboundLocked(conversationID)
	t.mu.Unlock()

	if wasTyping {
		return t.sender.SendTypingIndicator(ctx, conversationID, false)
	}
	return nil
}

// IsSelfTyping reports whether a start signal is outstanding.
func (t *TypingController) IsSelfTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.outbound[conversationID]
	return ok && st.typing
}

func (t *TypingController) idleExpired(conversationID string, gen uint64) {
	t.mu.Lock()
	st, ok := t.outbound[conversationID]
	if !ok || st.gen != gen || !st.typing || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.outbound, conversationID)
	t.mu.Unlock()

	if err := t.sender.SendTypingIndicator(context.Background(), conversationID, false); err != nil {
		t.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to send typing stop")
	}
}

func (t *TypingController) clearOutboundLocked(conversationID string) bool {
	st, ok := t.outbound[conversationID]
	if !ok {
		return false
	}
	st.timer.Stop()
	st.gen++
	delete(t.outbound, conversationID)
	return st.typing
}

// ============================================================================
// Inbound
// ============================================================================

// HandleIndicator applies one inbound typing indicator.
func (t *TypingController) HandleIndicator(ev TypingIndicatorEvent) {
	if ev.UserID == t.config.SelfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	k := typingKey{conversationID: ev.ConversationID, userID: ev.UserID}
	if ev.IsTyping {
		t.inbound[k] = TypingIndicatorEntry{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			UserName:       ev.UserName,
			ReceivedAt:     t.clock.Now(),
		}
	} else {
		delete(t.inbound, k)
	}
	t.metrics.setTyping(len(t.inbound))
}

// TypingUsers returns who is typing in a conversation, sorted by user id.
func (t *TypingController) TypingUsers(conversationID string) []TypingIndicatorEntry {
	t.mu.Lock()
	var out []TypingIndicatorEntry
	for k, e := range t.inbound {
		if k.conversationID == conversationID {
			out = append(out, e)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsTyping reports whether userID is typing in the conversation.
func (t *TypingController) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inbound[typingKey{conversationID: conversationID, userID: userID}]
	return ok
}

func (t *TypingController) scheduleSweepLocked() {
	t.sweepTimer = t.clock.AfterFunc(t.config.SweepInterval, t.sweep)
}

func (t *TypingController) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	now := t.clock.Now()
	for k, e := range t.inbound {
		if now.Sub(e.ReceivedAt) > t.config.TTL {
			delete(t.inbound, k)
		}
	}
	t.metrics.setTyping(len(t.inbound))
	t.scheduleSweepLocked()
}

// ============================================================================
// Teardown
// ============================================================================

// LeaveConversation stops local typing in the conversation (sending the
// stop signal if needed) and forgets its inbound indicators.
func (t *TypingController) LeaveConversation(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	wasTyping := t.clearOutboundLocked(conversationID)
	for k := range t.inbound {
		if k.conversationID == conversationID {
			delete(t.inbound, k)
		}
	}
	t.metrics.setTyping(len(t.inbound))
	t.mu.Unlock()

	if wasTyping {
		return t.sender.SendTypingIndicator(ctx, conversationID, false)
	}
	return nil
}

// Close cancels every timer, including the sweep, and detaches from the
// dispatcher. No stop signals are sent.
func (t *TypingController) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, st := range t.outbound {
		st.timer.Stop()
		delete(t.outbound, id)
	}
	t.sweepTimer.Stop()
	t.sweepTimer = nil
	t.inbound = make(map[typingKey]TypingIndicatorEntry)
	t.metrics.setTyping(0)
	t.mu.Unlock()

	t.subs.Close()
}
