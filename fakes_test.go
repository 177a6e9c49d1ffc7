package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/convsync/internal/clock"
)

var (
	epoch          = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errDialRefused = errors.New("dial refused")
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func quiet() Option { return WithLogger(zerolog.Nop()) }

// ============================================================================
// Transport
// ============================================================================

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeErr  error
	closeOnce sync.Once
	pingErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(string) error { c.shutdown(ErrCleanClose); return nil }
func (c *fakeConn) Abort(string) error { c.shutdown(errors.New("aborted")); return nil }

// drop simulates the server going away without a close frame.
func (c *fakeConn) drop() { c.shutdown(io.ErrUnexpectedEOF) }

// closeClean simulates a normal-closure frame from the server.
func (c *fakeConn) closeClean() { c.shutdown(ErrCleanClose) }

func (c *fakeConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(t *testing.T, eventType EventType, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env, err := json.Marshal(Envelope{EventType: eventType, Data: raw, Timestamp: epoch.Format(time.RFC3339Nano)})
	require.NoError(t, err)
	c.inbound <- env
}

func (c *fakeConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.written))
	for _, w := range c.written {
		var env Envelope
		require.NoError(t, json.Unmarshal(w, &env))
		out = append(out, env)
	}
	return out
}

type pingConn struct {
	*fakeConn
}

func (c pingConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

type fakeTransport struct {
	mu       sync.Mutex
	targets  []DialTarget
	conns    []*fakeConn
	fail     bool
	pingable bool
}

func (t *fakeTransport) Dial(_ context.Context, target DialTarget) (TransportConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets = append(t.targets, target)
	if t.fail {
		return nil, errDialRefused
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	if t.pingable {
		return pingConn{c}, nil
	}
	return c, nil
}

// gatedTransport holds each dial until release is closed.
type gatedTransport struct {
	*fakeTransport
	entered chan struct{}
	release chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		fakeTransport: &fakeTransport{},
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (g *gatedTransport) Dial(ctx context.Context, target DialTarget) (TransportConn, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.fakeTransport.Dial(ctx, target)
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.targets)
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// ============================================================================
// Dispatcher
// ============================================================================

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(d *Dispatcher, types ...EventType) *recorder {
	r := &recorder{}
	for _, t := range types {
		d.Subscribe(t, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.EventType())
	}
	return out
}

var lifecycle = []EventType{EventConnected, EventDisconnected, EventReconnecting, EventError}

func newTestRealtime(t *testing.T, config RealtimeConfig) (*RealtimeClient, *fakeTransport, *clock.FakeClock, *recorder) {
	t.Helper()
	clk := clock.Fake(epoch)
	tr := &fakeTransport{}
	if config.Transport == nil {
		config.Transport = tr
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = -1
	}
	d := NewDispatcher(quiet())
	rec := record(d, lifecycle...)
	c := NewRealtimeClient(config, d, WithClock(clk), quiet())
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, tr, clk, rec
}

// ============================================================================
// REST
// ============================================================================

type fakeAPI struct {
	mu sync.Mutex

	conversations []ConversationState
	history       map[string][]MessageState
	listConvCalls int
	listMsgCalls  int

	sendFn   func(conversationID string, req SendMessageRequest) (MessageState, error)
	sendReqs []SendMessageRequest

	statusErr   map[string]error
	statusDelay time.Duration
	statusCalls []string
	inFlight    int
	maxInFlight int

	addReactionErr    error
	removeReactionErr error
	reactionCalls     int
	updateConvErr     error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]MessageState), statusErr: make(map[string]error)}
}

func (a *fakeAPI) ListConversations(context.Context) ([]ConversationState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listConvCalls++
	return append([]ConversationState(nil), a.conversations...), nil
}

func (a *fakeAPI) ListMessages(_ context.Context, conversationID string, _ *ListOptions) ([]MessageState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listMsgCalls++
	return append([]MessageState(nil), a.history[conversationID]...), nil
}

func (a *fakeAPI) SendMessage(_ context.Context, conversationID string, req SendMessageRequest) (MessageState, error) {
	a.mu.Lock()
	a.sendReqs = append(a.sendReqs, req)
	fn := a.sendFn
	a.mu.Unlock()
	if fn != nil {
		return fn(conversationID, req)
	}
	return MessageState{
		ID:             "srv-" + string(req.CorrelationID),
		CorrelationID:  req.CorrelationID,
		ConversationID: conversationID,
		Content:        req.Content,
		Status:         StatusSent,
		CreatedAt:      epoch,
	}, nil
}

func (a *fakeAPI) UpdateMessageStatus(_ context.Context, messageID string, _ MessageStatus) error {
	a.mu.Lock()
	a.statusCalls = append(a.statusCalls, messageID)
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	err := a.statusErr[messageID]
	delay := a.statusDelay
	a.mu.Unlock()

	time.Sleep(delay)

	a.mu.Lock()
	a.inFlight--
	a.mu.Unlock()
	return err
}

func (a *fakeAPI) AddReaction(_ context.Context, messageID, reactionType string) (Reaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactionCalls++
	if a.addReactionErr != nil {
		return Reaction{}, a.addReactionErr
	}
	return Reaction{ID: "r-" + messageID + "-" + reactionType, UserID: "me", ReactionType: reactionType, CreatedAt: epoch}, nil
}

func (a *fakeAPI) RemoveReaction(context.Context, string, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactionCalls++
	return a.removeReactionErr
}

func (a *fakeAPI) UpdateConversation(_ context.Context, conversationID string, patch ConversationPatch) (ConversationState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updateConvErr != nil {
		return ConversationState{}, a.updateConvErr
	}
	c := ConversationState{ID: conversationID}
	applyPatch(&c, patch)
	return c, nil
}

func (a *fakeAPI) sent() []SendMessageRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SendMessageRequest(nil), a.sendReqs...)
}

func msg(id, conv, sender string, status MessageStatus, at time.Duration) MessageState {
	return MessageState{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        "content of " + id,
		Status:         status,
		CreatedAt:      epoch.Add(at),
		UpdatedAt:      epoch.Add(at),
	}
}
