package convsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures a SyncEngine.
type Config struct {
	UserID string
	Token  string

	Realtime RealtimeConfig
	Store    StoreConfig
	Typing   TypingConfig

	// ResyncOnReconnect re-hydrates the conversation list and the history
	// of joined conversations after the connection is re-established.
	ResyncOnReconnect bool
	// ResyncTimeout bounds one resync.
	ResyncTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = 30 * time.Second
	}
	c.Store.SelfID = c.UserID
	c.Typing.SelfID = c.UserID
}

// SyncEngine wires the realtime client, dispatcher, store and typing
// controller of one session. Create one per signed-in user.
type SyncEngine struct {
	config     Config
	dispatcher *Dispatcher
	realtime   *RealtimeClient
	store      *Store
	typing     *TypingController
	logger     zerolog.Logger

	subs SubscriptionGroup

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSyncEngine builds an engine around api. Nothing connects until
// Connect is called.
func NewSyncEngine(config Config, api API, opts ...Option) *SyncEngine {
	config.defaults()
	o := buildOptions(opts)

	d := NewDispatcher(opts...)
	rt := NewRealtimeClient(config.Realtime, d, opts...)
	store := NewStore(config.Store, api, opts...)
	store.Attach(d)
	typing := NewTypingController(config.Typing, rt, opts...)
	typing.Attach(d)

	e := &SyncEngine{
		config:     config,
		dispatcher: d,
		realtime:   rt,
		store:      store,
		typing:     typing,
		logger:     o.componentLogger("engine"),
		joined:     make(map[string]struct{}),
	}
	e.subs.Add(On(d, e.onConnected))
	return e
}

func (e *SyncEngine) Dispatcher() *Dispatcher   { return e.dispatcher }
func (e *SyncEngine) Realtime() *RealtimeClient { return e.realtime }
func (e *SyncEngine) Store() *Store             { return e.store }
func (e *SyncEngine) Typing() *TypingController { return e.typing }
func (e *SyncEngine) State() ConnectionState    { return e.realtime.State() }

// Subscribe registers h on the engine's dispatcher.
func (e *SyncEngine) Subscribe(t EventType, h Handler) *Subscription {
	return e.dispatcher.Subscribe(t, h)
}

// Connect opens the realtime connection for the configured user.
func (e *SyncEngine) Connect(ctx context.Context) error {
	return e.realtime.Connect(ctx, e.config.UserID, e.config.Token)
}

// Hydrate loads the conversation list.
func (e *SyncEngine) Hydrate(ctx context.Context) error {
	return e.store.Hydrate(ctx)
}

// JoinConversation subscribes to a conversation's room and loads its
// history.
func (e *SyncEngine) JoinConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	e.joined[conversationID] = struct{}{}
	e.mu.Unlock()

	if err := e.realtime.JoinConversation(ctx, conversationID); err != nil {
		return err
	}
	return e.store.LoadMessages(ctx, conversationID)
}

// LeaveConversation tears down the conversation's typing state and leaves
// its room.
func (e *SyncEngine) LeaveConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	delete(e.joined, conversationID)
	e.mu.Unlock()

	typingErr := e.typing.LeaveConversation(ctx, conversationID)
	leaveErr := e.realtime.LeaveConversation(ctx, conversationID)
	return errors.Join(typingErr, leaveErr)
}

// Joined returns the joined conversations, sorted.
func (e *SyncEngine) Joined() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.joined))
	for id := range e.joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close disconnects and releases every component. The engine cannot be
// reused.
func (e *SyncEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.subs.Close()
	e.typing.Close()
	err := e.realtime.Disconnect()
	e.wg.Wait()
	e.store.Close()
	return err
}

// onConnected rejoins rooms after a reconnect and optionally resyncs.
func (e *SyncEngine) onConnected(ev ConnectedEvent) {
	if !ev.Reconnected {
		return
	}
	joined := e.Joined()
	for _, id := range joined {
		if err := e.realtime.JoinConversation(context.Background(), id); err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", id).Msg("rejoin failed")
		}
	}
	if !e.config.ResyncOnReconnect {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.config.ResyncTimeout)
		defer cancel()
		if err := e.resync(ctx, joined); err != nil {
			e.logger.Warn().Err(err).Msg("resync after reconnect failed")
		}
	}()
}

func (e *SyncEngine) resync(ctx context.Context, joined []string) error {
	if err := e.store.Hydrate(ctx); err != nil {
		return err
	}
	var errs []error
	for _, id := range joined {
		if err := e.store.LoadMessages(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("resync %s: %w", id, err))
		}
	}
	e.logger.Debug().Int("conversations", len(joined)).Msg("resynced after reconnect")
	return errors.Join(errs...)
}
