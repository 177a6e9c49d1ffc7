package convsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/convsync/internal/clock"
)

var (
	ErrStoreClosed         = errors.New("convsync: store closed")
	ErrUnknownConversation = errors.New("convsync: unknown conversation")
	ErrUnknownMessage      = errors.New("convsync: unknown message")
)

// API is the REST surface the store needs. *Client implements it.
type API interface {
	ListConversations(ctx context.Context) ([]ConversationState, error)
	ListMessages(ctx context.Context, conversationID string, opts *ListOptions) ([]MessageState, error)
	SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (MessageState, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus) error
	AddReaction(ctx context.Context, messageID, reactionType string) (Reaction, error)
	RemoveReaction(ctx context.Context, messageID, reactionType string) error
	UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) (ConversationState, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// SelfID is the local user. Messages from SelfID never count as unread.
	SelfID string
	// MarkReadConcurrency bounds the status updates MarkAllRead has in
	// flight.
	MarkReadConcurrency int
	// HistoryPageSize is the page LoadMessages requests.
	HistoryPageSize int
}

func (c *StoreConfig) defaults() {
	if c.MarkReadConcurrency <= 0 {
		c.MarkReadConcurrency = 8
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 50
	}
}

// MarkReadResult summarizes a MarkAllRead call.
type MarkReadResult struct {
	Requested int
	Succeeded int
	Failed    int
}

// ============================================================================
// Store
// ============================================================================

// Store is the in-memory conversation cache. One goroutine owns the state;
// every read and mutation is a closure executed on it, and reads return
// deep copies.
type Store struct {
	config  StoreConfig
	api     API
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics

	ops       chan func(*storeState)
	done      chan struct{}
	closeOnce sync.Once
	subs      SubscriptionGroup
}

type storeState struct {
	selfID        string
	conversations map[string]*conversationEntry
	online        map[string]struct{}
}

type conversationEntry struct {
	conv     ConversationState
	messages []MessageState
	// hydrated is set once the history was loaded over REST. From then on
	// the unread count is derived from messages instead of trusted.
	hydrated bool
}

// NewStore starts the store's owner goroutine. Call Close to stop it.
func NewStore(config StoreConfig, api API, opts ...Option) *Store {
	config.defaults()
	o := buildOptions(opts)
	s := &Store{
		config:  config,
		api:     api,
		clock:   o.clock,
		logger:  o.componentLogger("store"),
		metrics: o.metrics,
		ops:     make(chan func(*storeState)),
		done:    make(chan struct{}),
	}
	st := &storeState{
		selfID:        config.SelfID,
		conversations: make(map[string]*conversationEntry),
		online:        make(map[string]struct{}),
	}
	go s.run(st)
	return s
}

func (s *Store) run(st *storeState) {
	for {
		select {
		case op := <-s.ops:
			op(st)
		case <-s.done:
			return
		}
	}
}

// exec runs fn on the owner goroutine and waits for it. fn must not call
// back into the store.
func (s *Store) exec(fn func(*storeState)) error {
	select {
	case <-s.done:
		return ErrStoreClosed
	default:
	}
	finished := make(chan struct{})
	op := func(st *storeState) {
		defer close(finished)
		fn(st)
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrStoreClosed
	}
	<-finished
	return nil
}

// Close detaches the store from its dispatcher and stops the owner
// goroutine. Later calls return ErrStoreClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.subs.Close()
		close(s.done)
	})
}

// Attach subscribes the store to every inbound event it applies.
// Subscriptions are released by Close.
func (s *Store) Attach(d *Dispatcher) {
	apply := func(ev Event) {
		if err := s.Apply(ev); err != nil && !errors.Is(err, ErrStoreClosed) {
			s.logger.Warn().Err(err).Str("event_type", string(ev.EventType())).Msg("failed to apply event")
		}
	}
	for _, t := range []EventType{
		EventNewMessage,
		EventMessageUpdated,
		EventMessageDeleted,
		EventConversationCreated,
		EventConversationUpdated,
		EventReactionAdded,
		EventReactionRemoved,
		EventUserStatusChanged,
	} {
		s.subs.Add(d.Subscribe(t, apply))
	}
}

// Apply applies one confirmed inbound event.
func (s *Store) Apply(ev Event) error {
	var err error
	execErr := s.exec(func(st *storeState) {
		switch e := ev.(type) {
		case NewMessageEvent:
			st.applyNewMessage(e.ConversationID, e.Message)
		case MessageUpdatedEvent:
			st.applyMessageUpdated(e.ConversationID, e.Message)
		case MessageDeletedEvent:
			st.applyMessageDeleted(e.ConversationID, e.MessageID)
		case ConversationCreatedEvent:
			st.upsertConversation(e.Conversation)
		case ConversationUpdatedEvent:
			st.upsertConversation(e.Conversation)
		case ReactionAddedEvent:
			entry, i := st.findMessage(e.MessageID)
			if entry == nil {
				err = fmt.Errorf("reaction_added: %w: %s", ErrUnknownMessage, e.MessageID)
				return
			}
			r := e.Reaction
			r.Phase = PhaseConfirmed
			upsertReaction(&entry.messages[i], r)
		case ReactionRemovedEvent:
			entry, i := st.findMessage(e.MessageID)
			if entry == nil {
				err = fmt.Errorf("reaction_removed: %w: %s", ErrUnknownMessage, e.MessageID)
				return
			}
			removeReactionByID(&entry.messages[i], e.ReactionID)
		case UserStatusChangedEvent:
			if e.Status == PresenceOnline {
				st.online[e.UserID] = struct{}{}
			} else {
				delete(st.online, e.UserID)
			}
		default:
			err = fmt.Errorf("store cannot apply %s", ev.EventType())
		}
	})
	if execErr != nil {
		return execErr
	}
	return err
}

// ============================================================================
// Hydration
// ============================================================================

// Hydrate loads the conversation list. Unread counts of conversations
// without loaded history are taken from the server.
func (s *Store) Hydrate(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("hydrate conversations: %w", err)
	}
	return s.exec(func(st *storeState) {
		for _, c := range convs {
			st.upsertConversation(c)
		}
	})
}

// LoadMessages replaces a conversation's confirmed history with the latest
// page from the server and keeps its pending messages.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) error {
	msgs, err := s.api.ListMessages(ctx, conversationID, &ListOptions{Limit: s.config.HistoryPageSize})
	if err != nil {
		return fmt.Errorf("load messages %s: %w", conversationID, err)
	}
	return s.exec(func(st *storeState) {
		entry := st.ensureConversation(conversationID)
		entry.mergeHistory(msgs)
		entry.hydrated = true
		entry.recount(st.selfID)
	})
}

// ============================================================================
// Optimistic commands
// ============================================================================

// SendMessage inserts a pending message, posts it, and splices the
// confirmed message in place of the pending one. On failure the pending
// message stays in the store with status failed and the error is returned;
// use RetryMessage or DiscardMessage to resolve it.
func (s *Store) SendMessage(ctx context.Context, conversationID, content string, opts SendOptions) (MessageState, error) {
	now := s.clock.Now()
	pending := MessageState{
		CorrelationID:  NewCorrelationID(now),
		ConversationID: conversationID,
		SenderID:       s.config.SelfID,
		Content:        content,
		Type:           opts.Type,
		Status:         StatusSending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Phase:          PhasePending,
	}

	var err error
	if execErr := s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok {
			err = fmt.Errorf("send message: %w: %s", ErrUnknownConversation, conversationID)
			return
		}
		entry.messages = append(entry.messages, pending.clone())
	}); execErr != nil {
		return MessageState{}, execErr
	}
	if err != nil {
		return MessageState{}, err
	}
	return s.deliver(ctx, pending)
}

// RetryMessage re-sends a failed message under its original correlation
// id.
func (s *Store) RetryMessage(ctx context.Context, conversationID string, id CorrelationID) (MessageState, error) {
	var msg MessageState
	var err error
	if execErr := s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok {
			err = fmt.Errorf("retry message: %w: %s", ErrUnknownConversation, conversationID)
			return
		}
		i := entry.indexPending(id)
		if i < 0 || entry.messages[i].Status != StatusFailed {
			err = fmt.Errorf("retry message: %w: %s", ErrUnknownMessage, id)
			return
		}
		entry.messages[i].Status = StatusSending
		entry.messages[i].UpdatedAt = s.clock.Now()
		msg = entry.messages[i].clone()
	}); execErr != nil {
		return MessageState{}, execErr
	}
	if err != nil {
		return MessageState{}, err
	}
	return s.deliver(ctx, msg)
}

// DiscardMessage drops a failed pending message.
func (s *Store) DiscardMessage(conversationID string, id CorrelationID) error {
	var err error
	if execErr := s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok {
			err = fmt.Errorf("discard message: %w: %s", ErrUnknownConversation, conversationID)
			return
		}
		i := entry.indexPending(id)
		if i < 0 || entry.messages[i].Status != StatusFailed {
			err = fmt.Errorf("discard message: %w: %s", ErrUnknownMessage, id)
			return
		}
		entry.removeAt(i)
	}); execErr != nil {
		return execErr
	}
	return err
}

func (s *Store) deliver(ctx context.Context, pending MessageState) (MessageState, error) {
	confirmed, sendErr := s.api.SendMessage(ctx, pending.ConversationID, SendMessageRequest{
		Content:       pending.Content,
		Type:          pending.Type,
		CorrelationID: pending.CorrelationID,
	})
	s.metrics.mutation("send_message", sendErr)

	var result MessageState
	execErr := s.exec(func(st *storeState) {
		entry, ok := st.conversations[pending.ConversationID]
		if !ok {
			return
		}
		if sendErr != nil {
			if i := entry.indexPending(pending.CorrelationID); i >= 0 {
				entry.messages[i].Status = StatusFailed
				entry.messages[i].UpdatedAt = s.clock.Now()
				result = entry.messages[i].clone()
			}
			return
		}
		if confirmed.CorrelationID == "" {
			confirmed.CorrelationID = pending.CorrelationID
		}
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = pending.ConversationID
		}
		result = entry.confirmSend(pending.CorrelationID, confirmed).clone()
		entry.recount(st.selfID)
	})
	if execErr != nil {
		return MessageState{}, execErr
	}
	if sendErr != nil {
		s.logger.Warn().Err(sendErr).Str("correlation_id", string(pending.CorrelationID)).Msg("message send failed")
		if result.CorrelationID == "" {
			result = pending
			result.Status = StatusFailed
		}
		return result, fmt.Errorf("send message: %w", sendErr)
	}
	return result, nil
}

// AddReaction adds the local user's reaction. It is a no-op if the same
// reaction type is already present. The provisional reaction is removed
// again if the request fails.
func (s *Store) AddReaction(ctx context.Context, messageID, reactionType string) error {
	self := s.config.SelfID
	key := reactionKey{userID: self, reactionType: reactionType}

	var added bool
	var err error
	if execErr := s.exec(func(st *storeState) {
		entry, i := st.findMessage(messageID)
		if entry == nil {
			err = fmt.Errorf("add reaction: %w: %s", ErrUnknownMessage, messageID)
			return
		}
		m := &entry.messages[i]
		if findReaction(m.Reactions, key) >= 0 {
			return
		}
		m.Reactions = append(m.Reactions, Reaction{
			UserID:       self,
			ReactionType: reactionType,
			CreatedAt:    s.clock.Now(),
			Phase:        PhasePending,
		})
		added = true
	}); execErr != nil {
		return execErr
	}
	if err != nil || !added {
		return err
	}

	r, apiErr := s.api.AddReaction(ctx, messageID, reactionType)
	s.metrics.mutation("add_reaction", apiErr)
	execErr := s.exec(func(st *storeState) {
		entry, i := st.findMessage(messageID)
		if entry == nil {
			return
		}
		m := &entry.messages[i]
		j := findReaction(m.Reactions, key)
		if j < 0 || m.Reactions[j].Phase != PhasePending {
			return
		}
		if apiErr != nil {
			m.Reactions = append(m.Reactions[:j:j], m.Reactions[j+1:]...)
			return
		}
		if r.UserID == "" {
			r.UserID = self
			r.ReactionType = reactionType
		}
		r.Phase = PhaseConfirmed
		m.Reactions[j] = r
	})
	if apiErr != nil {
		return fmt.Errorf("add reaction: %w", apiErr)
	}
	return execErr
}

// RemoveReaction removes the local user's reaction of the given type. The
// removed entries are restored if the request fails.
func (s *Store) RemoveReaction(ctx context.Context, messageID, reactionType string) error {
	key := reactionKey{userID: s.config.SelfID, reactionType: reactionType}

	var removed []Reaction
	var err error
	if execErr := s.exec(func(st *storeState) {
		entry, i := st.findMessage(messageID)
		if entry == nil {
			err = fmt.Errorf("remove reaction: %w: %s", ErrUnknownMessage, messageID)
			return
		}
		removed = removeReactionsByKey(&entry.messages[i], key)
	}); execErr != nil {
		return execErr
	}
	if err != nil || len(removed) == 0 {
		return err
	}

	apiErr := s.api.RemoveReaction(ctx, messageID, reactionType)
	s.metrics.mutation("remove_reaction", apiErr)
	if apiErr == nil {
		return nil
	}
	_ = s.exec(func(st *storeState) {
		entry, i := st.findMessage(messageID)
		if entry == nil {
			return
		}
		m := &entry.messages[i]
		if findReaction(m.Reactions, key) < 0 {
			m.Reactions = append(m.Reactions, removed...)
		}
	})
	return fmt.Errorf("remove reaction: %w", apiErr)
}

// MarkAllRead marks every confirmed message from other users in the
// conversation as read. Status updates run with bounded concurrency; each
// success is applied locally as it completes. Individual failures are
// logged and counted, not returned.
func (s *Store) MarkAllRead(ctx context.Context, conversationID string) (MarkReadResult, error) {
	var ids []string
	var err error
	if execErr := s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok {
			err = fmt.Errorf("mark all read: %w: %s", ErrUnknownConversation, conversationID)
			return
		}
		ids = entry.unreadIDs(st.selfID)
	}); execErr != nil {
		return MarkReadResult{}, execErr
	}
	if err != nil {
		return MarkReadResult{}, err
	}

	var succeeded, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.config.MarkReadConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := s.api.UpdateMessageStatus(ctx, id, StatusRead)
			s.metrics.mutation("mark_read", err)
			if err != nil {
				failed.Add(1)
				s.logger.Warn().Err(err).Str("message_id", id).Msg("mark read failed")
				return nil
			}
			succeeded.Add(1)
			_ = s.exec(func(st *storeState) {
				entry, ok := st.conversations[conversationID]
				if !ok {
					return
				}
				entry.markRead(id, s.clock.Now())
				entry.recount(st.selfID)
			})
			return nil
		})
	}
	_ = g.Wait()

	result := MarkReadResult{
		Requested: len(ids),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	err = s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok || entry.hydrated {
			return
		}
		if result.Failed == 0 {
			entry.conv.UnreadCount = 0
			return
		}
		entry.conv.UnreadCount = max(0, entry.conv.UnreadCount-result.Succeeded)
	})
	if result.Failed > 0 {
		s.logger.Warn().
			Str("conversation_id", conversationID).
			Int("failed", result.Failed).
			Int("requested", result.Requested).
			Msg("mark all read partially failed")
	}
	return result, err
}

// Archive archives the conversation, reverting if the request fails.
func (s *Store) Archive(ctx context.Context, conversationID string) error {
	v := true
	return s.patchConversation(ctx, conversationID, ConversationPatch{Archived: &v})
}

// Unarchive reverses Archive.
func (s *Store) Unarchive(ctx context.Context, conversationID string) error {
	v := false
	return s.patchConversation(ctx, conversationID, ConversationPatch{Archived: &v})
}

// SetMuted mutes or unmutes the conversation, reverting if the request
// fails.
func (s *Store) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	return s.patchConversation(ctx, conversationID, ConversationPatch{Muted: &muted})
}

func (s *Store) patchConversation(ctx context.Context, conversationID string, patch ConversationPatch) error {
	var prev ConversationState
	var err error
	if execErr := s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok {
			err = fmt.Errorf("update conversation: %w: %s", ErrUnknownConversation, conversationID)
			return
		}
		prev = entry.conv
		applyPatch(&entry.conv, patch)
	}); execErr != nil {
		return execErr
	}
	if err != nil {
		return err
	}

	updated, apiErr := s.api.UpdateConversation(ctx, conversationID, patch)
	s.metrics.mutation("update_conversation", apiErr)
	execErr := s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok {
			return
		}
		if apiErr != nil {
			entry.conv.Archived = prev.Archived
			entry.conv.Muted = prev.Muted
			return
		}
		if updated.ID == conversationID {
			entry.conv.Archived = updated.Archived
			entry.conv.Muted = updated.Muted
			if updated.UpdatedAt.After(entry.conv.UpdatedAt) {
				entry.conv.UpdatedAt = updated.UpdatedAt
			}
		}
	})
	if apiErr != nil {
		return fmt.Errorf("update conversation: %w", apiErr)
	}
	return execErr
}

func applyPatch(c *ConversationState, p ConversationPatch) {
	if p.Archived != nil {
		c.Archived = *p.Archived
	}
	if p.Muted != nil {
		c.Muted = *p.Muted
	}
}

// ============================================================================
// Reads
// ============================================================================

// Conversation returns a snapshot of one conversation.
func (s *Store) Conversation(id string) (ConversationState, bool) {
	var c ConversationState
	var ok bool
	_ = s.exec(func(st *storeState) {
		var entry *conversationEntry
		if entry, ok = st.conversations[id]; ok {
			c = entry.conv.clone()
		}
	})
	return c, ok
}

// Conversations returns all conversations, most recently updated first.
func (s *Store) Conversations() []ConversationState {
	var out []ConversationState
	_ = s.exec(func(st *storeState) {
		out = make([]ConversationState, 0, len(st.conversations))
		for _, entry := range st.conversations {
			out = append(out, entry.conv.clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Messages returns a conversation's messages in display order, pending
// ones included.
func (s *Store) Messages(conversationID string) []MessageState {
	var out []MessageState
	_ = s.exec(func(st *storeState) {
		entry, ok := st.conversations[conversationID]
		if !ok {
			return
		}
		out = make([]MessageState, len(entry.messages))
		for i, m := range entry.messages {
			out[i] = m.clone()
		}
	})
	return out
}

// Message returns a confirmed message by server id.
func (s *Store) Message(id string) (MessageState, bool) {
	var m MessageState
	var ok bool
	_ = s.exec(func(st *storeState) {
		if entry, i := st.findMessage(id); entry != nil {
			m, ok = entry.messages[i].clone(), true
		}
	})
	return m, ok
}

// PendingMessages returns the messages of a conversation that have not
// been confirmed yet.
func (s *Store) PendingMessages(conversationID string) []MessageState {
	var out []MessageState
	for _, m := range s.Messages(conversationID) {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

// IsOnline reports whether the user is in the online set.
func (s *Store) IsOnline(userID string) bool {
	var ok bool
	_ = s.exec(func(st *storeState) {
		_, ok = st.online[userID]
	})
	return ok
}

// OnlineUsers returns the online set, sorted.
func (s *Store) OnlineUsers() []string {
	var out []string
	_ = s.exec(func(st *storeState) {
		for id := range st.online {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// TotalUnread sums the unread counts of all conversations.
func (s *Store) TotalUnread() int {
	var n int
	_ = s.exec(func(st *storeState) {
		for _, entry := range st.conversations {
			n += entry.conv.UnreadCount
		}
	})
	return n
}
