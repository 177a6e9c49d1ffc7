package convsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingMsg(cid CorrelationID, content string) MessageState {
	return MessageState{CorrelationID: cid, SenderID: "me", Content: content, Status: StatusSending, Phase: PhasePending}
}

func TestContentMatchPicksOldestPending(t *testing.T) {
	e := &conversationEntry{conv: ConversationState{ID: "c1"}}
	e.messages = []MessageState{
		pendingMsg("1-a", "ok"),
		pendingMsg("2-b", "ok"),
	}

	inserted, merged := e.applyInbound(MessageState{ID: "m1", SenderID: "me", Content: "ok", Status: StatusSent}, "me")
	assert.False(t, inserted)
	assert.Equal(t, CorrelationID("1-a"), merged.CorrelationID)

	require.Len(t, e.messages, 2)
	assert.Equal(t, "m1", e.messages[0].ID)
	assert.False(t, e.messages[0].Pending())
	assert.True(t, e.messages[1].Pending())
}

func TestContentMatchIgnoresOtherSenders(t *testing.T) {
	e := &conversationEntry{conv: ConversationState{ID: "c1"}}
	e.messages = []MessageState{pendingMsg("1-a", "ok")}

	inserted, _ := e.applyInbound(MessageState{ID: "m1", SenderID: "bob", Content: "ok"}, "me")
	assert.True(t, inserted)
	assert.Len(t, e.messages, 2)
}

func TestMergeConfirmedKeepsPendingReactions(t *testing.T) {
	prev := MessageState{ID: "m1", CorrelationID: "1-a", Reactions: []Reaction{
		{UserID: "me", ReactionType: "like", Phase: PhasePending},
		{ID: "r9", UserID: "bob", ReactionType: "love"},
	}}
	next := MessageState{ID: "m1", Status: StatusRead}

	got := mergeConfirmed(prev, next)
	assert.Equal(t, CorrelationID("1-a"), got.CorrelationID)
	assert.Equal(t, StatusRead, got.Status)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "like", got.Reactions[0].ReactionType)
}

func TestMergeHistory(t *testing.T) {
	e := &conversationEntry{conv: ConversationState{ID: "c1"}}
	e.messages = []MessageState{
		msg("old", "c1", "bob", StatusSent, 0),
		msg("live", "c1", "bob", StatusSent, time.Minute),
		pendingMsg("1-a", "confirmed by page"),
		pendingMsg("2-b", "still pending"),
	}

	page := []MessageState{
		msg("p1", "c1", "bob", StatusSent, time.Second),
		msg("p2", "c1", "me", StatusSent, 2*time.Second),
		msg("p2", "c1", "me", StatusSent, 2*time.Second),
	}
	page[1].CorrelationID = "1-a"

	e.mergeHistory(page)

	var keys []string
	for _, m := range e.messages {
		keys = append(keys, m.Key())
	}
	assert.Equal(t, []string{"p1", "p2", "live", "2-b"}, keys)
	require.NotNil(t, e.conv.LastMessage)
	assert.Equal(t, "live", e.conv.LastMessage.ID)
	assert.Equal(t, epoch.Add(time.Minute), e.conv.UpdatedAt)
}

func TestUpsertConversationKeepsNewerLocalState(t *testing.T) {
	st := &storeState{selfID: "me", conversations: map[string]*conversationEntry{}, online: map[string]struct{}{}}
	st.applyNewMessage("c1", msg("m2", "c1", "bob", StatusSent, time.Minute))

	stale := msg("m1", "c1", "bob", StatusSent, 0)
	st.upsertConversation(ConversationState{ID: "c1", Title: "Team", LastMessage: &stale, UnreadCount: -3, UpdatedAt: epoch})

	c := st.conversations["c1"].conv
	assert.Equal(t, "Team", c.Title)
	assert.Equal(t, "m2", c.LastMessage.ID)
	assert.Equal(t, epoch.Add(time.Minute), c.UpdatedAt)
	assert.Equal(t, 0, c.UnreadCount)
}

func TestReactionHelpers(t *testing.T) {
	m := &MessageState{ID: "m1"}
	upsertReaction(m, Reaction{ID: "r1", UserID: "u1", ReactionType: "like"})
	upsertReaction(m, Reaction{ID: "r1b", UserID: "u1", ReactionType: "like"})
	upsertReaction(m, Reaction{ID: "r2", UserID: "u2", ReactionType: "like"})
	require.Len(t, m.Reactions, 2)
	assert.Equal(t, "r1b", m.Reactions[0].ID)

	removeReactionByID(m, "")
	assert.Len(t, m.Reactions, 2)

	removed := removeReactionsByKey(m, reactionKey{userID: "u2", reactionType: "like"})
	require.Len(t, removed, 1)
	assert.Equal(t, "r2", removed[0].ID)

	removeReactionByID(m, "r1b")
	assert.Empty(t, m.Reactions)
}
