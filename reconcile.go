package convsync

import "time"

// Reconciliation merges server-confirmed entities into state that may
// already hold optimistic (pending) copies of them.
//
// An inbound message is matched, in order, by server id, by correlation
// id against a pending entry, and finally, for the local user's own
// messages that carry no correlation id, against the oldest pending entry
// with identical content. A match replaces the entry in place, so a sent
// message and its echo always end up as exactly one entry.

func (st *storeState) ensureConversation(id string) *conversationEntry {
	entry, ok := st.conversations[id]
	if !ok {
		entry = &conversationEntry{conv: ConversationState{ID: id}}
		st.conversations[id] = entry
	}
	return entry
}

func (st *storeState) findMessage(id string) (*conversationEntry, int) {
	if id == "" {
		return nil, -1
	}
	for _, entry := range st.conversations {
		if i := entry.indexByID(id); i >= 0 {
			return entry, i
		}
	}
	return nil, -1
}

func (st *storeState) upsertConversation(c ConversationState) {
	c = c.clone()
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	entry, ok := st.conversations[c.ID]
	if !ok {
		st.conversations[c.ID] = &conversationEntry{conv: c}
		return
	}
	local := entry.conv.LastMessage
	if local != nil && (c.LastMessage == nil || local.CreatedAt.After(c.LastMessage.CreatedAt)) {
		c.LastMessage = local
	}
	if entry.conv.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = entry.conv.UpdatedAt
	}
	entry.conv = c
	entry.recount(st.selfID)
}

func (st *storeState) applyNewMessage(conversationID string, msg MessageState) {
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	entry := st.ensureConversation(conversationID)
	inserted, merged := entry.applyInbound(msg, st.selfID)
	entry.touch(merged)
	if entry.hydrated {
		entry.recount(st.selfID)
		return
	}
	if inserted && merged.SenderID != st.selfID && merged.Status != StatusRead {
		entry.conv.UnreadCount++
	}
}

func (st *storeState) applyMessageUpdated(conversationID string, msg MessageState) {
	entry, ok := st.conversations[conversationID]
	if !ok {
		return
	}
	msg = msg.clone()
	msg.Phase = PhaseConfirmed
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	i := entry.indexByID(msg.ID)
	if i < 0 && msg.CorrelationID != "" {
		i = entry.indexPending(msg.CorrelationID)
	}

	var prev, merged MessageState
	last := entry.conv.LastMessage
	switch {
	case i >= 0:
		prev = entry.messages[i]
		merged = mergeConfirmed(prev, msg)
		entry.messages[i] = merged
	case last != nil && last.ID == msg.ID:
		// Only the preview is held locally.
		prev = last.clone()
		merged = mergeConfirmed(prev, msg)
	default:
		return
	}
	if last != nil && last.ID == msg.ID {
		m := merged.clone()
		entry.conv.LastMessage = &m
	}
	if entry.hydrated {
		entry.recount(st.selfID)
		return
	}
	entry.adjustUnread(prev, merged, st.selfID)
}

func (st *storeState) applyMessageDeleted(conversationID, messageID string) {
	entry, ok := st.conversations[conversationID]
	if !ok {
		return
	}
	var removed *MessageState
	if i := entry.indexByID(messageID); i >= 0 {
		m := entry.messages[i]
		removed = &m
		entry.removeAt(i)
	}
	if last := entry.conv.LastMessage; last != nil && last.ID == messageID {
		if removed == nil {
			m := last.clone()
			removed = &m
		}
		entry.conv.LastMessage = nil
		for j := len(entry.messages) - 1; j >= 0; j-- {
			if !entry.messages[j].Pending() {
				prev := entry.messages[j].clone()
				entry.conv.LastMessage = &prev
				break
			}
		}
	}
	if removed == nil {
		return
	}
	if entry.hydrated {
		entry.recount(st.selfID)
		return
	}
	entry.adjustUnread(*removed, MessageState{}, st.selfID)
}

// applyInbound merges a confirmed message and reports whether it was
// inserted as new rather than matched to an existing entry.
func (e *conversationEntry) applyInbound(msg MessageState, self string) (bool, MessageState) {
	msg = msg.clone()
	msg.Phase = PhaseConfirmed

	if i := e.indexByID(msg.ID); i >= 0 {
		e.messages[i] = mergeConfirmed(e.messages[i], msg)
		return false, e.messages[i]
	}
	if msg.CorrelationID != "" {
		if i := e.indexPending(msg.CorrelationID); i >= 0 {
			e.messages[i] = mergeConfirmed(e.messages[i], msg)
			return false, e.messages[i]
		}
	}
	if msg.SenderID == self && msg.CorrelationID == "" {
		if i := e.indexPendingByContent(msg.Content); i >= 0 {
			msg.CorrelationID = e.messages[i].CorrelationID
			e.messages[i] = mergeConfirmed(e.messages[i], msg)
			return false, e.messages[i]
		}
	}
	e.messages = append(e.messages, msg)
	return true, msg
}

// confirmSend applies the REST confirmation of a send. If the echo already
// replaced the pending entry, the existing entry is kept.
func (e *conversationEntry) confirmSend(id CorrelationID, confirmed MessageState) MessageState {
	confirmed = confirmed.clone()
	confirmed.Phase = PhaseConfirmed

	if i := e.indexByID(confirmed.ID); i >= 0 {
		if j := e.indexPending(id); j >= 0 {
			e.removeAt(j)
		}
		return e.messages[e.indexByID(confirmed.ID)]
	}
	if i := e.indexPending(id); i >= 0 {
		e.messages[i] = mergeConfirmed(e.messages[i], confirmed)
		e.touch(e.messages[i])
		return e.messages[i]
	}
	return confirmed
}

// mergeConfirmed replaces prev with next, keeping the correlation id and
// any reactions still pending on prev.
func mergeConfirmed(prev, next MessageState) MessageState {
	if next.CorrelationID == "" {
		next.CorrelationID = prev.CorrelationID
	}
	for _, r := range prev.Reactions {
		if r.Phase == PhasePending && findReaction(next.Reactions, r.key()) < 0 {
			next.Reactions = append(next.Reactions, r)
		}
	}
	return next
}

// mergeHistory replaces the confirmed messages with a freshly loaded page.
// Pending messages the page did not confirm, and confirmed messages newer
// than the page, are kept after it.
func (e *conversationEntry) mergeHistory(page []MessageState) {
	merged := make([]MessageState, 0, len(page)+len(e.messages))
	seen := make(map[string]bool, len(page))
	confirmedIDs := make(map[CorrelationID]bool)
	var newest time.Time

	for _, m := range page {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		m = m.clone()
		m.Phase = PhaseConfirmed
		if i := e.indexByID(m.ID); i >= 0 {
			m = mergeConfirmed(e.messages[i], m)
		}
		seen[m.ID] = true
		if m.CorrelationID != "" {
			confirmedIDs[m.CorrelationID] = true
		}
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
		merged = append(merged, m)
	}

	for _, m := range e.messages {
		switch {
		case m.Pending():
			if !confirmedIDs[m.CorrelationID] {
				merged = append(merged, m)
			}
		case !seen[m.ID] && m.CreatedAt.After(newest):
			merged = append(merged, m)
		}
	}
	e.messages = merged

	for i := len(e.messages) - 1; i >= 0; i-- {
		if !e.messages[i].Pending() {
			e.touch(e.messages[i])
			break
		}
	}
}

func (e *conversationEntry) touch(m MessageState) {
	if m.Pending() {
		return
	}
	last := e.conv.LastMessage
	if last == nil || last.ID == m.ID || !m.CreatedAt.Before(last.CreatedAt) {
		c := m.clone()
		e.conv.LastMessage = &c
	}
	if m.CreatedAt.After(e.conv.UpdatedAt) {
		e.conv.UpdatedAt = m.CreatedAt
	}
}

// recount derives the unread count for hydrated conversations.
func (e *conversationEntry) recount(self string) {
	if !e.hydrated {
		return
	}
	n := 0
	for _, m := range e.messages {
		if isUnread(m, self) {
			n++
		}
	}
	e.conv.UnreadCount = n
}

// adjustUnread moves the server-provided count of an unhydrated
// conversation by the change from prev to next. A zero next means removed.
func (e *conversationEntry) adjustUnread(prev, next MessageState, self string) {
	was, now := isUnread(prev, self), isUnread(next, self)
	switch {
	case was && !now && e.conv.UnreadCount > 0:
		e.conv.UnreadCount--
	case !was && now:
		e.conv.UnreadCount++
	}
}

func isUnread(m MessageState, self string) bool {
	return !m.Pending() && m.ID != "" && m.Status != StatusRead && m.SenderID != self
}

func (e *conversationEntry) unreadIDs(self string) []string {
	var ids []string
	for _, m := range e.messages {
		if isUnread(m, self) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (e *conversationEntry) markRead(id string, now time.Time) {
	i := e.indexByID(id)
	if i < 0 {
		return
	}
	e.messages[i].Status = StatusRead
	e.messages[i].UpdatedAt = now
	if last := e.conv.LastMessage; last != nil && last.ID == id {
		last.Status = StatusRead
	}
}

func (e *conversationEntry) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range e.messages {
		if !m.Pending() && m.ID == id {
			return i
		}
	}
	return -1
}

func (e *conversationEntry) indexPending(id CorrelationID) int {
	if id == "" {
		return -1
	}
	for i, m := range e.messages {
		if m.Pending() && m.CorrelationID == id {
			return i
		}
	}
	return -1
}

func (e *conversationEntry) indexPendingByContent(content string) int {
	for i, m := range e.messages {
		if m.Pending() && m.Content == content {
			return i
		}
	}
	return -1
}

func (e *conversationEntry) removeAt(i int) {
	e.messages = append(e.messages[:i:i], e.messages[i+1:]...)
}

// ============================================================================
// Reactions
// ============================================================================

// Reactions are keyed by (user_id, reaction_type); at most one entry per
// key exists on a message.

func findReaction(rs []Reaction, k reactionKey) int {
	for i, r := range rs {
		if r.key() == k {
			return i
		}
	}
	return -1
}

func upsertReaction(m *MessageState, r Reaction) {
	if j := findReaction(m.Reactions, r.key()); j >= 0 {
		m.Reactions[j] = r
		return
	}
	m.Reactions = append(m.Reactions, r)
}

func removeReactionByID(m *MessageState, id string) {
	if id == "" {
		return
	}
	kept := m.Reactions[:0:0]
	for _, r := range m.Reactions {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	m.Reactions = kept
}

func removeReactionsByKey(m *MessageState, k reactionKey) []Reaction {
	var removed []Reaction
	kept := m.Reactions[:0:0]
	for _, r := range m.Reactions {
		if r.key() == k {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	m.Reactions = kept
	return removed
}
