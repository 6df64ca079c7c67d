// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache is the single source of truth for rendered chat state.
// Every message displayed anywhere in the client comes out of this
// store; network responses and real-time events both funnel into it,
// so the UI can never show two divergent versions of one conversation.
//
// # Optimistic Lifecycle
//
// A user message enters via BeginSend (pending, rendered immediately),
// then either CompleteSend swaps the placeholder for the server-
// confirmed batch in place, or FailSend removes it and hands the
// original content back for the input box. Assistant messages pushed
// over the socket enter via ApplyAssistantMessage, which is idempotent
// by message id so a push racing a send response never duplicates.
package cache

import (
	"log/slog"
	"sync"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/observability"
)

// Progress is the latest search progress snapshot for a chat.
type Progress struct {
	Stage   string
	Detail  string
	Percent float64
}

// chatState is everything cached for one chat. Guarded by Store.mu.
type chatState struct {
	// messages in display order. Pending placeholders live here too,
	// at the position they were appended.
	messages []datatypes.Message

	// typing mirrors the assistant typing indicator.
	typing bool

	// progress is the latest search progress, nil when idle.
	progress *Progress
}

// Store holds per-chat message state. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	chats   map[string]*chatState
	subs    []func(chatID string)
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates an empty Store. metrics and logger may be nil.
func New(metrics *observability.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		chats:   make(map[string]*chatState),
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe registers fn to run after every state change, with the id
// of the chat that changed. Callbacks run outside the store lock and
// must not block for long.
func (s *Store) Subscribe(fn func(chatID string)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) notify(chatID string) {
	s.mu.RLock()
	subs := make([]func(string), len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(chatID)
	}
}

func (s *Store) state(chatID string) *chatState {
	st, ok := s.chats[chatID]
	if !ok {
		st = &chatState{}
		s.chats[chatID] = st
	}
	return st
}

// =============================================================================
// Optimistic send lifecycle
// =============================================================================

// BeginSend appends msg as a pending placeholder. The message renders
// immediately; msg.ID must be empty (unconfirmed) and its correlation
// id is how the confirmation finds it later.
func (s *Store) BeginSend(chatID string, msg datatypes.Message) {
	s.mu.Lock()
	st := s.state(chatID)
	st.messages = append(st.messages, msg)
	s.mu.Unlock()
	s.notify(chatID)
}

// CompleteSend reconciles the server-confirmed batch against the
// pending placeholder.
//
// # Description
//
// The placeholder is matched by correlation id and replaced in place
// by the confirmed user message, so ordering never jumps. Remaining
// messages in the batch (assistant replies) append via the same
// idempotent path as socket pushes: a reply that already arrived over
// the socket is not duplicated.
func (s *Store) CompleteSend(chatID string, correlationID string, confirmed []datatypes.Message) {
	s.mu.Lock()
	st := s.state(chatID)
	for _, m := range confirmed {
		if m.FromAssistant() {
			s.upsertLocked(st, m)
			continue
		}
		if !s.replacePendingLocked(st, correlationID, m) {
			// Placeholder already gone (rolled back or never
			// tracked); fall back to idempotent insert.
			s.upsertLocked(st, m)
		}
	}
	s.mu.Unlock()
	s.notify(chatID)
}

// FailSend removes the pending placeholder and returns its original
// content so the caller can restore the input box. The second return
// is false when no placeholder with that correlation id exists.
func (s *Store) FailSend(chatID string, correlationID string) (string, bool) {
	s.mu.Lock()
	st := s.state(chatID)
	content := ""
	found := false
	for i, m := range st.messages {
		if !m.Confirmed() && m.CorrelationID == correlationID {
			content = m.Content
			found = true
			st.messages = append(st.messages[:i], st.messages[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.metrics.RecordRollback()
		s.notify(chatID)
	}
	return content, found
}

// replacePendingLocked swaps the placeholder matching correlationID
// for confirmed, preserving position. Returns false if absent.
//
// When the confirmed id is already cached the placeholder is removed
// instead of replaced: collapsed duplicate sends give every caller the
// same confirmed message, and only the first replacement may keep it.
func (s *Store) replacePendingLocked(st *chatState, correlationID string, confirmed datatypes.Message) bool {
	for i, m := range st.messages {
		if m.Confirmed() || m.CorrelationID != correlationID {
			continue
		}
		if confirmed.Confirmed() && s.hasConfirmedLocked(st, confirmed.ID) {
			st.messages = append(st.messages[:i], st.messages[i+1:]...)
			return true
		}
		st.messages[i] = confirmed
		return true
	}
	return false
}

// hasConfirmedLocked reports whether a confirmed message with this
// server id is already cached.
func (s *Store) hasConfirmedLocked(st *chatState, id string) bool {
	for _, m := range st.messages {
		if m.Confirmed() && m.ID == id {
			return true
		}
	}
	return false
}

// =============================================================================
// Real-time event application
// =============================================================================

// ApplyAssistantMessage inserts a pushed message, deduplicating by id.
// Returns true when state actually changed.
func (s *Store) ApplyAssistantMessage(chatID string, msg datatypes.Message) bool {
	s.mu.Lock()
	st := s.state(chatID)
	changed := s.upsertLocked(st, msg)
	// A concrete assistant reply supersedes the typing indicator.
	if changed && msg.FromAssistant() {
		st.typing = false
	}
	s.mu.Unlock()
	if changed {
		s.notify(chatID)
	}
	return changed
}

// upsertLocked inserts msg unless a message with the same confirmed id
// (or same unconfirmed correlation id) already exists. Existing entries
// are refreshed in place so late pushes can fill in suggestions.
func (s *Store) upsertLocked(st *chatState, msg datatypes.Message) bool {
	for i, m := range st.messages {
		if msg.Confirmed() && m.ID == msg.ID {
			if equalMessages(m, msg) {
				return false
			}
			st.messages[i] = msg
			return true
		}
		if !m.Confirmed() && msg.CorrelationID != "" && m.CorrelationID == msg.CorrelationID {
			st.messages[i] = msg
			return true
		}
	}
	st.messages = append(st.messages, msg)
	return true
}

func equalMessages(a, b datatypes.Message) bool {
	return a.ID == b.ID &&
		a.Content == b.Content &&
		len(a.Suggestions) == len(b.Suggestions) &&
		len(a.PropertySuggestions) == len(b.PropertySuggestions)
}

// SetTyping flips the assistant typing indicator for a chat.
func (s *Store) SetTyping(chatID string, typing bool) {
	s.mu.Lock()
	st := s.state(chatID)
	changed := st.typing != typing
	st.typing = typing
	s.mu.Unlock()
	if changed {
		s.notify(chatID)
	}
}

// SetProgress records the latest search progress snapshot. A terminal
// snapshot (Percent >= 100) clears itself so stale bars never linger.
func (s *Store) SetProgress(chatID string, p Progress) {
	s.mu.Lock()
	st := s.state(chatID)
	if p.Percent >= 100 {
		st.progress = nil
	} else {
		st.progress = &p
	}
	s.mu.Unlock()
	s.notify(chatID)
}

// =============================================================================
// History hydration
// =============================================================================

// LoadHistory merges a fetched history page into the chat. Server
// messages are authoritative for anything they overlap; pending
// placeholders not covered by the page survive at the tail.
func (s *Store) LoadHistory(chatID string, history []datatypes.Message) {
	s.mu.Lock()
	st := s.state(chatID)
	var pending []datatypes.Message
	for _, m := range st.messages {
		if !m.Confirmed() {
			pending = append(pending, m)
		}
	}
	st.messages = append(history[:len(history):len(history)], pending...)
	s.mu.Unlock()
	s.notify(chatID)
}

// Drop discards all cached state for a chat.
func (s *Store) Drop(chatID string) {
	s.mu.Lock()
	delete(s.chats, chatID)
	s.mu.Unlock()
	s.notify(chatID)
}

// Reset discards everything, e.g. when the guest identity is cleared
// after authentication.
func (s *Store) Reset() {
	s.mu.Lock()
	s.chats = make(map[string]*chatState)
	s.mu.Unlock()
	s.notify("")
}

// =============================================================================
// Read side
// =============================================================================

// Messages returns a copy of the chat's messages in display order.
func (s *Store) Messages(chatID string) []datatypes.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]datatypes.Message, len(st.messages))
	copy(out, st.messages)
	return out
}

// PendingCount reports how many unconfirmed placeholders a chat holds.
func (s *Store) PendingCount(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.chats[chatID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range st.messages {
		if !m.Confirmed() {
			n++
		}
	}
	return n
}

// Typing reports the assistant typing indicator for a chat.
func (s *Store) Typing(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.chats[chatID]
	return ok && st.typing
}

// SearchProgress returns the latest progress snapshot, or nil when no
// search is running.
func (s *Store) SearchProgress(chatID string) *Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.chats[chatID]
	if !ok || st.progress == nil {
		return nil
	}
	p := *st.progress
	return &p
}
