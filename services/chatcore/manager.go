// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chatcore is the session facade over the chat subsystem. A
// Manager composes the identity resolver, the request coordinator, the
// protocol client, the message cache, and the real-time bridge into
// one object the UI talks to.
//
// # Description
//
// The manager enforces the flows the pieces cannot enforce alone: the
// optimistic send lifecycle (placeholder in cache before the network,
// rollback with content recovery on failure), room switching (the
// bridge re-attaches whenever the active chat changes), and the
// guest-to-authenticated transition (guest identity cleared, cache
// reset, guest history deliberately left behind on the server).
package chatcore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/bridge"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/cache"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/client"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/identity"
)

// SendError reports a failed message send. OriginalContent carries the
// rolled-back text so the caller can restore it to the input box.
type SendError struct {
	OriginalContent string
	Err             error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Manager is the chat session facade. Safe for concurrent use; the
// components it composes carry their own synchronization.
type Manager struct {
	identity *identity.Resolver
	client   *client.Client
	cache    *cache.Store
	bridge   *bridge.Bridge
	logger   *slog.Logger
}

// ManagerConfig wires a Manager. All components are required except
// Logger.
type ManagerConfig struct {
	Identity *identity.Resolver
	Client   *client.Client
	Cache    *cache.Store
	Bridge   *bridge.Bridge
	Logger   *slog.Logger
}

// NewManager composes a Manager from already-constructed components.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		identity: cfg.Identity,
		client:   cfg.Client,
		cache:    cfg.Cache,
		bridge:   cfg.Bridge,
		logger:   logger,
	}
}

// Cache exposes the message store for read access and subscriptions.
func (m *Manager) Cache() *cache.Store { return m.cache }

// Actor returns the current resolved identity.
func (m *Manager) Actor() datatypes.Actor {
	return m.identity.ResolveActor()
}

// =============================================================================
// Session lifecycle
// =============================================================================

// StartChat opens a new session, remembers it as current, and attaches
// the bridge to its room.
func (m *Manager) StartChat(ctx context.Context, convType datatypes.ConversationType, chatContext map[string]any) (*datatypes.ChatSession, error) {
	session, err := m.client.StartChat(ctx, convType, chatContext)
	if err != nil {
		return nil, err
	}
	m.identity.SetCurrentChat(session.ID)
	if err := m.bridge.Attach(ctx, session.ID); err != nil {
		// The session exists and polling still works; real-time
		// delivery degrades until the next attach succeeds.
		m.logger.Warn("bridge attach failed", "chat_id", session.ID, "error", err)
	}
	return session, nil
}

// ResumeChat switches the active session: hydrates history into the
// cache and re-attaches the bridge. Any previous room is left first.
func (m *Manager) ResumeChat(ctx context.Context, chatID string, page, limit int) (*datatypes.ChatSession, error) {
	session, err := m.client.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	historyPage, err := m.client.FetchMessages(ctx, chatID, page, limit)
	if err != nil {
		return nil, err
	}
	m.cache.LoadHistory(chatID, historyPage.Messages)
	m.identity.SetCurrentChat(chatID)
	if err := m.bridge.Attach(ctx, chatID); err != nil {
		m.logger.Warn("bridge attach failed", "chat_id", chatID, "error", err)
	}
	return session, nil
}

// CurrentChat returns the persisted active chat id, empty when none.
func (m *Manager) CurrentChat() string {
	return m.identity.CurrentChat()
}

// EndSession marks the active chat ended and detaches the bridge.
// Cached history stays readable until the session is switched.
func (m *Manager) EndSession(ctx context.Context, chatID string) error {
	if err := m.client.EndChat(ctx, chatID); err != nil {
		return err
	}
	m.bridge.Detach()
	m.identity.SetCurrentChat("")
	return nil
}

// AuthCompleted transitions from guest to authenticated identity.
//
// # Description
//
// The guest id and current-chat pointer are cleared and all cached
// guest conversations dropped. Guest history is not migrated: the
// authenticated actor starts clean, and the server keeps the guest
// sessions under their original guest id.
func (m *Manager) AuthCompleted() {
	m.bridge.Detach()
	m.cache.Reset()
	m.identity.ClearGuestSession()
}

// =============================================================================
// Messaging
// =============================================================================

// SendMessage runs the full optimistic send flow.
//
// # Description
//
// The message appears in the cache immediately as a pending
// placeholder, then the network call goes out through the coordinator
// (duplicate rapid sends collapse into one). On success the confirmed
// batch replaces the placeholder in place; on failure the placeholder
// is rolled back and the returned *SendError carries the original
// content for the input box. The error path leaves no trace of the
// failed message in the cache.
func (m *Manager) SendMessage(ctx context.Context, chatID, content string) ([]datatypes.Message, error) {
	if chatID == "" {
		return nil, client.ErrNoChatID
	}
	actor := m.identity.ResolveActor()
	msg := datatypes.NewUserMessage(chatID, actor.Ref(), content)
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	m.cache.BeginSend(chatID, msg)

	confirmed, err := m.client.SendMessage(ctx, chatID, msg)
	if err != nil {
		original, _ := m.cache.FailSend(chatID, msg.CorrelationID)
		if original == "" {
			original = content
		}
		return nil, &SendError{OriginalContent: original, Err: err}
	}

	m.cache.CompleteSend(chatID, msg.CorrelationID, confirmed)
	return confirmed, nil
}

// Messages returns the rendered view of a chat from the cache.
func (m *Manager) Messages(chatID string) []datatypes.Message {
	return m.cache.Messages(chatID)
}

// IsAssistantTyping reports the typing indicator for a chat.
func (m *Manager) IsAssistantTyping(chatID string) bool {
	return m.cache.Typing(chatID)
}

// SearchProgress returns the live search progress, nil when idle.
func (m *Manager) SearchProgress(chatID string) *cache.Progress {
	return m.cache.SearchProgress(chatID)
}

// Search runs a conversational property search. Progress streams into
// the cache via the bridge while the call is in flight.
func (m *Manager) Search(ctx context.Context, chatID, query string, filters map[string]any) (*datatypes.SearchResponse, error) {
	req := datatypes.SearchRequest{
		ChatID:  chatID,
		Query:   query,
		Filters: filters,
	}
	return m.client.Search(ctx, req)
}

// =============================================================================
// History and metadata passthroughs
// =============================================================================

// ListChats pages through the actor's sessions.
func (m *Manager) ListChats(ctx context.Context, page, limit int, status string) ([]datatypes.ChatSummary, error) {
	return m.client.ListChats(ctx, page, limit, status)
}

// FetchMessages retrieves one page of history without touching the
// cache, for browse views of non-active sessions.
func (m *Manager) FetchMessages(ctx context.Context, chatID string, page, limit int) (*datatypes.MessagesPage, error) {
	return m.client.FetchMessages(ctx, chatID, page, limit)
}

// UpdateContext patches the session context snapshot.
func (m *Manager) UpdateContext(ctx context.Context, chatID string, chatContext map[string]any) (*datatypes.ChatSession, error) {
	return m.client.UpdateContext(ctx, chatID, chatContext)
}

// SubmitMessageFeedback rates one assistant message.
func (m *Manager) SubmitMessageFeedback(ctx context.Context, chatID, messageID string, rating int, helpful bool, comment string) error {
	return m.client.SubmitMessageFeedback(ctx, chatID, messageID, datatypes.ChatFeedbackRequest{
		Rating:  rating,
		Helpful: helpful,
		Comment: comment,
	})
}

// SubmitChatFeedback rates the whole session.
func (m *Manager) SubmitChatFeedback(ctx context.Context, chatID string, rating int, helpful bool, comment string) error {
	return m.client.SubmitChatFeedback(ctx, chatID, datatypes.ChatFeedbackRequest{
		Rating:  rating,
		Helpful: helpful,
		Comment: comment,
	})
}

// FetchAnalytics retrieves session analytics.
func (m *Manager) FetchAnalytics(ctx context.Context, chatID string) (*datatypes.ChatAnalytics, error) {
	return m.client.FetchAnalytics(ctx, chatID)
}

// Close detaches the bridge. The manager is unusable afterward.
func (m *Manager) Close() {
	m.bridge.Detach()
}
