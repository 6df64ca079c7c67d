// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package client is the protocol surface of the chat core: one method
// per chat endpoint, each resolving the current actor, attaching the
// guest identifier when applicable, and running through the request
// coordinator so rapid duplicate intents share one network call.
//
// # Architecture
//
//	Manager → Client → Coordinator (dedupe/debounce) → HTTPClient → backend
//	             ↓
//	          identity.Resolver (guest id / ambient credential)
//
// Errors propagate un-swallowed: this layer never retries. Transport
// failures and server faults reject the operation; server rejections
// (4xx) additionally preserve the server's message for display.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/coordinator"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/identity"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/observability"
)

// =============================================================================
// Interfaces
// =============================================================================

// HTTPClient abstracts the transport for testability. Production uses
// *http.Client; tests inject mocks.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds client construction options. BaseURL is required.
type Config struct {
	// BaseURL of the chat backend, without trailing slash.
	BaseURL string

	// HTTPClient is the transport. Nil means an *http.Client with
	// Timeout applied.
	HTTPClient HTTPClient

	// Timeout for the default transport. Zero means 60 seconds.
	Timeout time.Duration

	// Identity resolves guest/authenticated actors. Required.
	Identity *identity.Resolver

	// Coordinator collapses duplicate operations. Required.
	Coordinator *coordinator.Coordinator

	// Metrics receives per-action counters. Nil records nothing.
	Metrics *observability.Metrics

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// Client implements the chat protocol surface.
//
// # Thread Safety
//
// Safe for concurrent use; all state is read-only after construction.
type Client struct {
	http     HTTPClient
	baseURL  string
	identity *identity.Resolver
	coord    *coordinator.Coordinator
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     httpClient,
		baseURL:  cfg.BaseURL,
		identity: cfg.Identity,
		coord:    cfg.Coordinator,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// =============================================================================
// Protocol Operations
// =============================================================================

// StartChat creates a new chat session (POST /ai/chat).
//
// # Description
//
// Resolves the actor first: a guest id travels in the request body, an
// authenticated actor relies on the ambient credential and omits it.
// The dedupe key is scoped to the conversation type and context so
// two different session intents never collapse.
func (c *Client) StartChat(ctx context.Context, convType datatypes.ConversationType, chatContext map[string]any) (*datatypes.ChatSession, error) {
	actor := c.identity.ResolveActor()
	req := datatypes.StartChatRequest{
		ConversationType: convType,
		Context:          chatContext,
	}
	if actor.IsGuest() {
		req.GuestID = actor.ID
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid start chat request: %w", err)
	}

	key := coordinator.Key("start", string(convType), contextSignature(chatContext))
	session, err := coordinator.Do(ctx, c.coord, key, false, func(ctx context.Context) (*datatypes.ChatSession, error) {
		var out datatypes.ChatSession
		if err := c.doJSON(ctx, http.MethodPost, "/ai/chat", nil, req, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	c.metrics.RecordRequest("start", err == nil)
	return session, err
}

// SendMessage posts a user message (POST /ai/chat/:id/message) and
// returns the confirmed batch: the acknowledged user message plus any
// assistant replies.
//
// # Inputs
//
//   - chatID: Target chat. ErrNoChatID if empty, before any network I/O.
//   - msg: The optimistic placeholder already appended to the cache;
//     its correlation id is echoed back in the confirmed batch.
func (c *Client) SendMessage(ctx context.Context, chatID string, msg datatypes.Message) ([]datatypes.Message, error) {
	if chatID == "" {
		return nil, ErrNoChatID
	}
	actor := c.identity.ResolveActor()
	req := datatypes.SendMessageRequest{
		CorrelationID: msg.CorrelationID,
		Content:       msg.Content,
		CreatedAt:     msg.CreatedAt,
	}
	if actor.IsGuest() {
		req.GuestID = actor.ID
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid send request: %w", err)
	}

	key := coordinator.Key("send", chatID, coordinator.Truncate(msg.Content))
	resp, err := coordinator.Do(ctx, c.coord, key, false, func(ctx context.Context) (*datatypes.SendMessageResponse, error) {
		var out datatypes.SendMessageResponse
		path := fmt.Sprintf("/ai/chat/%s/message", url.PathEscape(chatID))
		if err := c.doJSON(ctx, http.MethodPost, path, nil, req, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	c.metrics.RecordRequest("send", err == nil)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// FetchMessages retrieves one page of chat history
// (GET /ai/chat/:id/messages).
func (c *Client) FetchMessages(ctx context.Context, chatID string, page, limit int) (*datatypes.MessagesPage, error) {
	if chatID == "" {
		return nil, ErrNoChatID
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	c.attachGuest(query)

	key := coordinator.Key("messages", chatID, strconv.Itoa(page), strconv.Itoa(limit))
	pageOut, err := coordinator.Do(ctx, c.coord, key, true, func(ctx context.Context) (*datatypes.MessagesPage, error) {
		var out datatypes.MessagesPage
		path := fmt.Sprintf("/ai/chat/%s/messages", url.PathEscape(chatID))
		if err := c.doJSON(ctx, http.MethodGet, path, query, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	c.metrics.RecordRequest("messages", err == nil)
	return pageOut, err
}

// Search runs a conversational property search (POST /ai/search).
// Progress arrives out of band as searchProgress events; only the
// final result set returns here.
func (c *Client) Search(ctx context.Context, req datatypes.SearchRequest) (*datatypes.SearchResponse, error) {
	actor := c.identity.ResolveActor()
	if actor.IsGuest() {
		req.GuestID = actor.ID
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	key := coordinator.Key("search", req.ChatID, coordinator.Truncate(req.Query))
	resp, err := coordinator.Do(ctx, c.coord, key, false, func(ctx context.Context) (*datatypes.SearchResponse, error) {
		var out datatypes.SearchResponse
		if err := c.doJSON(ctx, http.MethodPost, "/ai/search", nil, req, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	c.metrics.RecordRequest("search", err == nil)
	return resp, err
}

// GetChat fetches one session (GET /ai/chat/:id).
func (c *Client) GetChat(ctx context.Context, chatID string) (*datatypes.ChatSession, error) {
	if chatID == "" {
		return nil, ErrNoChatID
	}
	query := url.Values{}
	c.attachGuest(query)

	key := coordinator.Key("chat", chatID)
	session, err := coordinator.Do(ctx, c.coord, key, true, func(ctx context.Context) (*datatypes.ChatSession, error) {
		var out datatypes.ChatSession
		path := "/ai/chat/" + url.PathEscape(chatID)
		if err := c.doJSON(ctx, http.MethodGet, path, query, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	c.metrics.RecordRequest("chat", err == nil)
	return session, err
}

// ListChats pages through the actor's sessions (GET /ai/chats).
// status filters by "active" or "ended"; empty means all.
func (c *Client) ListChats(ctx context.Context, page, limit int, status string) ([]datatypes.ChatSummary, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	if status != "" {
		query.Set("status", status)
	}
	c.attachGuest(query)

	key := coordinator.Key("chats", strconv.Itoa(page), strconv.Itoa(limit), status)
	chats, err := coordinator.Do(ctx, c.coord, key, true, func(ctx context.Context) ([]datatypes.ChatSummary, error) {
		var out []datatypes.ChatSummary
		if err := c.doJSON(ctx, http.MethodGet, "/ai/chats", query, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	c.metrics.RecordRequest("chats", err == nil)
	return chats, err
}

// UpdateContext patches the session context snapshot
// (PATCH /ai/chat/:id/context).
func (c *Client) UpdateContext(ctx context.Context, chatID string, chatContext map[string]any) (*datatypes.ChatSession, error) {
	if chatID == "" {
		return nil, ErrNoChatID
	}
	actor := c.identity.ResolveActor()
	req := datatypes.UpdateContextRequest{Context: chatContext}
	if actor.IsGuest() {
		req.GuestID = actor.ID
	}

	key := coordinator.Key("context", chatID, contextSignature(chatContext))
	session, err := coordinator.Do(ctx, c.coord, key, false, func(ctx context.Context) (*datatypes.ChatSession, error) {
		var out datatypes.ChatSession
		path := fmt.Sprintf("/ai/chat/%s/context", url.PathEscape(chatID))
		if err := c.doJSON(ctx, http.MethodPatch, path, nil, req, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	c.metrics.RecordRequest("context", err == nil)
	return session, err
}

// EndChat marks a session inactive (PATCH /ai/chat/:id/end). History
// remains browsable; nothing is deleted client-side.
func (c *Client) EndChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return ErrNoChatID
	}
	query := url.Values{}
	c.attachGuest(query)

	key := coordinator.Key("end", chatID)
	_, err := coordinator.Do(ctx, c.coord, key, true, func(ctx context.Context) (struct{}, error) {
		path := fmt.Sprintf("/ai/chat/%s/end", url.PathEscape(chatID))
		return struct{}{}, c.doJSON(ctx, http.MethodPatch, path, query, nil, nil)
	})
	c.metrics.RecordRequest("end", err == nil)
	return err
}

// SubmitMessageFeedback rates a single message
// (POST /ai/chat/:id/message/:messageId/feedback).
func (c *Client) SubmitMessageFeedback(ctx context.Context, chatID, messageID string, fb datatypes.ChatFeedbackRequest) error {
	if chatID == "" {
		return ErrNoChatID
	}
	actor := c.identity.ResolveActor()
	if actor.IsGuest() {
		fb.GuestID = actor.ID
	}
	if err := fb.Validate(); err != nil {
		return fmt.Errorf("invalid feedback: %w", err)
	}

	key := coordinator.Key("msgfeedback", chatID, messageID)
	_, err := coordinator.Do(ctx, c.coord, key, false, func(ctx context.Context) (struct{}, error) {
		path := fmt.Sprintf("/ai/chat/%s/message/%s/feedback",
			url.PathEscape(chatID), url.PathEscape(messageID))
		return struct{}{}, c.doJSON(ctx, http.MethodPost, path, nil, fb, nil)
	})
	c.metrics.RecordRequest("msgfeedback", err == nil)
	return err
}

// SubmitChatFeedback rates a whole session (POST /ai/chat/:id/feedback).
func (c *Client) SubmitChatFeedback(ctx context.Context, chatID string, fb datatypes.ChatFeedbackRequest) error {
	if chatID == "" {
		return ErrNoChatID
	}
	actor := c.identity.ResolveActor()
	if actor.IsGuest() {
		fb.GuestID = actor.ID
	}
	if err := fb.Validate(); err != nil {
		return fmt.Errorf("invalid feedback: %w", err)
	}

	key := coordinator.Key("chatfeedback", chatID)
	_, err := coordinator.Do(ctx, c.coord, key, false, func(ctx context.Context) (struct{}, error) {
		path := fmt.Sprintf("/ai/chat/%s/feedback", url.PathEscape(chatID))
		return struct{}{}, c.doJSON(ctx, http.MethodPost, path, nil, fb, nil)
	})
	c.metrics.RecordRequest("chatfeedback", err == nil)
	return err
}

// FetchAnalytics retrieves session analytics (GET /ai/chat/:id/analytics).
func (c *Client) FetchAnalytics(ctx context.Context, chatID string) (*datatypes.ChatAnalytics, error) {
	if chatID == "" {
		return nil, ErrNoChatID
	}
	query := url.Values{}
	c.attachGuest(query)

	key := coordinator.Key("analytics", chatID)
	analytics, err := coordinator.Do(ctx, c.coord, key, true, func(ctx context.Context) (*datatypes.ChatAnalytics, error) {
		var out datatypes.ChatAnalytics
		path := fmt.Sprintf("/ai/chat/%s/analytics", url.PathEscape(chatID))
		if err := c.doJSON(ctx, http.MethodGet, path, query, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	c.metrics.RecordRequest("analytics", err == nil)
	return analytics, err
}

// =============================================================================
// Transport helpers
// =============================================================================

// attachGuest adds the guest id query parameter for guest actors.
// Authenticated actors rely on the ambient credential and omit it.
func (c *Client) attachGuest(query url.Values) {
	actor := c.identity.ResolveActor()
	if actor.IsGuest() {
		query.Set("guest_id", actor.ID)
	}
}

// doJSON issues one request and decodes the response envelope into out.
//
// A missing response is a transport failure (APIError with status 0).
// A non-2xx status or success=false envelope is a server error whose
// message text is preserved when present. No retries happen here.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	var envelope datatypes.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return serverError(resp.StatusCode, "")
		}
		return fmt.Errorf("decode response envelope: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Success {
		return serverError(resp.StatusCode, envelope.Message)
	}
	if out == nil {
		return nil
	}
	if err := envelope.DecodeData(out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// contextSignature produces a stable key component from a context map.
func contextSignature(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	// json.Marshal sorts map keys, which is all the stability needed
	// for an operation signature.
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("len=%d", len(m))
	}
	return coordinator.Truncate(string(raw))
}
