// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
)

// =============================================================================
// HTTP Handlers
// =============================================================================

// handlers wires the chat protocol endpoints to the in-memory store,
// the scripted assistant, and the websocket hub.
type handlers struct {
	store  *memoryStore
	script *Script
	hub    *Hub
	logger *slog.Logger
}

func newHandlers(store *memoryStore, script *Script, hub *Hub, logger *slog.Logger) *handlers {
	return &handlers{store: store, script: script, hub: hub, logger: logger}
}

// registerRoutes attaches all /ai routes to the router.
func (h *handlers) registerRoutes(router *gin.Engine) {
	ai := router.Group("/ai")
	{
		ai.POST("/chat", h.startChat)
		ai.GET("/chats", h.listChats)
		ai.GET("/chat/:id", h.getChat)
		ai.POST("/chat/:id/message", h.sendMessage)
		ai.GET("/chat/:id/messages", h.getMessages)
		ai.PATCH("/chat/:id/context", h.updateContext)
		ai.PATCH("/chat/:id/end", h.endChat)
		ai.POST("/chat/:id/feedback", h.chatFeedback)
		ai.POST("/chat/:id/message/:messageId/feedback", h.messageFeedback)
		ai.GET("/chat/:id/analytics", h.analytics)
		ai.POST("/search", h.search)
		ai.GET("/ws", h.hub.HandleWebSocket())
	}
}

// actorRef derives the participant ref the way the backend would:
// guest id first, then the bearer credential, else anonymous.
func actorRef(c *gin.Context, guestID string) string {
	if guestID == "" {
		guestID = c.Query("guest_id")
	}
	if guestID != "" {
		return "guest:" + guestID
	}
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
		return "user:" + token
	}
	return "anonymous"
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, datatypes.OK(data))
}

func respondFail(c *gin.Context, status int, message string) {
	c.JSON(status, datatypes.Fail(message))
}

// failFor maps store errors onto HTTP statuses.
func failFor(c *gin.Context, err error) {
	if errors.Is(err, errChatNotFound) {
		respondFail(c, http.StatusNotFound, "chat not found")
		return
	}
	respondFail(c, http.StatusInternalServerError, err.Error())
}

func (h *handlers) startChat(c *gin.Context) {
	var req datatypes.StartChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	session := h.store.createSession(actorRef(c, req.GuestID), req.ConversationType, req.Context)
	h.logger.Info("chat started",
		"chat_id", session.ID,
		"conversation_type", string(req.ConversationType))
	respondOK(c, http.StatusCreated, session)
}

// sendMessage confirms the user's message and produces the scripted
// assistant reply. A duplicate correlation id returns the previously
// confirmed message instead of appending again, so client retries are
// harmless.
//
// When the chat has a websocket subscriber and the matched rule asks
// for typing delay, the reply goes out of band: a typing event, then
// the message event, then typing off. Otherwise the reply is inline
// in the response batch.
func (h *handlers) sendMessage(c *gin.Context) {
	chatID := c.Param("id")
	var req datatypes.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	if existing, ok := h.store.findByCorrelation(chatID, req.CorrelationID); ok {
		respondOK(c, http.StatusOK, datatypes.SendMessageResponse{Messages: []datatypes.Message{existing}})
		return
	}

	confirmed := datatypes.Message{
		ID:            uuid.New().String(),
		CorrelationID: req.CorrelationID,
		ChatID:        chatID,
		Sender:        actorRef(c, req.GuestID),
		Kind:          datatypes.MessageKindText,
		Content:       req.Content,
		CreatedAt:     req.CreatedAt,
	}
	if err := h.store.appendMessage(chatID, confirmed); err != nil {
		failFor(c, err)
		return
	}

	reply, delay := h.script.Respond(chatID, req.Content)
	reply.ID = uuid.New().String()

	if delay > 0 && h.hub.RoomSize(chatID) > 0 {
		go h.deliverAsync(chatID, reply, delay)
		respondOK(c, http.StatusOK, datatypes.SendMessageResponse{Messages: []datatypes.Message{confirmed}})
		return
	}

	if err := h.store.appendMessage(chatID, reply); err != nil {
		failFor(c, err)
		return
	}
	h.store.recordResponseTime(chatID, delay)
	respondOK(c, http.StatusOK, datatypes.SendMessageResponse{Messages: []datatypes.Message{confirmed, reply}})
}

// deliverAsync plays the typing indicator and pushes the reply over
// the websocket after the scripted delay.
func (h *handlers) deliverAsync(chatID string, reply datatypes.Message, delay time.Duration) {
	h.hub.Broadcast(datatypes.Event{
		Type:   datatypes.EventTyping,
		Typing: &datatypes.TypingEvent{ChatID: chatID, Typing: true},
	})
	time.Sleep(delay)

	if err := h.store.appendMessage(chatID, reply); err != nil {
		h.logger.Warn("async reply dropped", "chat_id", chatID, "error", err)
		return
	}
	h.store.recordResponseTime(chatID, delay)

	h.hub.Broadcast(datatypes.Event{
		Type:    datatypes.EventMessage,
		Message: &datatypes.MessageEvent{ChatID: chatID, Message: reply},
	})
	h.hub.Broadcast(datatypes.Event{
		Type:   datatypes.EventTyping,
		Typing: &datatypes.TypingEvent{ChatID: chatID, Typing: false},
	})
}

func (h *handlers) getMessages(c *gin.Context) {
	chatID := c.Param("id")
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 50)

	out, err := h.store.messagesPage(chatID, page, limit)
	if err != nil {
		failFor(c, err)
		return
	}
	respondOK(c, http.StatusOK, out)
}

// search streams scripted progress stages over the websocket while the
// request is in flight, then returns the final result set.
func (h *handlers) search(c *gin.Context) {
	var req datatypes.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	stages := []struct {
		stage   string
		detail  string
		percent float64
	}{
		{"parsing", "understanding your requirements", 15},
		{"searching", "matching listings", 45},
		{"ranking", "ordering by fit", 80},
		{"done", "", 100},
	}
	if req.ChatID != "" {
		for _, s := range stages {
			h.hub.Broadcast(datatypes.Event{
				Type: datatypes.EventProgress,
				Progress: &datatypes.ProgressEvent{
					ChatID:  req.ChatID,
					Stage:   s.stage,
					Detail:  s.detail,
					Percent: s.percent,
				},
			})
			time.Sleep(40 * time.Millisecond)
		}
		h.store.recordSearch(req.ChatID)
	}

	properties, summary := h.script.SearchResults(req.Query)
	respondOK(c, http.StatusOK, datatypes.SearchResponse{Properties: properties, Summary: summary})
}

func (h *handlers) getChat(c *gin.Context) {
	session, err := h.store.getSession(c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	respondOK(c, http.StatusOK, session)
}

func (h *handlers) listChats(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	status := c.Query("status")

	summaries := h.store.listSessions(actorRef(c, ""), status, page, limit)
	if summaries == nil {
		summaries = []datatypes.ChatSummary{}
	}
	respondOK(c, http.StatusOK, summaries)
}

func (h *handlers) updateContext(c *gin.Context) {
	var req datatypes.UpdateContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "malformed request body")
		return
	}
	session, err := h.store.updateContext(c.Param("id"), req.Context)
	if err != nil {
		failFor(c, err)
		return
	}
	respondOK(c, http.StatusOK, session)
}

func (h *handlers) endChat(c *gin.Context) {
	if err := h.store.endSession(c.Param("id")); err != nil {
		failFor(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (h *handlers) chatFeedback(c *gin.Context) {
	var req datatypes.ChatFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.addFeedback(c.Param("id"), req); err != nil {
		failFor(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (h *handlers) messageFeedback(c *gin.Context) {
	var req datatypes.ChatFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}
	fb := datatypes.MessageFeedback{Rating: req.Rating, Helpful: req.Helpful, Comment: req.Comment}
	if err := h.store.setMessageFeedback(c.Param("id"), c.Param("messageId"), fb); err != nil {
		failFor(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (h *handlers) analytics(c *gin.Context) {
	out, err := h.store.analytics(c.Param("id"))
	if err != nil {
		failFor(c, err)
		return
	}
	respondOK(c, http.StatusOK, out)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
