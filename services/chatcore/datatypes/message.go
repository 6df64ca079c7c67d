// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains message types and the send-message request body.
// For session types see session.go, for real-time events see events.go.

package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes caps a single message body. Byte length,
	// not rune count, to bound memory on hostile payloads.
	MaxMessageContentBytes = 16 * 1024 // 16KB

	// SenderAssistant is the sender ref used for assistant messages.
	SenderAssistant = "assistant"
)

// MessageKind classifies a message for rendering.
type MessageKind string

const (
	MessageKindText              MessageKind = "text"
	MessageKindSystem            MessageKind = "system"
	MessageKindAssistantResponse MessageKind = "assistant-response"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// coreValidate is the validator instance for chat core datatypes.
var coreValidate *validator.Validate

func init() {
	coreValidate = validator.New()
	_ = coreValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Message Types
// =============================================================================

// PropertySuggestion is a listing card attached to an assistant reply.
type PropertySuggestion struct {
	PropertyID string  `json:"property_id"`
	Title      string  `json:"title"`
	Locality   string  `json:"locality"`
	City       string  `json:"city"`
	PriceINR   int64   `json:"price_inr"`
	Bedrooms   int     `json:"bedrooms"`
	AreaSqft   float64 `json:"area_sqft"`
	ImageURL   string  `json:"image_url,omitempty"`
}

// MessageFeedback is a user rating attached to a single message.
type MessageFeedback struct {
	Rating  int    `json:"rating" validate:"gte=1,lte=5"`
	Helpful bool   `json:"helpful"`
	Comment string `json:"comment,omitempty" validate:"omitempty,maxbytes"`
}

// Message is one entry in a chat's message list.
//
// # Identity
//
// ID is empty while the message is an optimistic placeholder that the
// server has not acknowledged. CorrelationID is generated client-side
// for every outbound message and echoed back by the server, so
// reconciliation replaces exactly the speculative copy — matching is
// by server ID when present, else by CorrelationID. A placeholder is
// replaced in place, never duplicated.
type Message struct {
	ID                  string               `json:"id,omitempty"`
	CorrelationID       string               `json:"correlation_id,omitempty"`
	ChatID              string               `json:"chat_id"`
	Sender              string               `json:"sender"`
	Kind                MessageKind          `json:"kind"`
	Content             string               `json:"content" validate:"maxbytes"`
	Suggestions         []string             `json:"suggestions,omitempty"`
	PropertySuggestions []PropertySuggestion `json:"property_suggestions,omitempty"`
	CreatedAt           int64                `json:"created_at"`
	Feedback            *MessageFeedback     `json:"feedback,omitempty"`
}

// Confirmed reports whether the server has acknowledged this message.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// FromAssistant reports whether the assistant sent this message.
func (m Message) FromAssistant() bool {
	return m.Sender == SenderAssistant
}

// NewUserMessage builds an optimistic placeholder for a user send: no
// server id, a fresh correlation id, and CreatedAt stamped now.
func NewUserMessage(chatID, senderRef, content string) Message {
	return Message{
		CorrelationID: uuid.New().String(),
		ChatID:        chatID,
		Sender:        senderRef,
		Kind:          MessageKindText,
		Content:       content,
		CreatedAt:     time.Now().UnixMilli(),
	}
}

// Validate checks the message against its validation tags.
func (m *Message) Validate() error {
	return coreValidate.Struct(m)
}

// =============================================================================
// Request Bodies
// =============================================================================

// StartChatRequest is the body for POST /ai/chat.
type StartChatRequest struct {
	ConversationType ConversationType `json:"conversation_type" validate:"required,oneof=general property_search site_visit"`
	Context          map[string]any   `json:"context,omitempty"`
	GuestID          string           `json:"guest_id,omitempty"`
}

// Validate checks the request against its validation tags.
func (r *StartChatRequest) Validate() error {
	return coreValidate.Struct(r)
}

// SendMessageRequest is the body for POST /ai/chat/:id/message.
type SendMessageRequest struct {
	CorrelationID string `json:"correlation_id" validate:"required,uuid4"`
	Content       string `json:"content" validate:"required,maxbytes"`
	CreatedAt     int64  `json:"created_at" validate:"required,gt=0"`
	GuestID       string `json:"guest_id,omitempty"`
}

// Validate checks the request against its validation tags.
func (r *SendMessageRequest) Validate() error {
	return coreValidate.Struct(r)
}

// SendMessageResponse is the confirmed batch the server returns for a
// send: the acknowledged user message (echoing the correlation id)
// plus zero or more assistant replies.
type SendMessageResponse struct {
	Messages []Message `json:"messages"`
}

// MessagesPage is one page of chat history from
// GET /ai/chat/:id/messages.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int       `json:"total"`
}

// SearchRequest is the body for POST /ai/search.
type SearchRequest struct {
	ChatID  string         `json:"chat_id,omitempty"`
	Query   string         `json:"query" validate:"required,maxbytes"`
	Filters map[string]any `json:"filters,omitempty"`
	GuestID string         `json:"guest_id,omitempty"`
}

// Validate checks the request against its validation tags.
func (r *SearchRequest) Validate() error {
	return coreValidate.Struct(r)
}

// SearchResponse is the final result of a conversational search.
// Progress along the way arrives as searchProgress events on the
// real-time channel, not in this response.
type SearchResponse struct {
	Properties []PropertySuggestion `json:"properties"`
	Summary    string               `json:"summary,omitempty"`
}

// UpdateContextRequest is the body for PATCH /ai/chat/:id/context.
type UpdateContextRequest struct {
	Context map[string]any `json:"context" validate:"required"`
	GuestID string         `json:"guest_id,omitempty"`
}

// ChatFeedbackRequest is the body for POST /ai/chat/:id/feedback and,
// with MessageID unset there, for message-level feedback.
type ChatFeedbackRequest struct {
	Rating  int    `json:"rating" validate:"gte=1,lte=5"`
	Helpful bool   `json:"helpful"`
	Comment string `json:"comment,omitempty" validate:"omitempty,maxbytes"`
	GuestID string `json:"guest_id,omitempty"`
}

// Validate checks the request against its validation tags.
func (r *ChatFeedbackRequest) Validate() error {
	return coreValidate.Struct(r)
}
