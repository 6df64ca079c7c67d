// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// ConversationType selects the assistant mode for a chat session.
type ConversationType string

const (
	// ConversationGeneral is open-ended property Q&A.
	ConversationGeneral ConversationType = "general"

	// ConversationPropertySearch is a guided search conversation; the
	// assistant narrows listings turn by turn.
	ConversationPropertySearch ConversationType = "property_search"

	// ConversationSiteVisit schedules and discusses property visits.
	ConversationSiteVisit ConversationType = "site_visit"
)

// ChatSession is one conversation with the assistant. The server owns
// the session; clients hold a cached projection of it. Sessions are
// never deleted client-side — history stays browsable after an
// explicit end, which only flips IsActive.
type ChatSession struct {
	ID               string           `json:"id"`
	ParticipantRefs  []string         `json:"participant_refs"`
	ConversationType ConversationType `json:"conversation_type"`
	IsActive         bool             `json:"is_active"`
	ContextSnapshot  map[string]any   `json:"context_snapshot,omitempty"`
	CreatedAt        int64            `json:"created_at"`
	UpdatedAt        int64            `json:"updated_at"`
}

// ChatSummary is the list-view projection returned by GET /ai/chats.
type ChatSummary struct {
	ID               string           `json:"id"`
	ConversationType ConversationType `json:"conversation_type"`
	IsActive         bool             `json:"is_active"`
	LastMessage      string           `json:"last_message,omitempty"`
	MessageCount     int              `json:"message_count"`
	UpdatedAt        int64            `json:"updated_at"`
}

// ChatAnalytics summarises a session for GET /ai/chat/:id/analytics.
type ChatAnalytics struct {
	ChatID             string  `json:"chat_id"`
	MessageCount       int     `json:"message_count"`
	UserMessageCount   int     `json:"user_message_count"`
	PropertiesShown    int     `json:"properties_shown"`
	AvgResponseMs      float64 `json:"avg_response_ms"`
	FeedbackScore      float64 `json:"feedback_score"`
	FirstMessageAt     int64   `json:"first_message_at"`
	LastMessageAt      int64   `json:"last_message_at"`
	SearchesPerformed  int     `json:"searches_performed"`
	SuggestionsClicked int     `json:"suggestions_clicked"`
}
