// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
)

var errChatNotFound = errors.New("chat not found")

// sessionRecord is one simulated chat with its messages and feedback.
type sessionRecord struct {
	session   datatypes.ChatSession
	messages  []datatypes.Message
	ownerRef  string
	searches  int
	feedback  []datatypes.ChatFeedbackRequest
	responses []time.Duration
}

// memoryStore is the simulator's session database. Everything lives in
// memory; restarting the simulator wipes it, which is the point.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*sessionRecord)}
}

func (s *memoryStore) createSession(ownerRef string, convType datatypes.ConversationType, context map[string]any) datatypes.ChatSession {
	now := time.Now().UnixMilli()
	session := datatypes.ChatSession{
		ID:               uuid.New().String(),
		ParticipantRefs:  []string{ownerRef, "assistant"},
		ConversationType: convType,
		IsActive:         true,
		ContextSnapshot:  context,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.mu.Lock()
	s.sessions[session.ID] = &sessionRecord{session: session, ownerRef: ownerRef}
	s.mu.Unlock()
	return session
}

func (s *memoryStore) getSession(chatID string) (datatypes.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return datatypes.ChatSession{}, errChatNotFound
	}
	return rec.session, nil
}

func (s *memoryStore) listSessions(ownerRef, status string, page, limit int) []datatypes.ChatSummary {
	s.mu.RLock()
	var all []datatypes.ChatSummary
	for _, rec := range s.sessions {
		if ownerRef != "" && rec.ownerRef != ownerRef {
			continue
		}
		if status == "active" && !rec.session.IsActive {
			continue
		}
		if status == "ended" && rec.session.IsActive {
			continue
		}
		summary := datatypes.ChatSummary{
			ID:               rec.session.ID,
			ConversationType: rec.session.ConversationType,
			IsActive:         rec.session.IsActive,
			MessageCount:     len(rec.messages),
			UpdatedAt:        rec.session.UpdatedAt,
		}
		if n := len(rec.messages); n > 0 {
			summary.LastMessage = rec.messages[n-1].Content
		}
		all = append(all, summary)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt > all[j].UpdatedAt })
	return paginate(all, page, limit)
}

// appendMessage stores a message and bumps the session's UpdatedAt.
func (s *memoryStore) appendMessage(chatID string, msg datatypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return errChatNotFound
	}
	rec.messages = append(rec.messages, msg)
	rec.session.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// findByCorrelation reports whether a user message with this
// correlation id was already accepted, for send idempotency.
func (s *memoryStore) findByCorrelation(chatID, correlationID string) (datatypes.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return datatypes.Message{}, false
	}
	for _, m := range rec.messages {
		if m.CorrelationID == correlationID {
			return m, true
		}
	}
	return datatypes.Message{}, false
}

func (s *memoryStore) messagesPage(chatID string, page, limit int) (datatypes.MessagesPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return datatypes.MessagesPage{}, errChatNotFound
	}
	msgs := make([]datatypes.Message, len(rec.messages))
	copy(msgs, rec.messages)
	return datatypes.MessagesPage{
		Messages: paginate(msgs, page, limit),
		Page:     page,
		Limit:    limit,
		Total:    len(rec.messages),
	}, nil
}

func (s *memoryStore) updateContext(chatID string, context map[string]any) (datatypes.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return datatypes.ChatSession{}, errChatNotFound
	}
	if rec.session.ContextSnapshot == nil {
		rec.session.ContextSnapshot = make(map[string]any)
	}
	for k, v := range context {
		rec.session.ContextSnapshot[k] = v
	}
	rec.session.UpdatedAt = time.Now().UnixMilli()
	return rec.session, nil
}

// endSession flips IsActive; messages stay browsable.
func (s *memoryStore) endSession(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return errChatNotFound
	}
	rec.session.IsActive = false
	rec.session.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (s *memoryStore) addFeedback(chatID string, fb datatypes.ChatFeedbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return errChatNotFound
	}
	rec.feedback = append(rec.feedback, fb)
	return nil
}

func (s *memoryStore) setMessageFeedback(chatID, messageID string, fb datatypes.MessageFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return errChatNotFound
	}
	for i := range rec.messages {
		if rec.messages[i].ID == messageID {
			rec.messages[i].Feedback = &fb
			return nil
		}
	}
	return errors.New("message not found")
}

func (s *memoryStore) recordSearch(chatID string) {
	s.mu.Lock()
	if rec, ok := s.sessions[chatID]; ok {
		rec.searches++
	}
	s.mu.Unlock()
}

func (s *memoryStore) recordResponseTime(chatID string, d time.Duration) {
	s.mu.Lock()
	if rec, ok := s.sessions[chatID]; ok {
		rec.responses = append(rec.responses, d)
	}
	s.mu.Unlock()
}

func (s *memoryStore) analytics(chatID string) (datatypes.ChatAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[chatID]
	if !ok {
		return datatypes.ChatAnalytics{}, errChatNotFound
	}

	out := datatypes.ChatAnalytics{
		ChatID:            chatID,
		MessageCount:      len(rec.messages),
		SearchesPerformed: rec.searches,
	}
	for _, m := range rec.messages {
		if !m.FromAssistant() {
			out.UserMessageCount++
		}
		out.PropertiesShown += len(m.PropertySuggestions)
	}
	if n := len(rec.messages); n > 0 {
		out.FirstMessageAt = rec.messages[0].CreatedAt
		out.LastMessageAt = rec.messages[n-1].CreatedAt
	}
	if n := len(rec.responses); n > 0 {
		var total time.Duration
		for _, d := range rec.responses {
			total += d
		}
		out.AvgResponseMs = float64(total.Milliseconds()) / float64(n)
	}
	if n := len(rec.feedback); n > 0 {
		sum := 0
		for _, fb := range rec.feedback {
			sum += fb.Rating
		}
		out.FeedbackScore = float64(sum) / float64(n)
	}
	return out, nil
}

// paginate slices one 1-based page out of items.
func paginate[T any](items []T, page, limit int) []T {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
