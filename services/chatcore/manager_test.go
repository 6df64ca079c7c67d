// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/bridge"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/cache"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/client"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/coordinator"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/identity"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type kvMap struct {
	mu   sync.Mutex
	data map[string]string
}

func newKVMap() *kvMap { return &kvMap{data: make(map[string]string)} }

func (m *kvMap) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", identity.ErrKeyNotFound
	}
	return v, nil
}
func (m *kvMap) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}
func (m *kvMap) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// fakeBackend is a minimal chat server covering the REST surface and
// the websocket endpoint, with switchable send behavior.
type fakeBackend struct {
	server *httptest.Server

	mu          sync.Mutex
	failSends   bool
	sendGate    chan struct{}
	sendCalls   int
	roomActions []datatypes.RoomAction
	history     map[string][]datatypes.Message
	feedback    []datatypes.ChatFeedbackRequest
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{history: make(map[string][]datatypes.Message)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ai/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var action datatypes.RoomAction
			if err := conn.ReadJSON(&action); err != nil {
				return
			}
			fb.mu.Lock()
			fb.roomActions = append(fb.roomActions, action)
			fb.mu.Unlock()
		}
	})
	mux.HandleFunc("/ai/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, datatypes.OK(datatypes.ChatSession{
			ID:               "chat-1",
			ConversationType: datatypes.ConversationGeneral,
			IsActive:         true,
		}))
	})
	mux.HandleFunc("/ai/chat/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/message"):
			fb.handleSend(w, r)
		case strings.HasSuffix(r.URL.Path, "/messages"):
			chatID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ai/chat/"), "/messages")
			fb.mu.Lock()
			msgs := fb.history[chatID]
			fb.mu.Unlock()
			writeJSON(w, http.StatusOK, datatypes.OK(datatypes.MessagesPage{
				Messages: msgs,
				Page:     1,
				Limit:    50,
				Total:    len(msgs),
			}))
		case strings.HasSuffix(r.URL.Path, "/end"):
			writeJSON(w, http.StatusOK, datatypes.OK(nil))
		case strings.HasSuffix(r.URL.Path, "/feedback"):
			var req datatypes.ChatFeedbackRequest
			json.NewDecoder(r.Body).Decode(&req)
			fb.mu.Lock()
			fb.feedback = append(fb.feedback, req)
			fb.mu.Unlock()
			writeJSON(w, http.StatusOK, datatypes.OK(nil))
		default:
			chatID := strings.TrimPrefix(r.URL.Path, "/ai/chat/")
			writeJSON(w, http.StatusOK, datatypes.OK(datatypes.ChatSession{
				ID:       chatID,
				IsActive: true,
			}))
		}
	})
	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fail := fb.failSends
	gate := fb.sendGate
	fb.sendCalls++
	fb.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail {
		writeJSON(w, http.StatusUnprocessableEntity, datatypes.Fail("message rejected"))
		return
	}

	var req datatypes.SendMessageRequest
	json.NewDecoder(r.Body).Decode(&req)
	chatID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ai/chat/"), "/message")
	confirmed := datatypes.Message{
		ID:            uuid.New().String(),
		CorrelationID: req.CorrelationID,
		ChatID:        chatID,
		Sender:        "guest:" + req.GuestID,
		Kind:          datatypes.MessageKindText,
		Content:       req.Content,
		CreatedAt:     req.CreatedAt,
	}
	reply := datatypes.Message{
		ID:      uuid.New().String(),
		ChatID:  chatID,
		Sender:  datatypes.SenderAssistant,
		Kind:    datatypes.MessageKindAssistantResponse,
		Content: "assistant reply",
	}
	writeJSON(w, http.StatusOK, datatypes.OK(datatypes.SendMessageResponse{
		Messages: []datatypes.Message{confirmed, reply},
	}))
}

func (fb *fakeBackend) setFailSends(fail bool) {
	fb.mu.Lock()
	fb.failSends = fail
	fb.mu.Unlock()
}

// gateSends makes send handling block until the returned channel is
// closed, so a test can pile up concurrent callers.
func (fb *fakeBackend) gateSends() chan struct{} {
	gate := make(chan struct{})
	fb.mu.Lock()
	fb.sendGate = gate
	fb.mu.Unlock()
	return gate
}

func (fb *fakeBackend) sends() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.sendCalls
}

func (fb *fakeBackend) actions() []datatypes.RoomAction {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]datatypes.RoomAction, len(fb.roomActions))
	copy(out, fb.roomActions)
	return out
}

func (fb *fakeBackend) waitActions(t *testing.T, n int) []datatypes.RoomAction {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := fb.actions(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d room actions, have %v", n, fb.actions())
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestManager(t *testing.T, fb *fakeBackend) (*Manager, *kvMap) {
	t.Helper()
	kv := newKVMap()
	creds := identity.CredentialFunc(func() (string, bool) { return "", false })
	resolver := identity.NewResolver(creds, kv, quietLogger())
	store := cache.New(nil, quietLogger())
	coord := coordinator.New(coordinator.Config{Logger: quietLogger()})

	apiClient := client.New(client.Config{
		BaseURL:     fb.server.URL,
		HTTPClient:  fb.server.Client(),
		Identity:    resolver,
		Coordinator: coord,
		Logger:      quietLogger(),
	})
	br := bridge.New(bridge.Config{
		URL:      "ws" + strings.TrimPrefix(fb.server.URL, "http") + "/ai/ws",
		Identity: resolver,
		Cache:    store,
		Logger:   quietLogger(),
	})
	m := NewManager(ManagerConfig{
		Identity: resolver,
		Client:   apiClient,
		Cache:    store,
		Bridge:   br,
		Logger:   quietLogger(),
	})
	t.Cleanup(m.Close)
	return m, kv
}

func TestStartChat_SetsCurrentAndAttaches(t *testing.T) {
	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb)

	session, err := m.StartChat(context.Background(), datatypes.ConversationGeneral, nil)
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if session.ID != "chat-1" {
		t.Errorf("Session ID = %q", session.ID)
	}
	if m.CurrentChat() != "chat-1" {
		t.Errorf("CurrentChat = %q, want chat-1", m.CurrentChat())
	}

	actions := fb.waitActions(t, 1)
	if actions[0].Action != "join" || actions[0].ChatID != "chat-1" {
		t.Errorf("Expected a join for chat-1, got %+v", actions[0])
	}
	if actions[0].GuestID == "" {
		t.Error("Guest join should carry the guest id")
	}
}

func TestSendMessage_OptimisticFlow(t *testing.T) {
	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb)

	if _, err := m.StartChat(context.Background(), datatypes.ConversationGeneral, nil); err != nil {
		t.Fatalf("StartChat: %v", err)
	}

	var notifications int
	m.Cache().Subscribe(func(string) { notifications++ })

	confirmed, err := m.SendMessage(context.Background(), "chat-1", "hello there")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(confirmed) != 2 {
		t.Fatalf("Expected confirmed user message + reply, got %d", len(confirmed))
	}

	msgs := m.Messages("chat-1")
	if len(msgs) != 2 {
		t.Fatalf("Cache holds %d messages, want 2", len(msgs))
	}
	if !msgs[0].Confirmed() {
		t.Error("User message should be confirmed after the send resolves")
	}
	if msgs[0].Content != "hello there" {
		t.Errorf("User content = %q", msgs[0].Content)
	}
	if !msgs[1].FromAssistant() {
		t.Error("Second message should be the assistant reply")
	}
	if m.Cache().PendingCount("chat-1") != 0 {
		t.Error("No placeholder should remain after confirmation")
	}
	// At minimum: one notification for the optimistic append, one for
	// the reconciliation.
	if notifications < 2 {
		t.Errorf("Expected at least 2 cache notifications, got %d", notifications)
	}
}

func TestSendMessage_DoubleClickKeepsOneCopy(t *testing.T) {
	fb := newFakeBackend(t)
	gate := fb.gateSends()
	m, _ := newTestManager(t, fb)

	if _, err := m.StartChat(context.Background(), datatypes.ConversationGeneral, nil); err != nil {
		t.Fatalf("StartChat: %v", err)
	}

	const content = "Show me 2BHK in Mumbai"
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.SendMessage(context.Background(), "chat-1", content)
			results <- err
		}()
	}

	// Both placeholders render while a single request sits blocked at
	// the backend.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fb.sends() == 1 && m.Cache().PendingCount("chat-1") == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fb.sends() != 1 || m.Cache().PendingCount("chat-1") != 2 {
		t.Fatalf("sends = %d, pending = %d; want 1 send and 2 placeholders",
			fb.sends(), m.Cache().PendingCount("chat-1"))
	}
	// Let the duplicate caller reach the request layer and collapse
	// onto the in-flight call before it resolves.
	time.Sleep(100 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	if fb.sends() != 1 {
		t.Errorf("Backend saw %d send calls, want 1", fb.sends())
	}
	var users, assistants int
	for _, msg := range m.Messages("chat-1") {
		if msg.FromAssistant() {
			assistants++
		} else {
			users++
		}
	}
	if users != 1 {
		t.Errorf("Cache holds %d user messages after double-click, want 1", users)
	}
	if assistants != 1 {
		t.Errorf("Cache holds %d assistant replies, want 1", assistants)
	}
	if m.Cache().PendingCount("chat-1") != 0 {
		t.Errorf("PendingCount = %d, want 0", m.Cache().PendingCount("chat-1"))
	}
}

func TestSendMessage_FailureRollsBackWithContent(t *testing.T) {
	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb)

	if _, err := m.StartChat(context.Background(), datatypes.ConversationGeneral, nil); err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	fb.setFailSends(true)

	_, err := m.SendMessage(context.Background(), "chat-1", "my precious draft")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("Expected *SendError, got %T: %v", err, err)
	}
	if sendErr.OriginalContent != "my precious draft" {
		t.Errorf("OriginalContent = %q", sendErr.OriginalContent)
	}

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || !apiErr.Rejection() {
		t.Errorf("Underlying error should be a server rejection, got %v", err)
	}

	if n := len(m.Messages("chat-1")); n != 0 {
		t.Errorf("Failed send left %d messages in the cache", n)
	}
}

func TestSendMessage_NoChatID(t *testing.T) {
	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb)

	_, err := m.SendMessage(context.Background(), "", "hello")
	if !errors.Is(err, client.ErrNoChatID) {
		t.Errorf("Expected ErrNoChatID, got %v", err)
	}
	// Precondition failures roll nothing back because nothing was
	// optimistically applied.
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		t.Error("Missing chat id should not be a SendError")
	}
}

func TestResumeChat_HydratesHistory(t *testing.T) {
	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb)

	fb.mu.Lock()
	fb.history["chat-7"] = []datatypes.Message{
		{ID: "m1", ChatID: "chat-7", Sender: "guest:g", Kind: datatypes.MessageKindText, Content: "earlier"},
		{ID: "a1", ChatID: "chat-7", Sender: datatypes.SenderAssistant, Kind: datatypes.MessageKindAssistantResponse, Content: "earlier reply"},
	}
	fb.mu.Unlock()

	session, err := m.ResumeChat(context.Background(), "chat-7", 1, 50)
	if err != nil {
		t.Fatalf("ResumeChat: %v", err)
	}
	if session.ID != "chat-7" {
		t.Errorf("Session ID = %q", session.ID)
	}
	if m.CurrentChat() != "chat-7" {
		t.Errorf("CurrentChat = %q", m.CurrentChat())
	}
	msgs := m.Messages("chat-7")
	if len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Errorf("History not hydrated: %+v", msgs)
	}

	actions := fb.waitActions(t, 1)
	last := actions[len(actions)-1]
	if last.Action != "join" || last.ChatID != "chat-7" {
		t.Errorf("Expected a join for chat-7, got %+v", last)
	}
}

func TestEndSession_DetachesAndClearsPointer(t *testing.T) {
	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb)

	if _, err := m.StartChat(context.Background(), datatypes.ConversationGeneral, nil); err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if err := m.EndSession(context.Background(), "chat-1"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if m.CurrentChat() != "" {
		t.Errorf("CurrentChat = %q, want empty", m.CurrentChat())
	}

	actions := fb.waitActions(t, 2)
	last := actions[len(actions)-1]
	if last.Action != "leave" || last.ChatID != "chat-1" {
		t.Errorf("Expected a leave for chat-1, got %+v", last)
	}
}

func TestSubmitFeedback_CarriesHelpfulFlag(t *testing.T) {
	fb := newFakeBackend(t)
	m, _ := newTestManager(t, fb)

	if err := m.SubmitChatFeedback(context.Background(), "chat-1", 5, true, "found my flat"); err != nil {
		t.Fatalf("SubmitChatFeedback: %v", err)
	}
	if err := m.SubmitMessageFeedback(context.Background(), "chat-1", "m1", 2, false, ""); err != nil {
		t.Fatalf("SubmitMessageFeedback: %v", err)
	}

	fb.mu.Lock()
	got := append([]datatypes.ChatFeedbackRequest(nil), fb.feedback...)
	fb.mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("Backend saw %d feedback submissions, want 2", len(got))
	}
	if got[0].Rating != 5 || !got[0].Helpful || got[0].Comment != "found my flat" {
		t.Errorf("Chat feedback on the wire = %+v", got[0])
	}
	if got[1].Rating != 2 || got[1].Helpful {
		t.Errorf("Message feedback on the wire = %+v", got[1])
	}
}

func TestAuthCompleted_DiscardsGuestState(t *testing.T) {
	fb := newFakeBackend(t)
	m, kv := newTestManager(t, fb)

	if _, err := m.StartChat(context.Background(), datatypes.ConversationGeneral, nil); err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if _, err := m.SendMessage(context.Background(), "chat-1", "guest message"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	guestBefore := m.Actor()
	if !guestBefore.IsGuest() {
		t.Fatal("Expected a guest actor before login")
	}

	m.AuthCompleted()

	if _, err := kv.Get(identity.GuestIDKey); !errors.Is(err, identity.ErrKeyNotFound) {
		t.Error("Guest id should be deleted from the store")
	}
	if m.CurrentChat() != "" {
		t.Error("Current chat pointer should be cleared")
	}
	if n := len(m.Messages("chat-1")); n != 0 {
		t.Errorf("Guest history should be dropped from the cache, found %d messages", n)
	}

	// Without a credential the next resolution mints a brand new guest;
	// the old identity is never reused.
	after := m.Actor()
	if after.ID == guestBefore.ID {
		t.Error("Discarded guest id must not be resurrected")
	}
}
