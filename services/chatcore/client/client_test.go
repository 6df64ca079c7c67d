// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/coordinator"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/identity"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// guestResolver is an identity resolver with a known guest id and no
// ambient credential.
func guestResolver(t *testing.T) *identity.Resolver {
	t.Helper()
	creds := identity.CredentialFunc(func() (string, bool) { return "", false })
	return identity.NewResolver(creds, seededKV("g_test_guest"), quietLogger())
}

func authResolver(t *testing.T) *identity.Resolver {
	t.Helper()
	creds := identity.CredentialFunc(func() (string, bool) { return "usr_7", true })
	return identity.NewResolver(creds, seededKV(""), quietLogger())
}

type kvMap map[string]string

func seededKV(guestID string) kvMap {
	kv := kvMap{}
	if guestID != "" {
		kv[identity.GuestIDKey] = guestID
	}
	return kv
}

func (m kvMap) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", identity.ErrKeyNotFound
	}
	return v, nil
}
func (m kvMap) Set(key, value string) error { m[key] = value; return nil }
func (m kvMap) Delete(key string) error     { delete(m, key); return nil }

func newTestClient(t *testing.T, server *httptest.Server, resolver *identity.Resolver) *Client {
	t.Helper()
	return New(Config{
		BaseURL:     server.URL,
		HTTPClient:  server.Client(),
		Identity:    resolver,
		Coordinator: coordinator.New(coordinator.Config{Logger: quietLogger()}),
		Logger:      quietLogger(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, envelope datatypes.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope)
}

func TestStartChat_GuestIDTravelsInBody(t *testing.T) {
	var gotBody datatypes.StartChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ai/chat" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		writeEnvelope(w, http.StatusCreated, datatypes.OK(datatypes.ChatSession{
			ID:       "chat-1",
			IsActive: true,
		}))
	}))
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	session, err := c.StartChat(context.Background(), datatypes.ConversationGeneral, nil)
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if session.ID != "chat-1" {
		t.Errorf("Session ID = %q", session.ID)
	}
	if gotBody.GuestID != "g_test_guest" {
		t.Errorf("Guest id not in body: %q", gotBody.GuestID)
	}
}

func TestStartChat_AuthenticatedOmitsGuestID(t *testing.T) {
	var gotBody datatypes.StartChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, http.StatusCreated, datatypes.OK(datatypes.ChatSession{ID: "chat-1"}))
	}))
	defer server.Close()

	c := newTestClient(t, server, authResolver(t))
	if _, err := c.StartChat(context.Background(), datatypes.ConversationGeneral, nil); err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if gotBody.GuestID != "" {
		t.Errorf("Authenticated request must not carry a guest id, got %q", gotBody.GuestID)
	}
}

func TestFetchMessages_GuestIDTravelsInQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("guest_id"); got != "g_test_guest" {
			t.Errorf("guest_id query = %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page query = %q", got)
		}
		writeEnvelope(w, http.StatusOK, datatypes.OK(datatypes.MessagesPage{Page: 2, Limit: 50}))
	}))
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	page, err := c.FetchMessages(context.Background(), "chat-1", 2, 50)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if page.Page != 2 {
		t.Errorf("Page = %d", page.Page)
	}
}

func TestSendMessage_RequiresChatID(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	_, err := c.SendMessage(context.Background(), "", datatypes.Message{})
	if !errors.Is(err, ErrNoChatID) {
		t.Errorf("Expected ErrNoChatID, got %v", err)
	}
}

func TestSendMessage_RejectionPreservesServerMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnprocessableEntity, datatypes.Fail("message too long"))
	}))
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	msg := datatypes.NewUserMessage("chat-1", "guest:g_test_guest", "hello")
	_, err := c.SendMessage(context.Background(), "chat-1", msg)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if !apiErr.Rejection() {
		t.Errorf("Expected a rejection, got status %d", apiErr.StatusCode)
	}
	if apiErr.Message != "message too long" {
		t.Errorf("Server message lost: %q", apiErr.Message)
	}
}

func TestSendMessage_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // immediately unreachable

	resolver := guestResolver(t)
	c := New(Config{
		BaseURL:     server.URL,
		Identity:    resolver,
		Coordinator: coordinator.New(coordinator.Config{Logger: quietLogger()}),
		Timeout:     time.Second,
		Logger:      quietLogger(),
	})

	msg := datatypes.NewUserMessage("chat-1", "guest:g_test_guest", "hello")
	_, err := c.SendMessage(context.Background(), "chat-1", msg)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if !apiErr.Transport() {
		t.Errorf("Expected a transport failure, got status %d", apiErr.StatusCode)
	}
}

func TestSendMessage_DuplicateContentCollapses(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release // hold the call open so the repeat attaches
		writeEnvelope(w, http.StatusOK, datatypes.OK(datatypes.SendMessageResponse{}))
	}))
	defer server.Close()

	coord := coordinator.New(coordinator.Config{Logger: quietLogger()})
	c := New(Config{
		BaseURL:     server.URL,
		HTTPClient:  server.Client(),
		Identity:    guestResolver(t),
		Coordinator: coord,
		Logger:      quietLogger(),
	})

	done := make(chan error, 2)
	send := func() {
		// Each caller mints its own correlation id, but the dedupe key
		// is chat + content, so the second attaches to the first.
		m := datatypes.NewUserMessage("chat-1", "guest:g_test_guest", "same text")
		_, err := c.SendMessage(context.Background(), "chat-1", m)
		done <- err
	}

	go send()
	key := coordinator.Key("send", "chat-1", "same text")
	deadline := time.Now().Add(2 * time.Second)
	for !coord.InFlight(key) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	go send()
	// Give the second caller time to reach the coordinator, then let
	// the backend respond.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("send %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("Expected 1 backend hit for duplicate sends, got %d", got)
	}
}

func TestEndChat_PatchWithGuestQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("Method = %s, want PATCH", r.Method)
		}
		if r.URL.Path != "/ai/chat/chat-1/end" {
			t.Errorf("Path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("guest_id") == "" {
			t.Error("Expected guest_id query for a guest actor")
		}
		writeEnvelope(w, http.StatusOK, datatypes.OK(nil))
	}))
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	if err := c.EndChat(context.Background(), "chat-1"); err != nil {
		t.Fatalf("EndChat: %v", err)
	}
}

func TestSearch_DecodesResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ai/search" {
			t.Errorf("Path = %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, datatypes.OK(datatypes.SearchResponse{
			Properties: []datatypes.PropertySuggestion{{PropertyID: "p1", Title: "2BHK"}},
			Summary:    "one match",
		}))
	}))
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	out, err := c.Search(context.Background(), datatypes.SearchRequest{
		ChatID: "chat-1",
		Query:  "2bhk in hsr",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Properties) != 1 || out.Properties[0].PropertyID != "p1" {
		t.Errorf("Results not decoded: %+v", out.Properties)
	}
}

func TestSubmitChatFeedback_ValidatesRating(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	err := c.SubmitChatFeedback(context.Background(), "chat-1", datatypes.ChatFeedbackRequest{Rating: 9})
	if err == nil {
		t.Error("Out-of-range rating should fail validation before any network call")
	}
}

func TestDoJSON_EnvelopeFailureWithOKStatus(t *testing.T) {
	// Some backends report failures inside a 200 envelope.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, datatypes.Fail("chat expired"))
	}))
	defer server.Close()

	c := newTestClient(t, server, guestResolver(t))
	_, err := c.GetChat(context.Background(), "chat-1")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Message != "chat expired" {
		t.Errorf("Envelope message lost: %q", apiErr.Message)
	}
}
