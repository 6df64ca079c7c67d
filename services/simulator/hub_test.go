// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
)

// newSimServer stands up the full simulator router on an ephemeral
// port and returns it with a helper to build the ws URL.
func newSimServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := testLogger()
	router := gin.New()
	hub := newHub(logger)
	newHandlers(newMemoryStore(), NewScript(logger), hub, logger).registerRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, hub
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ai/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinRoom(t *testing.T, conn *websocket.Conn, hub *Hub, chatID string) {
	t.Helper()
	if err := conn.WriteJSON(datatypes.RoomAction{Action: "join", ChatID: chatID, GuestID: "guest-test"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Join is processed by the server's read loop; wait for the room
	// to register before broadcasting at it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.RoomSize(chatID) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("room never registered the client")
}

func TestHub_BroadcastReachesJoinedRoomOnly(t *testing.T) {
	server, hub := newSimServer(t)
	conn := dialWS(t, server)
	joinRoom(t, conn, hub, "chat-a")

	// An event for a different chat must not reach this client.
	hub.Broadcast(datatypes.Event{
		Type:   datatypes.EventTyping,
		Typing: &datatypes.TypingEvent{ChatID: "chat-b", Typing: true},
	})
	hub.Broadcast(datatypes.Event{
		Type:   datatypes.EventTyping,
		Typing: &datatypes.TypingEvent{ChatID: "chat-a", Typing: true},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	event, err := datatypes.DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.ChatID() != "chat-a" {
		t.Errorf("Received event for %q, expected chat-a only", event.ChatID())
	}
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	server, hub := newSimServer(t)
	conn := dialWS(t, server)
	joinRoom(t, conn, hub, "chat-a")

	if err := conn.WriteJSON(datatypes.RoomAction{Action: "leave", ChatID: "chat-a"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.RoomSize("chat-a") == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.RoomSize("chat-a") != 0 {
		t.Fatal("room still holds the client after leave")
	}

	hub.Broadcast(datatypes.Event{
		Type:   datatypes.EventTyping,
		Typing: &datatypes.TypingEvent{ChatID: "chat-a", Typing: true},
	})
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Received an event after leaving the room")
	}
}

// TestAsyncReplyOverWebsocket drives the whole flow: start a chat, join
// its room, send a message matching a delayed rule, and watch typing
// and the assistant reply arrive as pushes.
func TestAsyncReplyOverWebsocket(t *testing.T) {
	server, hub := newSimServer(t)

	client := server.Client()
	resp, err := client.Post(server.URL+"/ai/chat", "application/json",
		strings.NewReader(`{"conversation_type":"general","guest_id":"guest-test"}`))
	if err != nil {
		t.Fatalf("start chat: %v", err)
	}
	var envelope datatypes.Envelope
	if err := decodeBody(resp, &envelope); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	var session datatypes.ChatSession
	if err := envelope.DecodeData(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	conn := dialWS(t, server)
	joinRoom(t, conn, hub, session.ID)

	body := fmt.Sprintf(`{"correlation_id":%q,"content":"show me a 2bhk","created_at":%d,"guest_id":"guest-test"}`,
		uuid.New().String(), time.Now().UnixMilli())
	resp, err = client.Post(
		fmt.Sprintf("%s/ai/chat/%s/message", server.URL, session.ID),
		"application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var sendEnvelope datatypes.Envelope
	if err := decodeBody(resp, &sendEnvelope); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	var sent datatypes.SendMessageResponse
	if err := sendEnvelope.DecodeData(&sent); err != nil {
		t.Fatalf("decode send data: %v", err)
	}
	if len(sent.Messages) != 1 {
		t.Fatalf("Delayed rule should confirm only the user message inline, got %d", len(sent.Messages))
	}

	var sawTyping, sawMessage bool
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !sawMessage {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read push (typing=%v message=%v): %v", sawTyping, sawMessage, err)
		}
		event, err := datatypes.DecodeEvent(raw)
		if err != nil {
			t.Fatalf("decode push: %v", err)
		}
		switch event.Type {
		case datatypes.EventTyping:
			if event.Typing.Typing {
				sawTyping = true
			}
		case datatypes.EventMessage:
			sawMessage = true
			if !event.Message.Message.FromAssistant() {
				t.Error("Pushed message should be from the assistant")
			}
		}
	}
	if !sawTyping {
		t.Error("Expected a typing event before the reply")
	}
}

func decodeBody(resp *http.Response, out *datatypes.Envelope) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
