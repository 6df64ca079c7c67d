// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file models the real-time push channel: the join/leave frames a
// client sends and the tagged event union the server pushes. Inbound
// payloads are dynamic JSON from the wire, so every event is validated
// at the boundary before it can touch the message cache.

package datatypes

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Client → Server Frames
// =============================================================================

// RoomAction is a frame sent by the client on the push channel.
type RoomAction struct {
	Action  string `json:"action" validate:"required,oneof=join leave"`
	ChatID  string `json:"chat_id" validate:"required"`
	GuestID string `json:"guest_id,omitempty"`
}

// =============================================================================
// Server → Client Events
// =============================================================================

// EventType tags an inbound real-time event.
type EventType string

const (
	// EventMessage delivers an assistant message out of band
	// (wire event name: aiMessageResponse).
	EventMessage EventType = "message"

	// EventTyping flips the assistant typing indicator
	// (wire event name: aiChatTyping).
	EventTyping EventType = "typing"

	// EventProgress streams conversational search progress
	// (wire event name: searchProgress).
	EventProgress EventType = "progress"
)

// wireEventNames maps the web client's event names onto the tagged
// union. Both forms are accepted on decode.
var wireEventNames = map[string]EventType{
	"aiMessageResponse": EventMessage,
	"aiChatTyping":      EventTyping,
	"searchProgress":    EventProgress,
}

// MessageEvent is the payload of an aiMessageResponse push. The nested
// message is checked explicitly in DecodeEvent; "required" does not
// reject a zero-valued nested struct.
type MessageEvent struct {
	ChatID  string  `json:"chat_id" validate:"required"`
	Message Message `json:"message"`
}

// TypingEvent is the payload of an aiChatTyping push.
type TypingEvent struct {
	ChatID string `json:"chat_id" validate:"required"`
	Typing bool   `json:"typing"`
}

// ProgressEvent is the payload of a searchProgress push.
type ProgressEvent struct {
	ChatID  string  `json:"chat_id" validate:"required"`
	Stage   string  `json:"stage" validate:"required"`
	Detail  string  `json:"detail,omitempty"`
	Percent float64 `json:"percent" validate:"gte=0,lte=100"`
}

// Event is the decoded, validated form of an inbound push. Exactly one
// payload pointer is non-nil, selected by Type.
type Event struct {
	Type     EventType
	Message  *MessageEvent
	Typing   *TypingEvent
	Progress *ProgressEvent
}

// ChatID returns the chat the event targets, regardless of type.
func (e Event) ChatID() string {
	switch e.Type {
	case EventMessage:
		return e.Message.ChatID
	case EventTyping:
		return e.Typing.ChatID
	case EventProgress:
		return e.Progress.ChatID
	}
	return ""
}

// wireEvent is the raw frame shape before payload dispatch.
type wireEvent struct {
	Type    string          `json:"type,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent parses and validates one inbound push frame.
//
// # Description
//
// Accepts either the canonical tag ("message", "typing", "progress")
// in the "type" field or the web client's event name ("aiMessageResponse",
// "aiChatTyping", "searchProgress") in the "event" field. The payload
// is decoded into the matching struct and checked against its
// validation tags. Unknown or malformed frames are rejected — never
// applied ad hoc.
//
// # Inputs
//
//   - raw: One complete frame as received from the channel.
//
// # Outputs
//
//   - Event: Decoded event with exactly one payload set.
//   - error: Non-nil for unknown tags, bad JSON, or validation failure.
func DecodeEvent(raw []byte) (Event, error) {
	var frame wireEvent
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, fmt.Errorf("decode event frame: %w", err)
	}

	tag := EventType(frame.Type)
	if frame.Type == "" {
		mapped, ok := wireEventNames[frame.Event]
		if !ok {
			return Event{}, fmt.Errorf("unknown event name %q", frame.Event)
		}
		tag = mapped
	}

	switch tag {
	case EventMessage:
		var p MessageEvent
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode message event: %w", err)
		}
		if err := coreValidate.Struct(&p); err != nil {
			return Event{}, fmt.Errorf("invalid message event: %w", err)
		}
		// A push without an actual message must never reach the cache.
		if p.Message.ID == "" || p.Message.Sender == "" {
			return Event{}, fmt.Errorf("invalid message event: missing message id or sender")
		}
		return Event{Type: EventMessage, Message: &p}, nil

	case EventTyping:
		var p TypingEvent
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode typing event: %w", err)
		}
		if err := coreValidate.Struct(&p); err != nil {
			return Event{}, fmt.Errorf("invalid typing event: %w", err)
		}
		return Event{Type: EventTyping, Typing: &p}, nil

	case EventProgress:
		var p ProgressEvent
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode progress event: %w", err)
		}
		if err := coreValidate.Struct(&p); err != nil {
			return Event{}, fmt.Errorf("invalid progress event: %w", err)
		}
		return Event{Type: EventProgress, Progress: &p}, nil

	default:
		return Event{}, fmt.Errorf("unknown event type %q", frame.Type)
	}
}

// EncodeEvent builds the wire frame for an event. Used by the
// simulator and by bridge tests. The web-compatible event name is
// written alongside the canonical tag.
func EncodeEvent(e Event) ([]byte, error) {
	var payload any
	var name string
	switch e.Type {
	case EventMessage:
		payload, name = e.Message, "aiMessageResponse"
	case EventTyping:
		payload, name = e.Typing, "aiChatTyping"
	case EventProgress:
		payload, name = e.Progress, "searchProgress"
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	return json.Marshal(wireEvent{Type: string(e.Type), Event: name, Payload: raw})
}
