// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bridge maintains the real-time socket between the chat core
// and the backend. It owns room membership (one chat room at a time),
// decodes inbound pushes, and applies them to the message cache, which
// remains the only place chat state lives.
//
// # Lifecycle
//
//	Detached --Attach--> Joining --join ack sent--> Joined
//	Joined --Attach(other)--> leave old room first, then join new
//	any state --Detach--> Detached (idempotent)
//
// A dropped connection reconnects with capped exponential backoff and
// re-issues the join for the attached chat; join frames are idempotent
// server-side, so a duplicate join after an unnoticed drop is harmless.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/cache"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/identity"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/observability"
)

// State names the bridge connection lifecycle phase.
type State int

const (
	// Detached means no room membership and no active read loop.
	Detached State = iota
	// Joining means the socket is up and the join frame is in flight.
	Joining
	// Joined means events for the attached chat are flowing.
	Joined
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// ErrDetached is returned when an operation needs an attached chat.
var ErrDetached = errors.New("bridge: not attached to a chat")

// Dialer abstracts websocket dialing for tests. Production uses
// websocket.DefaultDialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config holds bridge construction options.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ai/ws. Required.
	URL string

	// Dialer may be nil, in which case websocket.DefaultDialer is used.
	Dialer Dialer

	// Identity resolves the guest id attached to join frames. Required.
	Identity *identity.Resolver

	// Cache receives decoded events. Required.
	Cache *cache.Store

	// Metrics may be nil.
	Metrics *observability.Metrics

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger

	// ReconnectBase is the first backoff delay. Zero means 500ms.
	ReconnectBase time.Duration

	// ReconnectMax caps the backoff. Zero means 30s.
	ReconnectMax time.Duration
}

// Bridge is the real-time event connection. All exported methods are
// safe for concurrent use.
type Bridge struct {
	url      string
	dialer   Dialer
	identity *identity.Resolver
	cache    *cache.Store
	metrics  *observability.Metrics
	logger   *slog.Logger

	reconnectBase time.Duration
	reconnectMax  time.Duration

	// admit serializes whole Attach/Detach transitions so two racing
	// callers can never both pass the teardown phase and leave two
	// read loops alive.
	admit sync.Mutex

	mu     sync.Mutex
	state  State
	chatID string
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a detached Bridge from cfg.
func New(cfg Config) *Bridge {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.ReconnectBase
	if base == 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := cfg.ReconnectMax
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}
	return &Bridge{
		url:           cfg.URL,
		dialer:        dialer,
		identity:      cfg.Identity,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
		logger:        logger,
		reconnectBase: base,
		reconnectMax:  maxDelay,
		state:         Detached,
	}
}

// State returns the current lifecycle phase.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AttachedChat returns the chat id the bridge is serving, empty when
// detached.
func (b *Bridge) AttachedChat() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatID
}

// Attach joins the room for chatID and starts the event loop.
//
// # Description
//
// If the bridge is already attached to another chat, that room is left
// completely first: the leave frame is written and the old read loop
// torn down before the new join goes out. Membership is therefore
// never ambiguous, regardless of how fast the user hops between
// sessions. Attaching to the already-attached chat is a no-op.
// Concurrent Attach and Detach calls run one at a time.
func (b *Bridge) Attach(ctx context.Context, chatID string) error {
	if chatID == "" {
		return ErrDetached
	}
	b.admit.Lock()
	defer b.admit.Unlock()

	b.mu.Lock()
	if b.state != Detached && b.chatID == chatID {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Full synchronous detach of any previous room before joining.
	b.detach()

	b.mu.Lock()
	b.state = Joining
	b.chatID = chatID
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	done := make(chan struct{})
	b.done = done
	b.mu.Unlock()

	conn, err := b.dial(ctx)
	if err != nil {
		b.reset()
		close(done)
		return err
	}

	if err := b.join(conn, chatID); err != nil {
		_ = conn.Close()
		b.reset()
		close(done)
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.state = Joined
	b.mu.Unlock()
	b.metrics.SubscriptionStarted()

	go b.readLoop(loopCtx, conn, chatID, done)
	return nil
}

// Detach leaves the current room and closes the socket. Safe to call
// at any time, including when already detached.
func (b *Bridge) Detach() {
	b.admit.Lock()
	defer b.admit.Unlock()
	b.detach()
}

// detach is the teardown body; the caller holds admit. The
// subscription gauge is only decremented when the attach actually
// reached Joined, so a failed attach leaves it balanced.
func (b *Bridge) detach() {
	b.mu.Lock()
	if b.state == Detached {
		b.mu.Unlock()
		return
	}
	chatID := b.chatID
	conn := b.conn
	cancel := b.cancel
	done := b.done
	joined := b.state == Joined
	b.mu.Unlock()

	if conn != nil {
		// Best effort; the server also unsubscribes on close.
		if err := b.writeLeave(conn, chatID); err != nil {
			b.logger.Debug("leave frame failed", "chat_id", chatID, "error", err)
		}
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	b.reset()
	if joined {
		b.metrics.SubscriptionEnded()
	}
}

func (b *Bridge) reset() {
	b.mu.Lock()
	b.state = Detached
	b.chatID = ""
	b.conn = nil
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()
}

// =============================================================================
// Wire plumbing
// =============================================================================

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	if _, err := url.Parse(b.url); err != nil {
		return nil, err
	}
	conn, resp, err := b.dialer.DialContext(ctx, b.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (b *Bridge) join(conn *websocket.Conn, chatID string) error {
	action := datatypes.RoomAction{Action: "join", ChatID: chatID}
	actor := b.identity.ResolveActor()
	if actor.IsGuest() {
		action.GuestID = actor.ID
	}
	return conn.WriteJSON(action)
}

func (b *Bridge) writeLeave(conn *websocket.Conn, chatID string) error {
	action := datatypes.RoomAction{Action: "leave", ChatID: chatID}
	actor := b.identity.ResolveActor()
	if actor.IsGuest() {
		action.GuestID = actor.ID
	}
	return conn.WriteJSON(action)
}

// readLoop pumps events until ctx cancels, reconnecting on errors.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, chatID string, done chan struct{}) {
	defer close(done)
	backoff := b.reconnectBase
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("socket dropped, reconnecting",
				"chat_id", chatID, "backoff", backoff, "error", err)

			conn = b.reconnect(ctx, chatID, &backoff)
			if conn == nil {
				return
			}
			b.mu.Lock()
			b.conn = conn
			b.state = Joined
			b.mu.Unlock()
			continue
		}
		backoff = b.reconnectBase
		b.handleFrame(chatID, raw)
	}
}

// reconnect dials and re-joins with capped exponential backoff until
// success or cancellation. Returns nil when ctx is done.
func (b *Bridge) reconnect(ctx context.Context, chatID string, backoff *time.Duration) *websocket.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*backoff):
		}
		if *backoff < b.reconnectMax {
			*backoff *= 2
			if *backoff > b.reconnectMax {
				*backoff = b.reconnectMax
			}
		}

		conn, err := b.dial(ctx)
		if err != nil {
			b.logger.Warn("reconnect dial failed", "chat_id", chatID, "error", err)
			continue
		}
		if err := b.join(conn, chatID); err != nil {
			b.logger.Warn("reconnect join failed", "chat_id", chatID, "error", err)
			_ = conn.Close()
			continue
		}
		b.metrics.RecordReconnect()
		b.logger.Info("socket reconnected", "chat_id", chatID)
		return conn
	}
}

// handleFrame decodes one inbound frame and routes it to the cache.
// Events for other chats (stale rooms during rapid switches) and
// malformed frames are dropped, not fatal.
func (b *Bridge) handleFrame(chatID string, raw []byte) {
	event, err := datatypes.DecodeEvent(raw)
	if err != nil {
		b.logger.Warn("dropping malformed event", "error", err)
		b.metrics.RecordEvent("malformed", false)
		return
	}
	if event.ChatID() != chatID {
		b.logger.Debug("dropping event for unattached chat",
			"event_chat", event.ChatID(), "attached_chat", chatID)
		b.metrics.RecordEvent(string(event.Type), false)
		return
	}

	switch event.Type {
	case datatypes.EventMessage:
		applied := b.cache.ApplyAssistantMessage(chatID, event.Message.Message)
		b.metrics.RecordEvent(string(event.Type), applied)
	case datatypes.EventTyping:
		b.cache.SetTyping(chatID, event.Typing.Typing)
		b.metrics.RecordEvent(string(event.Type), true)
	case datatypes.EventProgress:
		b.cache.SetProgress(chatID, cache.Progress{
			Stage:   event.Progress.Stage,
			Detail:  event.Progress.Detail,
			Percent: event.Progress.Percent,
		})
		b.metrics.RecordEvent(string(event.Type), true)
	}
}
