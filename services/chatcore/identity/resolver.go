// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity resolves the current actor: an authenticated user
// when an ambient credential is present, otherwise a stable guest
// identity minted once and persisted locally for the lifetime of the
// unauthenticated browsing session.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/storage/badger"
)

// Store keys. CurrentChatKey is cleared together with the guest id so
// an authenticated user never resumes a guest conversation.
const (
	GuestIDKey     = "chat/guest_id"
	CurrentChatKey = "chat/current_chat_id"
)

// ErrKeyNotFound is re-exported so callers don't import the storage
// package just to branch on a miss.
var ErrKeyNotFound = badger.ErrKeyNotFound

// CredentialChecker reports the ambient authentication state.
//
// # Description
//
// The chat core does not own tokens; it only asks whether a valid
// session credential exists and which user it belongs to. The CLI
// backs this with its config, the web tier with its token store.
type CredentialChecker interface {
	// Credential returns the authenticated user id and true when a
	// valid session credential is present.
	Credential() (userID string, ok bool)
}

// CredentialFunc adapts a function to the CredentialChecker interface.
type CredentialFunc func() (string, bool)

// Credential implements CredentialChecker.
func (f CredentialFunc) Credential() (string, bool) { return f() }

// KV is the persistence surface the resolver needs. *badger.Store
// satisfies it; tests substitute failing or in-memory fakes.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Resolver determines the current actor and manages guest identity.
//
// # Description
//
// ResolveActor prefers the ambient credential. Without one it reuses
// the persisted guest id, minting and persisting a new one only when
// none exists. If persistence is unavailable the resolver degrades to
// an in-memory guest id for the lifetime of this process — it never
// returns an error for storage trouble.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct {
	creds  CredentialChecker
	store  KV
	logger *slog.Logger

	mu       sync.Mutex
	memGuest string // fallback when the store is unavailable
}

// NewResolver creates a resolver over the given credential source and
// key-value store. Logger may be nil. A nil store means persistence is
// unavailable; the resolver then runs on in-memory identity only.
func NewResolver(creds CredentialChecker, store KV, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = unavailableKV{}
	}
	return &Resolver{creds: creds, store: store, logger: logger}
}

var errStoreUnavailable = errors.New("identity store unavailable")

// unavailableKV stands in when no persistent store could be opened, so
// every access takes the degraded in-memory path.
type unavailableKV struct{}

func (unavailableKV) Get(string) (string, error) { return "", errStoreUnavailable }
func (unavailableKV) Set(string, string) error   { return errStoreUnavailable }
func (unavailableKV) Delete(string) error        { return errStoreUnavailable }

// ResolveActor returns the active identity.
//
// # Description
//
// Authenticated wins: when a credential is present the server-issued
// user id is returned as-is and guest state is untouched. Otherwise
// the persisted guest id is reused; absent one, a fresh id is minted
// from a high-resolution timestamp and a random component, persisted,
// and returned. Two calls without an intervening login always return
// the same guest id.
func (r *Resolver) ResolveActor() datatypes.Actor {
	if userID, ok := r.creds.Credential(); ok {
		return datatypes.Actor{Kind: datatypes.ActorAuthenticated, ID: userID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.memGuest != "" {
		return datatypes.Actor{Kind: datatypes.ActorGuest, ID: r.memGuest}
	}

	existing, err := r.store.Get(GuestIDKey)
	if err == nil && existing != "" {
		return datatypes.Actor{Kind: datatypes.ActorGuest, ID: existing}
	}
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		// Storage unavailable: degrade to in-memory identity for
		// this process lifetime rather than failing the caller.
		r.memGuest = mintGuestID()
		r.logger.Warn("guest id store unavailable, using in-memory identity",
			"error", err)
		return datatypes.Actor{Kind: datatypes.ActorGuest, ID: r.memGuest}
	}

	minted := mintGuestID()
	if err := r.store.Set(GuestIDKey, minted); err != nil {
		r.memGuest = minted
		r.logger.Warn("failed to persist guest id, keeping it in memory",
			"error", err)
	}
	return datatypes.Actor{Kind: datatypes.ActorGuest, ID: minted}
}

// ClearGuestSession discards guest identity on login or registration.
//
// # Description
//
// Removes the persisted guest id and the current-chat pointer, and
// drops any in-memory fallback id. Called exactly once, synchronously,
// the moment a guest completes login or signup and before any further
// chat operation — guest state is discarded, never merged into the
// authenticated account.
func (r *Resolver) ClearGuestSession() {
	r.mu.Lock()
	r.memGuest = ""
	r.mu.Unlock()

	if err := r.store.Delete(GuestIDKey); err != nil {
		r.logger.Warn("failed to delete guest id", "error", err)
	}
	if err := r.store.Delete(CurrentChatKey); err != nil {
		r.logger.Warn("failed to delete current chat pointer", "error", err)
	}
}

// CurrentChat returns the persisted current-chat pointer, or "".
func (r *Resolver) CurrentChat() string {
	id, err := r.store.Get(CurrentChatKey)
	if err != nil {
		return ""
	}
	return id
}

// SetCurrentChat persists the current-chat pointer. Best effort; a
// storage failure is logged and the session continues without resume.
func (r *Resolver) SetCurrentChat(chatID string) {
	if err := r.store.Set(CurrentChatKey, chatID); err != nil {
		r.logger.Warn("failed to persist current chat pointer",
			"chat_id", chatID, "error", err)
	}
}

// mintGuestID combines a high-resolution timestamp with a random
// component into an opaque, collision-resistant identifier.
func mintGuestID() string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("g_%d_%s", time.Now().UnixNano(), random)
}
