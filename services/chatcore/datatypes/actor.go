// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the wire-level data structures shared by the
// UrbanKey chat core: actor identity, chat sessions, messages, feedback,
// the server response envelope, and the real-time event union.
//
// All timestamps are Unix milliseconds UTC. Validation uses
// go-playground/validator tags; call Validate() after decoding anything
// that crossed a network boundary.
package datatypes

import "fmt"

// ActorKind distinguishes guest identities from authenticated users.
type ActorKind string

const (
	// ActorGuest is a client-generated, locally persisted identity used
	// before the visitor has signed in.
	ActorGuest ActorKind = "guest"

	// ActorAuthenticated is a server-issued user identity backed by an
	// ambient session credential.
	ActorAuthenticated ActorKind = "authenticated"
)

// Actor identifies the current participant. Exactly one identity is
// active at a time: a stable guest id before sign-in, the server-issued
// user id after.
//
// # Invariant
//
// A chat created under a guest id never silently continues under a
// different guest id, and guest identity is discarded (never merged)
// on the transition to authenticated.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// IsGuest reports whether this actor is an unauthenticated visitor.
func (a Actor) IsGuest() bool {
	return a.Kind == ActorGuest
}

// Ref returns the participant reference string used in session
// participant lists, e.g. "guest:g_1712…" or "user:usr_42".
func (a Actor) Ref() string {
	switch a.Kind {
	case ActorGuest:
		return "guest:" + a.ID
	case ActorAuthenticated:
		return "user:" + a.ID
	default:
		return a.ID
	}
}

// String implements fmt.Stringer for log output.
func (a Actor) String() string {
	return fmt.Sprintf("%s(%s)", a.Kind, a.ID)
}
