// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/UrbanKeyAI/UrbanKey/cmd/urbankey/config"
	"github.com/UrbanKeyAI/UrbanKey/pkg/ux"
)

// runLogin completes the guest-to-authenticated transition.
//
// The CLI does not run an auth flow itself; it picks up the token the
// user obtained elsewhere (web login, SSO) from the configured
// environment variable. What this command does is the local half of
// the switch: clear the guest identity and cached guest conversations
// so the next chat runs as the authenticated user. Guest history is
// deliberately not migrated.
func runLogin(cmd *cobra.Command, args []string) {
	tokenEnv := config.Global.Auth.TokenEnv
	token := os.Getenv(tokenEnv)
	if token == "" {
		ux.Error(fmt.Sprintf("no credential found: set %s and retry", tokenEnv))
		ux.Muted("sign in at https://urbankey.in and export the token")
		os.Exit(1)
	}

	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	wasGuest := manager.Actor().IsGuest()
	manager.AuthCompleted()

	actor := manager.Actor()
	if actor.IsGuest() {
		// AuthCompleted cleared guest state but the credential did not
		// resolve; most likely the token env var is set but empty-ish.
		ux.Warning("credential did not resolve, continuing as a fresh guest")
		return
	}
	if wasGuest {
		ux.Success(fmt.Sprintf("signed in as %s, guest conversations left behind", actor.Ref()))
	} else {
		ux.Success(fmt.Sprintf("already signed in as %s", actor.Ref()))
	}
}
