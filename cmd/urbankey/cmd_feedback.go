// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/UrbanKeyAI/UrbanKey/pkg/ux"
)

// runFeedback collects a session rating through an interactive form
// and submits it.
func runFeedback(cmd *cobra.Command, args []string) {
	chatID := args[0]

	var rating int
	var helpful bool
	var comment string

	if ux.IsInteractive() {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[int]().
					Title("How was this conversation?").
					Options(
						huh.NewOption("Excellent", 5),
						huh.NewOption("Good", 4),
						huh.NewOption("Okay", 3),
						huh.NewOption("Poor", 2),
						huh.NewOption("Terrible", 1),
					).
					Value(&rating),
				huh.NewConfirm().
					Title("Did the assistant actually help you?").
					Value(&helpful),
				huh.NewText().
					Title("Anything to add? (optional)").
					CharLimit(2000).
					Value(&comment),
			),
		)
		if err := form.Run(); err != nil {
			ux.Error(err.Error())
			os.Exit(1)
		}
	} else {
		// Non-interactive callers submit a neutral rating; scripted
		// feedback should use the HTTP API directly instead.
		rating = 3
	}

	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	if err := manager.SubmitChatFeedback(ctx, chatID, rating, helpful, comment); err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	ux.Success("thanks, feedback submitted")
}
