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
	"time"

	"github.com/spf13/cobra"

	"github.com/UrbanKeyAI/UrbanKey/pkg/ux"
)

// runSessionsList prints the actor's chat sessions.
func runSessionsList(cmd *cobra.Command, args []string) {
	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	chats, err := manager.ListChats(ctx, historyPage, historyLimit, sessionStatus)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	if len(chats) == 0 {
		ux.Muted("no sessions found")
		return
	}

	active, ended := 0, 0
	for _, c := range chats {
		status := ux.IconSuccess
		if !c.IsActive {
			status = ux.IconPending
			ended++
		} else {
			active++
		}
		when := time.UnixMilli(c.UpdatedAt).Format("2006-01-02 15:04")
		line := fmt.Sprintf("%s %s  %s  %s (%d messages)",
			status.Render(), c.ID, c.ConversationType, when, c.MessageCount)
		ux.Info(line)
		if c.LastMessage != "" {
			ux.Muted("    " + c.LastMessage)
		}
	}
	ux.SessionSummary(active, ended, len(chats))
}

// runSessionsEnd marks a session ended.
func runSessionsEnd(cmd *cobra.Command, args []string) {
	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	chatID := args[0]
	if err := manager.EndSession(ctx, chatID); err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	ux.Success(fmt.Sprintf("session %s ended, history stays browsable", chatID))
}

// runSessionsHistory prints one page of a session's messages.
func runSessionsHistory(cmd *cobra.Command, args []string) {
	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	chatID := args[0]
	page, err := manager.FetchMessages(ctx, chatID, historyPage, historyLimit)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	ui := ux.NewChatUI()
	for _, m := range page.Messages {
		if m.FromAssistant() {
			ui.AssistantResponse(m.Content)
		} else {
			ui.UserEcho(m.Content, false)
		}
	}
	ux.Muted(fmt.Sprintf("page %d of %d messages total", page.Page, page.Total))
}

// runSessionsStats prints analytics for a session.
func runSessionsStats(cmd *cobra.Command, args []string) {
	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	chatID := args[0]
	analytics, err := manager.FetchAnalytics(ctx, chatID)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	content := fmt.Sprintf(
		"messages           %d\nfrom you           %d\nproperties shown   %d\nsearches           %d\navg response       %.0f ms\nfeedback score     %.1f",
		analytics.MessageCount,
		analytics.UserMessageCount,
		analytics.PropertiesShown,
		analytics.SearchesPerformed,
		analytics.AvgResponseMs,
		analytics.FeedbackScore,
	)
	ux.Box("session analytics", content)
}
