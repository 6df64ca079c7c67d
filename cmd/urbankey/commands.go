// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/UrbanKeyAI/UrbanKey/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	conversationType string // chat mode: general, property_search, site_visit
	resumeChatID     string // chat session to resume
	historyPage      int    // page for history/session listings
	historyLimit     int    // page size for history/session listings
	sessionStatus    string // session list filter: active, ended, or empty
	personalityLevel string // UX personality level (full/standard/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "urbankey",
		Short: "A cli for the UrbanKey property marketplace AI assistant",
		Long: `UrbanKey is a conversational assistant for finding, comparing,
				and scheduling visits to properties. Chat as a guest or sign
				in to keep your conversations across devices.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start or resume an interactive chat with the UrbanKey assistant",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the reply",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_chat.go
	}

	// --- Sessions ---
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Manage your chat sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List your chat sessions",
		Run:   runSessionsList, // Defined in cmd_sessions.go
	}
	sessionsEndCmd = &cobra.Command{
		Use:   "end [chat_id]",
		Short: "End a chat session (history stays browsable)",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsEnd, // Defined in cmd_sessions.go
	}
	sessionsHistoryCmd = &cobra.Command{
		Use:   "history [chat_id]",
		Short: "Show the message history of a session",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsHistory, // Defined in cmd_sessions.go
	}
	sessionsStatsCmd = &cobra.Command{
		Use:   "stats [chat_id]",
		Short: "Show analytics for a session",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsStats, // Defined in cmd_sessions.go
	}

	// --- Identity ---
	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Switch from guest to an authenticated session",
		Run:   runLogin, // Defined in cmd_login.go
	}

	// --- Feedback ---
	feedbackCmd = &cobra.Command{
		Use:   "feedback [chat_id]",
		Short: "Rate a chat session",
		Args:  cobra.ExactArgs(1),
		Run:   runFeedback, // Defined in cmd_feedback.go
	}
)

// Execute wires the command tree and runs the root command.
func Execute() {
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output personality: full, standard, minimal, machine")

	chatCmd.Flags().StringVar(&conversationType, "type", "general",
		"Conversation type: general, property_search, site_visit")
	chatCmd.Flags().StringVar(&resumeChatID, "resume", "",
		"Resume an existing chat session by id")

	sessionsListCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	sessionsListCmd.Flags().IntVar(&historyLimit, "limit", 20, "Page size")
	sessionsListCmd.Flags().StringVar(&sessionStatus, "status", "",
		"Filter by status: active, ended")
	sessionsHistoryCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	sessionsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 50, "Page size")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsEndCmd, sessionsHistoryCmd, sessionsStatsCmd)
	rootCmd.AddCommand(chatCmd, askCmd, sessionsCmd, loginCmd, feedbackCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
