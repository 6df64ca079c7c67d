// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/UrbanKeyAI/UrbanKey/cmd/urbankey/config"
	"github.com/UrbanKeyAI/UrbanKey/pkg/logging"
	"github.com/UrbanKeyAI/UrbanKey/pkg/ux"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/bridge"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/cache"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/client"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/coordinator"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/identity"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/observability"
	badgerstore "github.com/UrbanKeyAI/UrbanKey/services/chatcore/storage/badger"
)

// buildManager assembles the full chat stack from the global config.
// The returned cleanup closes the manager and the local store.
func buildManager() (*chatcore.Manager, func(), error) {
	cfg := config.Global

	logger := logging.New(logging.Config{
		Level:   parseLogLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "cli",
	})
	slogger := logger.Slog()

	// Guest identity persists in a local badger store; a failed open
	// degrades to in-memory identity rather than blocking chat.
	store, err := badgerstore.Open(badgerstore.Config{
		Path:   cfg.Chat.DataDir,
		Logger: slogger,
	})
	if err != nil {
		logger.Warn("local store unavailable, guest identity will not persist", "error", err)
		store = nil
	}

	tokenEnv := cfg.Auth.TokenEnv
	creds := identity.CredentialFunc(func() (string, bool) {
		token := os.Getenv(tokenEnv)
		return token, token != ""
	})

	var kv identity.KV
	if store != nil {
		kv = store
	}
	resolver := identity.NewResolver(creds, kv, slogger)

	metrics := observability.New(prometheus.NewRegistry())

	coord := coordinator.New(coordinator.Config{
		DebounceWindow: time.Duration(cfg.Chat.DebounceSecs) * time.Second,
		PendingCeiling: time.Duration(cfg.Chat.PendingCeilingSecs) * time.Second,
		Metrics:        metrics,
		Logger:         slogger,
	})

	apiClient := client.New(client.Config{
		BaseURL:     cfg.Server.BaseURL,
		Timeout:     time.Duration(cfg.Server.TimeoutSecs) * time.Second,
		Identity:    resolver,
		Coordinator: coord,
		Metrics:     metrics,
		Logger:      slogger,
	})

	msgCache := cache.New(metrics, slogger)

	wsBridge := bridge.New(bridge.Config{
		URL:      cfg.Server.WebsocketURL,
		Identity: resolver,
		Cache:    msgCache,
		Metrics:  metrics,
		Logger:   slogger,
	})

	manager := chatcore.NewManager(chatcore.ManagerConfig{
		Identity: resolver,
		Client:   apiClient,
		Cache:    msgCache,
		Bridge:   wsBridge,
		Logger:   slogger,
	})

	cleanup := func() {
		manager.Close()
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close local store", "error", err)
			}
		}
		if err := logger.Close(); err != nil {
			// Nothing left to log to.
			_ = err
		}
	}
	return manager, cleanup, nil
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runChatCommand starts the interactive chat loop.
func runChatCommand(cmd *cobra.Command, args []string) {
	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	runner := NewSessionChatRunner(SessionRunnerConfig{
		Service:          manager,
		UI:               ux.NewChatUI(),
		Input:            NewInteractiveInputReader(50),
		ConversationType: datatypes.ConversationType(conversationType),
		ResumeChatID:     resumeChatID,
		HistoryPageSize:  config.Global.Chat.HistoryPageSize,
		ServerURL:        config.Global.Server.BaseURL,
	})
	defer func() { _ = runner.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		ux.Error(err.Error())
		os.Exit(1)
	}
}

// runAskCommand sends one question and prints the reply batch.
func runAskCommand(cmd *cobra.Command, args []string) {
	manager, cleanup, err := buildManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	question := strings.Join(args, " ")
	ui := ux.NewChatUI()

	session, err := manager.StartChat(ctx, datatypes.ConversationGeneral, nil)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	confirmed, err := manager.SendMessage(ctx, session.ID, question)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	for _, m := range confirmed {
		if m.FromAssistant() {
			ui.AssistantResponse(m.Content)
			ui.Suggestions(m.Suggestions)
			ui.Properties(toPropertyCards(m.PropertySuggestions))
		}
	}
}
