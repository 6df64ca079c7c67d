// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
)

type UrbanKeyConfig struct {
	// Server: where the chat backend lives
	Server ServerConfig `yaml:"server"`

	// Chat: tuning for the chat session core
	Chat ChatConfig `yaml:"chat"`

	// Auth: ambient credential settings
	Auth AuthConfig `yaml:"auth"`

	// Logging: CLI log output
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	BaseURL      string `yaml:"base_url"`      // e.g. http://localhost:8460
	WebsocketURL string `yaml:"websocket_url"` // e.g. ws://localhost:8460/ai/ws
	TimeoutSecs  int    `yaml:"timeout_secs"`  // per-request HTTP timeout
}

type ChatConfig struct {
	// DebounceSecs is the duplicate-intent window for mutating calls.
	DebounceSecs int `yaml:"debounce_secs"`

	// PendingCeilingSecs force-clears a stuck in-flight request after
	// this many seconds. Zero disables the ceiling.
	PendingCeilingSecs int `yaml:"pending_ceiling_secs"`

	// HistoryPageSize is the default page size when resuming sessions.
	HistoryPageSize int `yaml:"history_page_size"`

	// DataDir holds the local guest-identity store. Supports ~.
	DataDir string `yaml:"data_dir"`
}

type AuthConfig struct {
	// TokenEnv names the environment variable carrying the auth
	// token. An empty or unset variable means guest mode.
	TokenEnv string `yaml:"token_env"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`   // debug, info, warn, error
	LogDir string `yaml:"log_dir"` // empty disables file logging
}

func DefaultConfig() UrbanKeyConfig {
	dataDir := "~/.urbankey/data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".urbankey", "data")
	}
	return UrbanKeyConfig{
		Server: ServerConfig{
			BaseURL:      "http://localhost:8460",
			WebsocketURL: "ws://localhost:8460/ai/ws",
			TimeoutSecs:  60,
		},
		Chat: ChatConfig{
			DebounceSecs:       2,
			PendingCeilingSecs: 0,
			HistoryPageSize:    50,
			DataDir:            dataDir,
		},
		Auth: AuthConfig{
			TokenEnv: "URBANKEY_TOKEN",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
