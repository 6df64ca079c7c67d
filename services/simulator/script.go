// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
)

// =============================================================================
// Scripted Replies
// =============================================================================

// ScriptRule matches user input by substring and describes the
// assistant's canned response. The first matching rule wins.
type ScriptRule struct {
	// Match is a case-insensitive substring of the user message.
	// An empty Match matches everything and usually sits last.
	Match string `yaml:"match"`

	Reply       string   `yaml:"reply"`
	Suggestions []string `yaml:"suggestions,omitempty"`

	// Properties, when set, are attached to the reply as listing cards
	// and also returned by the search endpoint for matching queries.
	Properties []datatypes.PropertySuggestion `yaml:"properties,omitempty"`

	// TypingMs is how long the assistant "types" before the reply
	// lands. Zero means reply inline with the send response; positive
	// means the reply arrives asynchronously over the websocket.
	TypingMs int `yaml:"typing_ms,omitempty"`
}

// ScriptFile is the on-disk shape of a simulator script.
type ScriptFile struct {
	Rules []ScriptRule `yaml:"rules"`
}

// Script holds the active rule set and optionally hot-reloads it from
// a YAML file when that file changes on disk.
type Script struct {
	mu      sync.RWMutex
	rules   []ScriptRule
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// NewScript returns a script backed by the built-in default rules.
func NewScript(logger *slog.Logger) *Script {
	return &Script{rules: defaultRules(), logger: logger}
}

// LoadFile replaces the rule set from a YAML file and starts watching
// it for changes. Safe to call once at startup.
func (s *Script) LoadFile(path string) error {
	if err := s.reload(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create script watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch script file: %w", err)
	}

	s.mu.Lock()
	s.path = path
	s.watcher = watcher
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.watchLoop(watcher, path)
	return nil
}

// Close stops the file watcher if one is running. The mutex is
// released before waiting so an in-flight reload can finish.
func (s *Script) Close() {
	s.mu.Lock()
	watcher := s.watcher
	done := s.done
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		watcher.Close()
		<-done
	}
}

// watchLoop handles fsnotify events for the script file.
func (s *Script) watchLoop(watcher *fsnotify.Watcher, path string) {
	defer close(s.done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(path); err != nil {
				s.logger.Warn("script reload failed", "path", path, "error", err)
				continue
			}
			s.logger.Info("script reloaded", "path", path, "rules", s.ruleCount())

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("script watcher error", "error", err)
		}
	}
}

func (s *Script) reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	var file ScriptFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse script: %w", err)
	}
	if len(file.Rules) == 0 {
		return fmt.Errorf("script %s has no rules", path)
	}
	s.mu.Lock()
	s.rules = file.Rules
	s.mu.Unlock()
	return nil
}

func (s *Script) ruleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Respond picks the first rule whose Match is a substring of the user
// content and renders it as an assistant message for the chat.
func (s *Script) Respond(chatID, content string) (datatypes.Message, time.Duration) {
	rule := s.match(content)
	msg := datatypes.Message{
		ChatID:              chatID,
		Sender:              datatypes.SenderAssistant,
		Kind:                datatypes.MessageKindAssistantResponse,
		Content:             rule.Reply,
		Suggestions:         rule.Suggestions,
		PropertySuggestions: rule.Properties,
		CreatedAt:           time.Now().UnixMilli(),
	}
	return msg, time.Duration(rule.TypingMs) * time.Millisecond
}

// SearchResults returns the property cards of the first rule matching
// the query, along with the rule's reply as a summary line.
func (s *Script) SearchResults(query string) ([]datatypes.PropertySuggestion, string) {
	rule := s.match(query)
	return rule.Properties, rule.Reply
}

func (s *Script) match(content string) ScriptRule {
	lowered := strings.ToLower(content)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rule := range s.rules {
		if rule.Match == "" || strings.Contains(lowered, strings.ToLower(rule.Match)) {
			return rule
		}
	}
	// No catch-all in the file; fall back to a canned shrug.
	return ScriptRule{Reply: "I didn't quite catch that. Could you tell me more about what you're looking for?"}
}

// defaultRules is the built-in script used when no file is given.
// Enough variety to exercise typing pushes, suggestions, and cards.
func defaultRules() []ScriptRule {
	return []ScriptRule{
		{
			Match:    "2bhk",
			Reply:    "Here are a couple of 2BHK options that fit most budgets in Bengaluru.",
			TypingMs: 800,
			Suggestions: []string{
				"Show me options under 80 lakhs",
				"Which of these is closest to a metro station?",
			},
			Properties: []datatypes.PropertySuggestion{
				{
					PropertyID: "prop-hsr-201",
					Title:      "Sunlit 2BHK near 27th Main",
					Locality:   "HSR Layout",
					City:       "Bengaluru",
					PriceINR:   9_500_000,
					Bedrooms:   2,
					AreaSqft:   1180,
				},
				{
					PropertyID: "prop-wf-118",
					Title:      "Compact 2BHK with balcony",
					Locality:   "Whitefield",
					City:       "Bengaluru",
					PriceINR:   7_200_000,
					Bedrooms:   2,
					AreaSqft:   1050,
				},
			},
		},
		{
			Match:    "visit",
			Reply:    "I can set up a site visit. Most owners here are available on weekends; which day works for you?",
			TypingMs: 600,
			Suggestions: []string{
				"Saturday morning",
				"Sunday afternoon",
			},
		},
		{
			Match: "budget",
			Reply: "Noted. I'll keep results inside that budget and flag anything slightly above that's worth a look.",
		},
		{
			Match:    "",
			Reply:    "Happy to help you find a place. Tell me the city, locality, and how many bedrooms you need.",
			TypingMs: 400,
			Suggestions: []string{
				"Looking for a 2BHK in HSR Layout",
				"Schedule a site visit",
			},
		},
	}
}
