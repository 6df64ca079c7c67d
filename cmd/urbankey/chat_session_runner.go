// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/UrbanKeyAI/UrbanKey/pkg/ux"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/cache"
	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
)

// chatService is the slice of chatcore.Manager the runner needs.
// Narrowed to an interface so tests can substitute a fake.
type chatService interface {
	StartChat(ctx context.Context, convType datatypes.ConversationType, chatContext map[string]any) (*datatypes.ChatSession, error)
	ResumeChat(ctx context.Context, chatID string, page, limit int) (*datatypes.ChatSession, error)
	SendMessage(ctx context.Context, chatID, content string) ([]datatypes.Message, error)
	Search(ctx context.Context, chatID, query string, filters map[string]any) (*datatypes.SearchResponse, error)
	UpdateContext(ctx context.Context, chatID string, chatContext map[string]any) (*datatypes.ChatSession, error)
	EndSession(ctx context.Context, chatID string) error
	SubmitChatFeedback(ctx context.Context, chatID string, rating int, helpful bool, comment string) error
	FetchAnalytics(ctx context.Context, chatID string) (*datatypes.ChatAnalytics, error)
	Messages(chatID string) []datatypes.Message
	IsAssistantTyping(chatID string) bool
	SearchProgress(chatID string) *cache.Progress
	Actor() datatypes.Actor
	Close()
}

// Compile-time check that the real manager satisfies the interface.
var _ chatService = (*chatcore.Manager)(nil)

// SessionRunnerConfig holds configuration for creating the runner.
//
// # Fields
//
//   - Service: Required. The chat session facade.
//   - UI: Required. Output rendering.
//   - Input: Required. Input source.
//   - ConversationType: Mode for new sessions. Default: general.
//   - ResumeChatID: Resume this session instead of starting fresh.
//   - HistoryPageSize: Page size used when resuming. Default: 50.
//   - ServerURL: Shown in the header at full personality.
type SessionRunnerConfig struct {
	Service          chatService
	UI               ux.ChatUI
	Input            InputReader
	ConversationType datatypes.ConversationType
	ResumeChatID     string
	HistoryPageSize  int
	ServerURL        string
}

// sessionChatRunner drives the interactive chat loop against a chat
// session.
type sessionChatRunner struct {
	service  chatService
	ui       ux.ChatUI
	input    InputReader
	convType datatypes.ConversationType
	resumeID string
	pageSize int
	server   string

	chatID    string
	startedAt time.Time
	stats     ux.SessionStats
	rendered  map[string]bool // message ids already printed
	closed    bool
}

// NewSessionChatRunner creates the production chat runner.
func NewSessionChatRunner(cfg SessionRunnerConfig) ChatRunner {
	pageSize := cfg.HistoryPageSize
	if pageSize == 0 {
		pageSize = 50
	}
	convType := cfg.ConversationType
	if convType == "" {
		convType = datatypes.ConversationGeneral
	}
	return &sessionChatRunner{
		service:  cfg.Service,
		ui:       cfg.UI,
		input:    cfg.Input,
		convType: convType,
		resumeID: cfg.ResumeChatID,
		pageSize: pageSize,
		server:   cfg.ServerURL,
		rendered: make(map[string]bool),
	}
}

// Run executes the chat loop until /quit, EOF, or cancellation.
func (r *sessionChatRunner) Run(ctx context.Context) error {
	session, err := r.openSession(ctx)
	if err != nil {
		return err
	}
	r.chatID = session.ID
	r.startedAt = time.Now()

	r.ui.Header(ux.HeaderConfig{
		ConversationType: string(session.ConversationType),
		ChatID:           session.ID,
		ActorRef:         r.service.Actor().Ref(),
		ServerURL:        r.server,
	})

	// Resumed history renders before the first prompt.
	r.renderNewMessages()

	for {
		select {
		case <-ctx.Done():
			r.finish()
			return ctx.Err()
		default:
		}

		line, err := r.readInput()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.finish()
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			r.finish()
			return nil
		}
		if strings.HasPrefix(line, "/") {
			if err := r.runCommand(ctx, line); err != nil {
				r.ui.Error(err.Error())
			}
			continue
		}

		r.handleMessage(ctx, line)
	}
}

// Close releases runner resources. Safe to call multiple times.
func (r *sessionChatRunner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.service.Close()
	return nil
}

func (r *sessionChatRunner) openSession(ctx context.Context) (*datatypes.ChatSession, error) {
	if r.resumeID != "" {
		return r.service.ResumeChat(ctx, r.resumeID, 1, r.pageSize)
	}
	return r.service.StartChat(ctx, r.convType, nil)
}

func (r *sessionChatRunner) readInput() (string, error) {
	if p, ok := r.input.(PromptingInputReader); ok {
		p.SetPrompt(r.ui.Prompt())
	} else {
		fmt.Print(r.ui.Prompt())
	}
	return r.input.ReadLine()
}

// handleMessage runs one optimistic send and renders the outcome.
func (r *sessionChatRunner) handleMessage(ctx context.Context, content string) {
	r.ui.UserEcho(content, true)

	spinner := ux.NewTypingIndicator()
	spinner.Start()
	confirmed, err := r.service.SendMessage(ctx, r.chatID, content)
	spinner.Stop()

	if err != nil {
		r.stats.RollbackCount++
		var sendErr *chatcore.SendError
		if errors.As(err, &sendErr) {
			r.ui.SendFailed(sendErr.OriginalContent, sendErr.Err)
		} else {
			r.ui.Error(err.Error())
		}
		return
	}

	r.stats.MessageCount++
	for _, m := range confirmed {
		r.rendered[m.ID] = true
		if !m.FromAssistant() {
			r.ui.UserEcho(m.Content, false)
			continue
		}
		r.renderAssistant(m)
	}

	// Replies that arrived over the socket while we waited.
	r.renderNewMessages()
}

// renderNewMessages prints cached messages not yet shown, e.g. async
// assistant pushes and resumed history.
func (r *sessionChatRunner) renderNewMessages() {
	for _, m := range r.service.Messages(r.chatID) {
		if m.ID == "" || r.rendered[m.ID] {
			continue
		}
		r.rendered[m.ID] = true
		if m.FromAssistant() {
			r.renderAssistant(m)
		} else {
			r.ui.UserEcho(m.Content, false)
		}
	}
}

func (r *sessionChatRunner) renderAssistant(m datatypes.Message) {
	r.stats.AssistantReplies++
	r.ui.AssistantResponse(m.Content)
	r.ui.Suggestions(m.Suggestions)
	if len(m.PropertySuggestions) > 0 {
		r.stats.PropertiesShown += len(m.PropertySuggestions)
		r.ui.Properties(toPropertyCards(m.PropertySuggestions))
	}
}

// runCommand dispatches a slash command.
func (r *sessionChatRunner) runCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	cmd, rest := fields[0], strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch cmd {
	case "/help":
		ux.Info("/search <query>   run a property search")
		ux.Info("/context k=v ...  update the session context")
		ux.Info("/stats            show session analytics")
		ux.Info("/quit             leave the chat")
		return nil

	case "/stats":
		analytics, err := r.service.FetchAnalytics(ctx, r.chatID)
		if err != nil {
			return err
		}
		ux.Info(fmt.Sprintf("messages %d (yours %d), properties shown %d",
			analytics.MessageCount, analytics.UserMessageCount, analytics.PropertiesShown))
		if analytics.AvgResponseMs > 0 {
			ux.Muted(fmt.Sprintf("avg assistant response %.0fms", analytics.AvgResponseMs))
		}
		if analytics.FeedbackScore > 0 {
			ux.Muted(fmt.Sprintf("feedback score %.1f/5", analytics.FeedbackScore))
		}
		return nil

	case "/search":
		if rest == "" {
			return errors.New("usage: /search <query>")
		}
		return r.runSearch(ctx, rest)

	case "/context":
		if rest == "" {
			return errors.New("usage: /context key=value [key=value ...]")
		}
		updates := map[string]any{}
		for _, pair := range strings.Fields(rest) {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("malformed context pair %q, want key=value", pair)
			}
			updates[k] = v
		}
		if _, err := r.service.UpdateContext(ctx, r.chatID, updates); err != nil {
			return err
		}
		ux.Success("context updated")
		return nil

	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
}

func (r *sessionChatRunner) runSearch(ctx context.Context, query string) error {
	spinner := ux.NewSearchSpinner("searching")
	spinner.Start()

	// Poll cached progress while the request runs, so searchProgress
	// pushes surface in the spinner.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(150 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if p := r.service.SearchProgress(r.chatID); p != nil {
					spinner.SetStage(p.Stage, p.Percent)
				}
			}
		}
	}()

	resp, err := r.service.Search(ctx, r.chatID, query, nil)
	close(done)
	spinner.Stop()
	if err != nil {
		return err
	}

	if resp.Summary != "" {
		r.ui.AssistantResponse(resp.Summary)
	}
	if len(resp.Properties) == 0 {
		ux.Muted("no matching properties found")
		return nil
	}
	r.stats.PropertiesShown += len(resp.Properties)
	r.ui.Properties(toPropertyCards(resp.Properties))
	return nil
}

func (r *sessionChatRunner) finish() {
	r.stats.Duration = time.Since(r.startedAt)
	r.ui.Stats(r.stats)
	r.ui.Goodbye()
}

func toPropertyCards(suggestions []datatypes.PropertySuggestion) []ux.PropertyCard {
	cards := make([]ux.PropertyCard, 0, len(suggestions))
	for _, s := range suggestions {
		cards = append(cards, ux.PropertyCard{
			Title:    s.Title,
			Locality: s.Locality,
			City:     s.City,
			PriceINR: s.PriceINR,
			Bedrooms: s.Bedrooms,
			AreaSqft: s.AreaSqft,
		})
	}
	return cards
}
