// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// HeaderConfig groups the optional parameters for the chat header so
// new fields can be added without breaking callers.
//
// # Fields
//
//   - ConversationType: "general", "property_search", or "site_visit".
//   - ChatID: Session identifier for resume. May be empty for new sessions.
//   - ActorRef: "guest:<id>" or "user:<id>" of the current actor.
//   - ServerURL: Backend the CLI is talking to.
type HeaderConfig struct {
	ConversationType string
	ChatID           string
	ActorRef         string
	ServerURL        string
}

// SessionStats aggregates metrics from a chat session for display
// when the session ends.
//
// # Fields
//
//   - MessageCount: Number of user messages sent
//   - AssistantReplies: Number of assistant messages received
//   - PropertiesShown: Number of property cards rendered
//   - RollbackCount: Sends that failed and were rolled back
//   - Duration: Total session duration
type SessionStats struct {
	MessageCount     int
	AssistantReplies int
	PropertiesShown  int
	RollbackCount    int
	Duration         time.Duration
}

// PropertyCard is the display form of one property suggestion.
type PropertyCard struct {
	Title    string
	Locality string
	City     string
	PriceINR int64
	Bedrooms int
	AreaSqft float64
}

// ChatUI defines the interface for chat user interface operations.
// Implementations handle rendering chat elements to different outputs.
type ChatUI interface {
	// Header displays the chat session header with configuration.
	Header(config HeaderConfig)

	// Prompt returns the styled input prompt string
	Prompt() string

	// UserEcho displays the user's message, marked pending until the
	// server confirms it.
	UserEcho(content string, pending bool)

	// AssistantResponse displays an assistant message
	AssistantResponse(content string)

	// Suggestions displays quick-reply suggestions
	Suggestions(suggestions []string)

	// Properties displays property suggestion cards
	Properties(cards []PropertyCard)

	// SearchProgress displays a search progress update
	SearchProgress(stage, detail string, percent float64)

	// Error displays a chat error message
	Error(message string)

	// SendFailed displays a rollback notice with the restored input
	SendFailed(original string, err error)

	// Stats displays end-of-session statistics
	Stats(stats SessionStats)

	// Goodbye displays the session-end farewell
	Goodbye()
}

// terminalChatUI renders chat elements to a terminal writer, adapting
// to the active personality level.
type terminalChatUI struct {
	w io.Writer
}

// NewChatUI creates the standard terminal chat UI writing to stdout.
func NewChatUI() ChatUI {
	return &terminalChatUI{w: os.Stdout}
}

// NewChatUIWithWriter creates a chat UI writing to w, for tests.
func NewChatUIWithWriter(w io.Writer) ChatUI {
	return &terminalChatUI{w: w}
}

func (u *terminalChatUI) Header(config HeaderConfig) {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintf(u.w, "CHAT: id=%s type=%s actor=%s\n",
			config.ChatID, config.ConversationType, config.ActorRef)
		return
	}

	var b strings.Builder
	b.WriteString(Styles.Title.Render("UrbanKey Chat"))
	b.WriteString("\n")
	if config.ConversationType != "" {
		b.WriteString(Styles.Muted.Render("mode: ") + config.ConversationType + "\n")
	}
	if config.ChatID != "" {
		b.WriteString(Styles.Muted.Render("session: ") + config.ChatID + "\n")
	}
	if config.ActorRef != "" {
		b.WriteString(Styles.Muted.Render("signed in as: ") + config.ActorRef + "\n")
	}
	if p.Level == PersonalityFull && config.ServerURL != "" {
		b.WriteString(Styles.Muted.Render("server: ") + config.ServerURL + "\n")
	}
	fmt.Fprintln(u.w, Styles.InfoBox.Width(60).Render(strings.TrimRight(b.String(), "\n")))

	if p.ShowTips && p.Level == PersonalityFull {
		fmt.Fprintln(u.w, Styles.Muted.Render("type /help for commands, /quit to leave"))
	}
}

func (u *terminalChatUI) Prompt() string {
	if GetPersonality().Level == PersonalityMachine {
		return "> "
	}
	return Styles.Highlight.Render("you") + Styles.Muted.Render(" › ")
}

func (u *terminalChatUI) UserEcho(content string, pending bool) {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		state := "sent"
		if pending {
			state = "pending"
		}
		fmt.Fprintf(u.w, "USER[%s]: %s\n", state, content)
		return
	}
	marker := IconSuccess.Render()
	if pending {
		marker = IconPending.Render()
	}
	fmt.Fprintf(u.w, "%s %s\n", marker, content)
}

func (u *terminalChatUI) AssistantResponse(content string) {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintf(u.w, "ASSISTANT: %s\n", content)
		return
	}
	label := Styles.Subtitle.Render("urbankey")
	fmt.Fprintf(u.w, "\n%s %s %s\n\n", label, Styles.Muted.Render("›"), content)
}

func (u *terminalChatUI) Suggestions(suggestions []string) {
	if len(suggestions) == 0 {
		return
	}
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintf(u.w, "SUGGESTIONS: %s\n", strings.Join(suggestions, " | "))
		return
	}
	for i, s := range suggestions {
		fmt.Fprintf(u.w, "  %s %s\n",
			Styles.Muted.Render(fmt.Sprintf("[%d]", i+1)), s)
	}
}

func (u *terminalChatUI) Properties(cards []PropertyCard) {
	if len(cards) == 0 {
		return
	}
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		for _, c := range cards {
			fmt.Fprintf(u.w, "PROPERTY: %s\t%s, %s\t₹%d\t%dBHK\t%.0f sqft\n",
				c.Title, c.Locality, c.City, c.PriceINR, c.Bedrooms, c.AreaSqft)
		}
		return
	}
	for _, c := range cards {
		var b strings.Builder
		b.WriteString(Styles.Bold.Render(c.Title))
		b.WriteString("\n")
		b.WriteString(string(IconPin) + " " + c.Locality + ", " + c.City)
		b.WriteString("\n")
		b.WriteString(Styles.Highlight.Render(formatINR(c.PriceINR)))
		if c.Bedrooms > 0 {
			b.WriteString(Styles.Muted.Render(fmt.Sprintf("  %d BHK", c.Bedrooms)))
		}
		if c.AreaSqft > 0 {
			b.WriteString(Styles.Muted.Render(fmt.Sprintf("  %.0f sqft", c.AreaSqft)))
		}
		fmt.Fprintln(u.w, Styles.Box.Width(50).Render(b.String()))
	}
}

func (u *terminalChatUI) SearchProgress(stage, detail string, percent float64) {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintf(u.w, "PROGRESS: %s %.0f%%\n", stage, percent)
		return
	}
	line := fmt.Sprintf("%s %s", Styles.Muted.Render(stage), ProgressBar(int(percent), 100, 20))
	if detail != "" && p.Level == PersonalityFull {
		line += " " + Styles.Muted.Render(detail)
	}
	fmt.Fprintf(u.w, "\r\033[K%s", line)
	if percent >= 100 {
		fmt.Fprint(u.w, "\r\033[K")
	}
}

func (u *terminalChatUI) Error(message string) {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintf(u.w, "ERROR: %s\n", message)
		return
	}
	fmt.Fprintf(u.w, "%s %s\n", IconError.Render(), Styles.Error.Render(message))
}

func (u *terminalChatUI) SendFailed(original string, err error) {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintf(u.w, "SEND_FAILED: %v\n", err)
		return
	}
	fmt.Fprintf(u.w, "%s %s\n", IconError.Render(),
		Styles.Error.Render(fmt.Sprintf("message not sent: %v", err)))
	fmt.Fprintf(u.w, "%s your message was kept: %s\n",
		Styles.Muted.Render("│"), original)
}

func (u *terminalChatUI) Stats(stats SessionStats) {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintf(u.w, "STATS: messages=%d replies=%d properties=%d rollbacks=%d duration=%s\n",
			stats.MessageCount, stats.AssistantReplies, stats.PropertiesShown,
			stats.RollbackCount, stats.Duration.Round(time.Second))
		return
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("messages sent      %d\n", stats.MessageCount))
	b.WriteString(fmt.Sprintf("assistant replies  %d\n", stats.AssistantReplies))
	if stats.PropertiesShown > 0 {
		b.WriteString(fmt.Sprintf("properties shown   %d\n", stats.PropertiesShown))
	}
	if stats.RollbackCount > 0 {
		b.WriteString(fmt.Sprintf("failed sends       %d\n", stats.RollbackCount))
	}
	b.WriteString(fmt.Sprintf("duration           %s", stats.Duration.Round(time.Second)))
	fmt.Fprintln(u.w, Styles.InfoBox.Width(40).Render(
		Styles.Subtitle.Render("session summary")+"\n"+b.String()))
}

func (u *terminalChatUI) Goodbye() {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		fmt.Fprintln(u.w, "BYE")
		return
	}
	fmt.Fprintln(u.w, Styles.Subtitle.Render("thanks for visiting, come back soon"))
}

// formatINR renders a rupee amount in the Indian digit grouping
// (12,34,56,789), switching to lakh/crore shorthand above a lakh.
func formatINR(amount int64) string {
	switch {
	case amount >= 1_00_00_000:
		return fmt.Sprintf("₹%.2f Cr", float64(amount)/1_00_00_000)
	case amount >= 1_00_000:
		return fmt.Sprintf("₹%.2f L", float64(amount)/1_00_000)
	default:
		return fmt.Sprintf("₹%d", amount)
	}
}

// Compile-time interface check
var _ ChatUI = (*terminalChatUI)(nil)
