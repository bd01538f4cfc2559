// Package router turns transport updates into handler calls: slash
// commands, inline-button callbacks and free text.
package router

import (
	"context"
	"time"

	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Hidden commands work but stay out of /help and the menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// CallbackRoute handles inline button data "scope:action[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // command name, "cb:<scope>:<action>" or "text"
	Args    []string
	Text    string // raw message text
	Payload string // callback payload

	// MessageID is the message carrying the pressed button (callbacks only).
	MessageID int
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends HTML text to the request's chat.
func (r *Request) Reply(ctx context.Context, html string, markup any) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup})
	return err
}

// Edit replaces the message that carried the pressed button, falling back
// to a new message for plain updates.
func (r *Request) Edit(ctx context.Context, html string, markup any) error {
	if r.MessageID == 0 {
		return r.Reply(ctx, html, markup)
	}
	ref := kit.MessageRef{ChatID: r.Chat.ChatID, ThreadID: r.Chat.ThreadID, MessageID: r.MessageID}
	return r.Adapter.EditText(ctx, ref, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup})
}

type Config struct {
	Workers   int
	QueueSize int
	// AllowedUserIDs restricts the bot to these senders; empty allows everyone.
	AllowedUserIDs []int64
	// Timeout applies to handlers without their own.
	Timeout time.Duration
}
