package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

// Telegram limits for setMyCommands.
const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// SendText sends text, split into several messages when it exceeds
// Telegram's limit. The reply markup rides on the first one.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := sendOptions(opt, to.ThreadID)
		if i > 0 {
			so.ReplyMarkup = nil
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, mapSendError(err)
		}
		if i == 0 {
			first = refOf(to, msg)
		}
	}
	return first, nil
}

// SendDocument uploads doc.Data as a file attachment.
func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if len(doc.Data) == 0 {
		return kit.MessageRef{}, errors.New("empty document")
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, &tele.Document{
		File:     tele.FromReader(bytes.NewReader(doc.Data)),
		FileName: doc.Name,
		MIME:     doc.MIME,
		Caption:  doc.Caption,
	}, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, mapSendError(err)
	}
	return refOf(to, msg), nil
}

// EditText replaces a message; overflow beyond one message is sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	target := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(target, chunks[0], sendOptions(opt, 0))
	switch {
	case errors.Is(err, tele.ErrSameMessageContent):
		return nil
	case err != nil:
		return mapSendError(err)
	case len(chunks) == 1:
		return nil
	}
	rest := &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview}
	_, err = a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, strings.Join(chunks[1:], "\n"), rest)
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// UpdateMenuCommands publishes the command menu, skipping the call when the
// list is unchanged since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	out, sum := menu(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

// menu converts cmds to Telegram's shape within its limits and fingerprints
// the result.
func menu(cmds []kit.BotCommand) ([]tele.Command, uint64) {
	h := fnv.New64a()
	out := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		if len(out) == maxMenuCommands {
			break
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		d = d[:min(len(d), maxMenuDescription)]
		fmt.Fprintf(h, "%s\x00%s\x00", c.Command, d)
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	return out, h.Sum64()
}

func sendOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	rm, _ := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
		ReplyMarkup:           rm,
	}
}

func refOf(to kit.ChatTarget, msg *tele.Message) kit.MessageRef {
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
}

// recipientGone lists Telegram errors after which a chat will never accept
// messages from the bot again without the user acting first.
var recipientGone = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrNotStartedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
}

func mapSendError(err error) error {
	for _, gone := range recipientGone {
		if errors.Is(err, gone) {
			return fmt.Errorf("%w: %w", kit.ErrRecipientUnavailable, err)
		}
	}
	return err
}
