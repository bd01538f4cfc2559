// Package delivery sends rendered reports to their owners over the chat
// transport.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"reportbot/internal/report"
	"reportbot/internal/transport"
	"reportbot/pkg/tgui"
)

// Error is a failed delivery. Permanent failures are not worth retrying
// within the same firing.
type Error struct {
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("delivery %s: %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sender is the subset of transport.Adapter used for delivery.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Document) (transport.MessageRef, error)
}

type Channel struct {
	sender Sender
}

func NewChannel(sender Sender) *Channel { return &Channel{sender: sender} }

// Deliver sends p to owner: file payloads as a document captioned with the
// title, text payloads as an HTML message.
func (c *Channel) Deliver(ctx context.Context, owner int64, p report.Payload) error {
	to := transport.ChatTarget{ChatID: owner}
	var err error
	if p.IsFile() {
		_, err = c.sender.SendDocument(ctx, to, transport.Document{
			Name:    p.FileName,
			MIME:    p.MIME,
			Data:    p.Data,
			Caption: p.Title,
		})
	} else {
		body := tgui.JoinH("\n\n", tgui.B(p.Title), tgui.Esc(p.Text))
		if p.Text == "" {
			body = tgui.JoinH("\n\n", tgui.B(p.Title), tgui.I("No data for this period."))
		}
		_, err = c.sender.SendText(ctx, to, body.String(), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	}
	if err == nil {
		return nil
	}
	return &Error{Permanent: errors.Is(err, transport.ErrRecipientUnavailable), Err: err}
}
