// Package bot holds the chat-facing handlers: commands, wizard buttons and
// per-subscription actions.
package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"reportbot/internal/registry"
	"reportbot/internal/subscription"
	"reportbot/internal/transport/telegram/router"
	"reportbot/internal/wizard"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/tgui"
)

// Subscriptions is the owner-scoped view of the registry.
type Subscriptions interface {
	List(ctx context.Context, owner int64) ([]registry.Entry, error)
	Delete(ctx context.Context, owner int64, id string) (bool, error)
	DeleteOwner(ctx context.Context, owner int64) (int, error)
	SetActive(ctx context.Context, owner int64, id string, active bool) (subscription.Subscription, error)
}

// Callback scopes.
const (
	scopeWizard = "wiz"
	scopeSub    = "sub"
	scopeMenu   = "menu"
)

type Handlers struct {
	subs    Subscriptions
	wiz     *wizard.Manager
	help    func() string
	loc     *time.Location
	refName string
	log     logx.Logger
}

// New builds the handler set. help renders the command list; loc is the
// reference timezone used to show next firing times.
func New(subs Subscriptions, wiz *wizard.Manager, help func() string, loc *time.Location, refName string, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handlers{subs: subs, wiz: wiz, help: help, loc: loc, refName: refName, log: log.With(logx.String("comp", "bot"))}
}

func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "introduction", Handle: h.start},
		{Name: "help", Aliases: []string{"h"}, Description: "list commands", Handle: h.helpCmd},
		{Name: "subscribe", Aliases: []string{"new"}, Description: "create or update a report subscription", Handle: h.subscribe},
		{Name: "subscriptions", Aliases: []string{"list"}, Description: "show your subscriptions", Handle: h.list},
		{Name: "unsubscribe", Description: "delete a subscription", Usage: "/unsubscribe <n|all>", Handle: h.unsubscribe},
		{Name: "back", Description: "previous wizard step", Handle: h.back},
		{Name: "cancel", Description: "abandon the wizard", Handle: h.cancel},
	}
}

func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: scopeWizard, Action: "opt", Handle: h.wizardOption},
		{Scope: scopeWizard, Action: "back", Handle: h.back},
		{Scope: scopeWizard, Action: "cancel", Handle: h.cancel},
		{Scope: scopeMenu, Action: "new", Handle: h.subscribe},
		{Scope: scopeMenu, Action: "list", Handle: h.list},
		{Scope: scopeSub, Action: "pause", Handle: h.setActive(false)},
		{Scope: scopeSub, Action: "resume", Handle: h.setActive(true)},
		{Scope: scopeSub, Action: "delete", Handle: h.deleteOne},
	}
}

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	text := tgui.JoinH("\n",
		tgui.B("👋 Restaurant reports"),
		tgui.Esc("I deliver analytics reports on a schedule: daily, on workdays, weekly or monthly."),
		tgui.Esc("Use /subscribe to set one up and /subscriptions to manage them."),
	)
	kb := tgui.NewInline().Row(
		tgui.Btn("➕ New subscription", tgui.Data(scopeMenu, "new", "")),
		tgui.Btn("📋 My subscriptions", tgui.Data(scopeMenu, "list", "")),
	)
	return req.Reply(ctx, text.String(), kb.Markup())
}

func (h *Handlers) helpCmd(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, h.help(), nil)
}

func (h *Handlers) subscribe(ctx context.Context, req *router.Request) error {
	return h.sendWizard(ctx, req, h.wiz.Start(req.FromID))
}

func (h *Handlers) back(ctx context.Context, req *router.Request) error {
	r, ok := h.wiz.Back(req.FromID)
	if !ok {
		return req.Reply(ctx, noSession.String(), nil)
	}
	return h.sendWizard(ctx, req, r)
}

func (h *Handlers) cancel(ctx context.Context, req *router.Request) error {
	if !h.wiz.Cancel(req.FromID) {
		return req.Reply(ctx, noSession.String(), nil)
	}
	return req.Edit(ctx, tgui.Esc("Cancelled. Nothing was saved.").String(), nil)
}

// Text feeds free text to the sender's wizard session.
func (h *Handlers) Text(ctx context.Context, req *router.Request) error {
	r, ok := h.wiz.Handle(ctx, req.FromID, req.Text)
	if !ok {
		return req.Reply(ctx, tgui.Esc("Send /subscribe to create a subscription, or /help for all commands.").String(), nil)
	}
	return h.sendWizard(ctx, req, r)
}

func (h *Handlers) wizardOption(ctx context.Context, req *router.Request) error {
	r, ok := h.wiz.Handle(ctx, req.FromID, req.Payload)
	if !ok {
		return req.Edit(ctx, noSession.String(), nil)
	}
	return h.sendWizard(ctx, req, r)
}

var noSession = tgui.Esc("No subscription is being set up. Send /subscribe to start.")

// sendWizard edits the wizard message in place for button presses and
// sends a new one for typed input.
func (h *Handlers) sendWizard(ctx context.Context, req *router.Request, r wizard.Reply) error {
	var markup *tele.ReplyMarkup
	if !r.Done {
		kb := tgui.NewInline()
		var opts []tele.Btn
		for _, o := range r.Options {
			opts = append(opts, tgui.Btn(o.Label, tgui.Data(scopeWizard, "opt", o.Value)))
		}
		kb.Grid(4, opts...)
		nav := []tele.Btn{tgui.Btn("✖ Cancel", tgui.Data(scopeWizard, "cancel", ""))}
		if r.Step > wizard.ChoosingPeriodicity {
			nav = append([]tele.Btn{tgui.Btn("⬅ Back", tgui.Data(scopeWizard, "back", ""))}, nav...)
		}
		kb.Row(nav...)
		markup = kb.Markup()
	}
	if req.Update.Callback != nil {
		return req.Edit(ctx, r.Text.String(), markup)
	}
	return req.Reply(ctx, r.Text.String(), markup)
}

func (h *Handlers) list(ctx context.Context, req *router.Request) error {
	entries, err := h.subs.List(ctx, req.FromID)
	if err != nil {
		return h.storageErr(ctx, req, err)
	}
	if len(entries) == 0 {
		kb := tgui.NewInline().Row(tgui.Btn("➕ New subscription", tgui.Data(scopeMenu, "new", "")))
		return req.Reply(ctx, tgui.Esc("You have no subscriptions yet.").String(), kb.Markup())
	}
	kb := tgui.NewInline()
	for i, e := range entries {
		n := strconv.Itoa(i + 1)
		toggle := tgui.Btn(n+" ⏸ Pause", tgui.Data(scopeSub, "pause", e.ID))
		if !e.Active {
			toggle = tgui.Btn(n+" ▶ Resume", tgui.Data(scopeSub, "resume", e.ID))
		}
		kb.Row(toggle, tgui.Btn(n+" 🗑 Delete", tgui.Data(scopeSub, "delete", e.ID)))
	}
	return req.Reply(ctx, renderList(entries, h.loc, h.refName).String(), kb.Markup())
}

func (h *Handlers) unsubscribe(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, tgui.Esc("Usage: /unsubscribe <n|all>, where n is the number shown by /subscriptions.").String(), nil)
	}
	arg := strings.ToLower(req.Args[0])
	if arg == "all" {
		n, err := h.subs.DeleteOwner(ctx, req.FromID)
		if err != nil {
			return h.storageErr(ctx, req, err)
		}
		return req.Reply(ctx, tgui.Esc("Deleted "+strconv.Itoa(n)+" subscription(s).").String(), nil)
	}
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 1 {
		return req.Reply(ctx, tgui.Esc("Give a subscription number from /subscriptions, or \"all\".").String(), nil)
	}
	entries, err := h.subs.List(ctx, req.FromID)
	if err != nil {
		return h.storageErr(ctx, req, err)
	}
	if idx > len(entries) {
		return req.Reply(ctx, tgui.Esc("There is no subscription #"+arg+".").String(), nil)
	}
	return h.delete(ctx, req, entries[idx-1].ID)
}

func (h *Handlers) deleteOne(ctx context.Context, req *router.Request) error {
	return h.delete(ctx, req, req.Payload)
}

func (h *Handlers) delete(ctx context.Context, req *router.Request, id string) error {
	ok, err := h.subs.Delete(ctx, req.FromID, id)
	if err != nil {
		return h.storageErr(ctx, req, err)
	}
	if !ok {
		return req.Reply(ctx, tgui.Esc("That subscription no longer exists.").String(), nil)
	}
	return req.Reply(ctx, tgui.Esc("🗑 Subscription deleted.").String(), nil)
}

func (h *Handlers) setActive(active bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		s, err := h.subs.SetActive(ctx, req.FromID, req.Payload, active)
		switch {
		case errors.Is(err, subscription.ErrNotFound):
			return req.Reply(ctx, tgui.Esc("That subscription no longer exists.").String(), nil)
		case errors.Is(err, subscription.ErrNotScheduled):
			h.log.Warn("resumed without schedule", logx.String("sub", req.Payload), logx.Err(err))
		case err != nil:
			return h.storageErr(ctx, req, err)
		}
		verb := "⏸ Paused"
		if active {
			verb = "▶ Resumed"
		}
		return req.Reply(ctx, tgui.JoinH(": ", tgui.B(verb), tgui.Esc(s.Report.Summary())).String(), nil)
	}
}

func (h *Handlers) storageErr(ctx context.Context, req *router.Request, err error) error {
	if errors.Is(err, subscription.ErrStorageUnavailable) {
		_ = req.Reply(ctx, tgui.Esc("⚠️ Storage is unavailable right now. Please try again later.").String(), nil)
	}
	return err
}
