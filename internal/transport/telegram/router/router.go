package router

import (
	"context"
	"html"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "reportbot/internal/runtime/supervisor"
	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/tgui"
)

// Router dispatches updates to handlers on a fixed pool of workers. Updates
// from one sender always land on the same worker, so a user's inputs are
// handled in the order they were sent.
type Router struct {
	mu        sync.RWMutex
	commands  map[string]*Command // name and aliases
	ordered   []*Command
	callbacks map[string]CallbackRoute // "scope:action"
	text      HandlerFunc
	allowed   map[int64]struct{}
	timeout   time.Duration

	log     logx.Logger
	adapter kit.Adapter
	queues  []chan func()
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	r := &Router{
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		timeout:   cfg.Timeout,
	}
	r.queues = make([]chan func(), cfg.Workers)
	for i := range r.queues {
		r.queues[i] = make(chan func(), cfg.QueueSize)
	}
	r.SetAllowed(cfg.AllowedUserIDs)
	return r
}

// SetAllowed replaces the sender allowlist. Safe during hot reload.
func (r *Router) SetAllowed(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.allowed = m
	r.mu.Unlock()
}

// SetRegistry installs the handler tables and publishes the command menu.
// text receives every non-command message; it may be nil.
func (r *Router) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute, text HandlerFunc) {
	byName := map[string]*Command{}
	var ordered []*Command
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
		ordered = append(ordered, c)
	}
	cb := map[string]CallbackRoute{}
	for _, rt := range cbs {
		if rt.Scope == "" || rt.Action == "" || rt.Handle == nil {
			continue
		}
		cb[rt.Scope+":"+rt.Action] = rt
	}

	r.mu.Lock()
	r.commands = byName
	r.ordered = ordered
	r.callbacks = cb
	r.text = text
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := r.menu()
		go func() {
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (r *Router) menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Hidden {
			continue
		}
		if n := menuName(c.Name); n != "" {
			out = append(out, kit.BotCommand{Command: n, Description: c.Description})
		}
	}
	return out
}

// HelpText renders the visible commands as Telegram HTML.
func (r *Router) HelpText() string {
	r.mu.RLock()
	cmds := slices.Clone(r.ordered)
	r.mu.RUnlock()
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("📚 <b>Commands</b>\n")
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("\n<code>" + html.EscapeString(usage) + "</code>")
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
	}
	return b.String()
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i, q := range r.queues {
		sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-q:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("dispatcher started", logx.Int("workers", len(r.queues)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(sup.Context(), up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up)
		}
	}
}

func (r *Router) isAllowed(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.allowed) == 0 {
		return true
	}
	_, ok := r.allowed[id]
	return ok
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Text:    msg.Text,
		Adapter: r.adapter,
	}
	if !r.isAllowed(msg.FromID) {
		r.log.Debug("sender not allowed", logx.Int64("from_id", msg.FromID))
		_ = req.Reply(ctx, tgui.Esc("⛔ This bot is private.").String(), nil)
		return
	}

	name, args, isCmd := parseCommand(msg.Text)
	r.mu.RLock()
	cmd := r.commands[name]
	text := r.text
	r.mu.RUnlock()

	var (
		h       HandlerFunc
		timeout time.Duration
	)
	switch {
	case isCmd && cmd != nil:
		req.Command, req.Args, h, timeout = cmd.Name, args, cmd.Handle, cmd.Timeout
	case isCmd:
		_ = req.Reply(ctx, tgui.Esc("Unknown command. Try /help").String(), nil)
		return
	case text != nil:
		req.Command, h = "text", text
	default:
		return
	}
	if !r.enqueue(ctx, req, h, timeout, nil) {
		_ = req.Reply(ctx, tgui.Esc("Busy, try again in a moment.").String(), nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if !r.isAllowed(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	r.mu.RLock()
	rt, ok := r.callbacks[scope+":"+action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "expired")
		return
	}
	req := &Request{
		Update:    up,
		Chat:      kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:    cb.FromID,
		Command:   "cb:" + scope + ":" + action,
		Payload:   payload,
		MessageID: cb.MessageID,
		Adapter:   r.adapter,
	}
	answer := func() { _ = r.adapter.AnswerCallback(ctx, cb.ID, "") }
	if !r.enqueue(ctx, req, rt.Handle, rt.Timeout, answer) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, after func()) bool {
	if timeout <= 0 {
		timeout = r.timeout
	}
	req.ReqID = newReqID()
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
	final := Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))
	job := func() {
		_ = final(ctx, req)
		if after != nil {
			after()
		}
	}
	q := r.queues[shard(req.FromID, len(r.queues))]
	select {
	case q <- job:
		return true
	default:
		return false
	}
}

func shard(id int64, n int) int {
	if id < 0 {
		id = -id
	}
	return int(id % int64(n))
}
