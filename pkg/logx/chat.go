package logx

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatSender delivers one formatted log record to a chat.
type ChatSender func(ctx context.Context, chatID int64, threadID int, text string) error

type chatItem struct {
	chatID   int64
	threadID int
	text     string
}

// chatSink is a zerolog.LevelWriter that forwards records to a chat
// through a bounded queue. It never blocks the logging call.
type chatSink struct {
	send ChatSender

	mu       sync.Mutex
	enabled  bool
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue   chan chatItem
	once    sync.Once
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newChatSink(send ChatSender) *chatSink {
	return &chatSink{send: send, queue: make(chan chatItem, 256)}
}

// apply reports whether the sink should be part of the writer set.
func (c *chatSink) apply(cfg ChatConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = cfg.Enabled && c.send != nil && cfg.ChatID != 0
	c.chatID = cfg.ChatID
	c.threadID = cfg.ThreadID
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && cfg.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled but no chat id is configured")
	}
	if !c.enabled {
		return false
	}
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.stopped = make(chan struct{})
		go c.run(ctx)
	})
	return true
}

func (c *chatSink) run(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = c.send(sctx, it.chatID, it.threadID, it.text)
			cancel()
		}
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	enabled, chatID, threadID := c.enabled, c.chatID, c.threadID
	minLevel, lim := c.minLevel, c.limiter
	c.mu.Unlock()

	if !enabled || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := formatChatRecord(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatItem{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatChatRecord renders a zerolog JSON line as a short plain-text message.
func formatChatRecord(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), chatRecordLimit)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), chatRecordLimit)
}
