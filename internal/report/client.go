package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	logx "reportbot/pkg/logx"
)

// Generator produces a rendered report for a resolved request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Payload, error)
}

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// MaxBody caps the accepted response size.
	MaxBody int64
}

// Client talks to the analytics service over HTTP.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("reports.base_url is required")
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 20 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

type generateBody struct {
	Department string `json:"department"`
	From       string `json:"from"`
	To         string `json:"to"`
	Format     string `json:"format"`
}

type textResponse struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Generate(ctx context.Context, req Request) (Payload, error) {
	if !req.Kind.Valid() || !req.Format.Valid() {
		return Payload{}, &GenerationError{Code: CodePermanent, Err: fmt.Errorf("invalid request %s/%s", req.Kind, req.Format)}
	}
	body, err := json.Marshal(generateBody{
		Department: req.Department,
		From:       req.From.Format("2006-01-02"),
		To:         req.To.Format("2006-01-02"),
		Format:     req.Format.String(),
	})
	if err != nil {
		return Payload{}, &GenerationError{Code: CodePermanent, Err: err}
	}

	url := c.cfg.BaseURL + "/reports/" + req.Kind.String()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Payload{}, &GenerationError{Code: CodePermanent, Err: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Payload{}, &GenerationError{Code: classifyTransportError(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBody+1))
	if err != nil {
		return Payload{}, &GenerationError{Code: CodeTransient, Status: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > c.cfg.MaxBody {
		return Payload{}, &GenerationError{Code: CodePermanent, Status: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", c.cfg.MaxBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return Payload{}, &GenerationError{Code: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Err: errors.New(errorMessage(data))}
	}

	c.log.Debug("report fetched", logx.String("kind", req.Kind.String()), logx.String("department", req.Department), logx.Int("bytes", len(data)))

	title := fmt.Sprintf("%s: %s, %s", req.Kind.Title(), req.Department, periodLabel(req))
	if !req.Format.IsFile() {
		var tr textResponse
		if err := json.Unmarshal(data, &tr); err != nil {
			return Payload{}, &GenerationError{Code: CodePermanent, Status: resp.StatusCode, Err: fmt.Errorf("decode text report: %w", err)}
		}
		if tr.Title != "" {
			title = tr.Title
		}
		return Payload{Title: title, Text: tr.Text}, nil
	}
	if len(data) == 0 {
		return Payload{}, &GenerationError{Code: CodePermanent, Status: resp.StatusCode, Err: errors.New("empty report file")}
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = req.Format.MIME()
	}
	return Payload{Title: title, FileName: req.FileName(), MIME: mime, Data: data}, nil
}

func classifyStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthExpired
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return CodeTransient
	default:
		return CodePermanent
	}
}

func classifyTransportError(ctx context.Context, err error) ErrorCode {
	// The firing's own deadline is not something a retry can fix.
	if ctx.Err() != nil {
		return CodePermanent
	}
	return CodeTransient
}

func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func periodLabel(req Request) string {
	last := req.To.AddDate(0, 0, -1)
	if !last.After(req.From) {
		return req.From.Format("02.01.2006")
	}
	return req.From.Format("02.01.2006") + " - " + last.Format("02.01.2006")
}
