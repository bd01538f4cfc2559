package report

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	logx "reportbot/pkg/logx"
)

func TestCatalogParse(t *testing.T) {
	t.Parallel()
	c := NewCatalog([]string{"kitchen", "bar"})
	cases := []struct {
		in      string
		want    Descriptor
		wantErr string
	}{
		{in: "revenue", want: Descriptor{Kind: KindRevenue, Department: "all", Window: WindowYesterday, Format: FormatText}},
		{in: "Writeoffs Kitchen", want: Descriptor{Kind: KindWriteOffs, Department: "kitchen", Window: WindowLast7Days, Format: FormatText}},
		{in: "sales bar mtd pdf", want: Descriptor{Kind: KindSales, Department: "bar", Window: WindowMonthToDate, Format: FormatPDF}},
		{in: "", wantErr: "type"},
		{in: "profit", wantErr: "type"},
		{in: "sales terrace", wantErr: "department"},
		{in: "sales bar forever", wantErr: "period"},
		{in: "sales bar mtd docx", wantErr: "format"},
		{in: "a b c d e", wantErr: "input"},
	}
	for _, tc := range cases {
		got, err := c.Parse(tc.in)
		if tc.wantErr != "" {
			var pe *ParamError
			if !errors.As(err, &pe) || pe.Param != tc.wantErr {
				t.Fatalf("Parse(%q) err=%v want param %q", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q)=%+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestCatalogWithoutDepartmentsAcceptsSlugs(t *testing.T) {
	t.Parallel()
	c := NewCatalog(nil)
	if _, err := c.Department("hall-2"); err != nil {
		t.Fatalf("Department: %v", err)
	}
	if _, err := c.Department("no spaces allowed"); err == nil {
		t.Fatalf("expected rejection")
	}
}

func TestIdentityIgnoresFormat(t *testing.T) {
	t.Parallel()
	a := Descriptor{Kind: KindRevenue, Department: "Bar", Window: WindowYesterday, Format: FormatText}
	b := a
	b.Department = "bar"
	b.Format = FormatPDF
	if a.Identity() != b.Identity() {
		t.Fatalf("identity differs: %q vs %q", a.Identity(), b.Identity())
	}
}

func TestWindowRange(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, loc)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, loc) }
	cases := []struct {
		w        Window
		from, to time.Time
	}{
		{WindowYesterday, day(2026, 2, 28), day(2026, 3, 1)},
		{WindowLast7Days, day(2026, 2, 22), day(2026, 3, 1)},
		{WindowMonthToDate, day(2026, 3, 1), day(2026, 3, 2)},
		{WindowLastMonth, day(2026, 2, 1), day(2026, 3, 1)},
	}
	for _, tc := range cases {
		from, to := tc.w.Range(now)
		if !from.Equal(tc.from) || !to.Equal(tc.to) {
			t.Fatalf("%s: got [%s,%s) want [%s,%s)", tc.w, from, to, tc.from, tc.to)
		}
	}
}

func newTestRequest(f Format) Request {
	return NewRequest(Descriptor{Kind: KindRevenue, Department: "all", Window: WindowYesterday, Format: f},
		time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
}

func TestClientGenerateText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reports/revenue" || r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var body generateBody
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &body); err != nil || body.From != "2026-10-16" || body.To != "2026-10-17" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"text":"total: 100"}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", Token: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	p, err := c.Generate(context.Background(), newTestRequest(FormatText))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if p.Text != "total: 100" || p.IsFile() {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestClientGenerateFile(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	c, _ := NewClient(ClientConfig{BaseURL: srv.URL}, logx.Nop())
	p, err := c.Generate(context.Background(), newTestRequest(FormatPDF))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !p.IsFile() || p.FileName != "revenue_all_20261016_20261016.pdf" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestClientClassifiesStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status     int
		retryable  bool
		actionable bool
	}{
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusUnprocessableEntity, false, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		c, _ := NewClient(ClientConfig{BaseURL: srv.URL}, logx.Nop())
		_, err := c.Generate(context.Background(), newTestRequest(FormatText))
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if Retryable(err) != tc.retryable || Actionable(err) != tc.actionable {
			t.Fatalf("status %d: retryable=%v actionable=%v", tc.status, Retryable(err), Actionable(err))
		}
	}
}

type countingGenerator struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (g *countingGenerator) Generate(ctx context.Context, req Request) (Payload, error) {
	g.calls.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	return Payload{Title: "t", Text: req.CacheKey()}, nil
}

func TestCachedGeneratorCollapsesIdenticalRequests(t *testing.T) {
	t.Parallel()
	next := &countingGenerator{gate: make(chan struct{})}
	g := NewCachedGenerator(next, 1, time.Minute, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Generate(context.Background(), newTestRequest(FormatText)); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(next.gate)
	wg.Wait()

	if _, err := g.Generate(context.Background(), newTestRequest(FormatText)); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := next.calls.Load(); got != 1 {
		t.Fatalf("underlying calls=%d want 1", got)
	}
}

func TestCachedGeneratorDisabled(t *testing.T) {
	t.Parallel()
	next := &countingGenerator{}
	if g := NewCachedGenerator(next, 0, time.Minute, logx.Nop()); g != Generator(next) {
		t.Fatalf("zero size should return the wrapped generator")
	}
}
