package report

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of report types the analytics service can build.
type Kind int

const (
	KindUnknown Kind = iota
	KindRevenue
	KindSales
	KindWriteOffs
	KindLabor
)

// Window is a relative reporting period resolved at firing time.
type Window int

const (
	WindowUnknown Window = iota
	WindowYesterday
	WindowLast7Days
	WindowMonthToDate
	WindowLastMonth
)

type Format int

const (
	FormatUnknown Format = iota
	FormatText
	FormatPDF
	FormatXLSX
)

// DepartmentAll scopes a report to the whole restaurant.
const DepartmentAll = "all"

type kindInfo struct {
	slug   string
	title  string
	window Window
}

var kinds = [...]kindInfo{
	KindUnknown:   {},
	KindRevenue:   {slug: "revenue", title: "Revenue", window: WindowYesterday},
	KindSales:     {slug: "sales", title: "Sales by dish", window: WindowYesterday},
	KindWriteOffs: {slug: "writeoffs", title: "Write-offs", window: WindowLast7Days},
	KindLabor:     {slug: "labor", title: "Labor cost", window: WindowLast7Days},
}

var windows = [...]struct{ slug, title string }{
	WindowUnknown:     {},
	WindowYesterday:   {"yesterday", "yesterday"},
	WindowLast7Days:   {"week", "last 7 days"},
	WindowMonthToDate: {"mtd", "month to date"},
	WindowLastMonth:   {"last_month", "last month"},
}

var formats = [...]struct{ slug, mime, ext string }{
	FormatUnknown: {},
	FormatText:    {"text", "text/plain", ""},
	FormatPDF:     {"pdf", "application/pdf", ".pdf"},
	FormatXLSX:    {"xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
}

func Kinds() []Kind { return []Kind{KindRevenue, KindSales, KindWriteOffs, KindLabor} }

func Windows() []Window {
	return []Window{WindowYesterday, WindowLast7Days, WindowMonthToDate, WindowLastMonth}
}

func Formats() []Format { return []Format{FormatText, FormatPDF, FormatXLSX} }

func (k Kind) Valid() bool { return k > KindUnknown && int(k) < len(kinds) }

func (k Kind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return kinds[k].slug
}

func (k Kind) Title() string {
	if !k.Valid() {
		return "Unknown report"
	}
	return kinds[k].title
}

// DefaultWindow is used when the owner does not pick one.
func (k Kind) DefaultWindow() Window {
	if !k.Valid() {
		return WindowYesterday
	}
	return kinds[k].window
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds() {
		if kinds[k].slug == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown report type %q", s)
}

func (w Window) Valid() bool { return w > WindowUnknown && int(w) < len(windows) }

func (w Window) String() string {
	if !w.Valid() {
		return "unknown"
	}
	return windows[w].slug
}

func (w Window) Title() string {
	if !w.Valid() {
		return "unknown period"
	}
	return windows[w].title
}

func ParseWindow(s string) (Window, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, w := range Windows() {
		if windows[w].slug == s {
			return w, nil
		}
	}
	return WindowUnknown, fmt.Errorf("unknown period %q", s)
}

// Range resolves the window against the owner's local "now" into a
// half-open [from, to) interval of whole days in now's location.
func (w Window) Range(now time.Time) (from, to time.Time) {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	switch w {
	case WindowLast7Days:
		return today.AddDate(0, 0, -7), today
	case WindowMonthToDate:
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location()), today.AddDate(0, 0, 1)
	case WindowLastMonth:
		first := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
		return first.AddDate(0, -1, 0), first
	default:
		return today.AddDate(0, 0, -1), today
	}
}

func (f Format) Valid() bool { return f > FormatUnknown && int(f) < len(formats) }

func (f Format) String() string {
	if !f.Valid() {
		return "unknown"
	}
	return formats[f].slug
}

func (f Format) MIME() string {
	if !f.Valid() {
		return "application/octet-stream"
	}
	return formats[f].mime
}

// IsFile reports whether the format is delivered as an attachment.
func (f Format) IsFile() bool { return f == FormatPDF || f == FormatXLSX }

func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, f := range Formats() {
		if formats[f].slug == s {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unknown format %q", s)
}

// Descriptor is the persisted description of which report to produce.
type Descriptor struct {
	Kind       Kind
	Department string
	Window     Window
	Format     Format
}

// Identity is the logical report identity used for upsert-by-identity.
// The output format is deliberately not part of it.
func (d Descriptor) Identity() string {
	return d.Kind.String() + "|" + strings.ToLower(d.Department) + "|" + d.Window.String()
}

func (d Descriptor) Summary() string {
	return fmt.Sprintf("%s, %s, %s (%s)", d.Kind.Title(), d.Department, d.Window.Title(), d.Format)
}

// Request is a fully resolved generation request for one firing.
type Request struct {
	Kind       Kind
	Department string
	From       time.Time
	To         time.Time
	Format     Format
}

// NewRequest resolves d against the owner's local time.
func NewRequest(d Descriptor, localNow time.Time) Request {
	from, to := d.Window.Range(localNow)
	return Request{Kind: d.Kind, Department: d.Department, From: from, To: to, Format: d.Format}
}

// CacheKey identifies requests that produce byte-identical payloads.
func (r Request) CacheKey() string {
	return strings.Join([]string{
		r.Kind.String(), strings.ToLower(r.Department),
		r.From.Format("2006-01-02"), r.To.Format("2006-01-02"), r.Format.String(),
	}, "|")
}

// FileName is the attachment name for file formats.
func (r Request) FileName() string {
	last := r.To.AddDate(0, 0, -1)
	return fmt.Sprintf("%s_%s_%s_%s%s", r.Kind, r.Department,
		r.From.Format("20060102"), last.Format("20060102"), formats[r.Format].ext)
}

// Payload is a rendered report.
type Payload struct {
	Title    string `json:"title"`
	Text     string `json:"text,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

func (p Payload) IsFile() bool { return len(p.Data) > 0 }
