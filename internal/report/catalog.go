package report

import (
	"fmt"
	"regexp"
	"strings"
)

var departmentRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ParamError is a user-facing rejection of report parameters.
type ParamError struct {
	Param   string
	Message string
}

func (e *ParamError) Error() string { return e.Param + ": " + e.Message }

// Catalog validates report parameters typed by owners.
// With a non-empty department list only those departments (and "all") are accepted.
type Catalog struct {
	departments map[string]struct{}
	ordered     []string
}

func NewCatalog(departments []string) *Catalog {
	c := &Catalog{departments: map[string]struct{}{}}
	for _, d := range departments {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || d == DepartmentAll {
			continue
		}
		if _, dup := c.departments[d]; dup {
			continue
		}
		c.departments[d] = struct{}{}
		c.ordered = append(c.ordered, d)
	}
	return c
}

// Departments lists the configured departments, "all" first.
func (c *Catalog) Departments() []string {
	return append([]string{DepartmentAll}, c.ordered...)
}

// Parse reads "<type> [department] [period] [format]".
// Missing trailing fields default to department "all", the report's
// default period and text output.
func (c *Catalog) Parse(input string) (Descriptor, error) {
	fields := strings.Fields(strings.ToLower(input))
	if len(fields) == 0 {
		return Descriptor{}, &ParamError{Param: "type", Message: "enter a report type: " + kindList()}
	}
	if len(fields) > 4 {
		return Descriptor{}, &ParamError{Param: "input", Message: "expected at most 4 values: type department period format"}
	}
	kind, err := ParseKind(fields[0])
	if err != nil {
		return Descriptor{}, &ParamError{Param: "type", Message: "unknown report type, choose one of: " + kindList()}
	}
	d := Descriptor{Kind: kind, Department: DepartmentAll, Window: kind.DefaultWindow(), Format: FormatText}
	if len(fields) > 1 {
		dep, err := c.Department(fields[1])
		if err != nil {
			return Descriptor{}, err
		}
		d.Department = dep
	}
	if len(fields) > 2 {
		w, err := ParseWindow(fields[2])
		if err != nil {
			return Descriptor{}, &ParamError{Param: "period", Message: "unknown period, choose one of: " + windowList()}
		}
		d.Window = w
	}
	if len(fields) > 3 {
		f, err := ParseFormat(fields[3])
		if err != nil {
			return Descriptor{}, &ParamError{Param: "format", Message: "unknown format, choose one of: text, pdf, xlsx"}
		}
		d.Format = f
	}
	return d, nil
}

func (c *Catalog) Department(raw string) (string, error) {
	dep := strings.ToLower(strings.TrimSpace(raw))
	if dep == DepartmentAll {
		return dep, nil
	}
	if !departmentRe.MatchString(dep) {
		return "", &ParamError{Param: "department", Message: "department must be a short name of letters, digits, - or _"}
	}
	if len(c.departments) > 0 {
		if _, ok := c.departments[dep]; !ok {
			return "", &ParamError{Param: "department", Message: fmt.Sprintf("unknown department, choose one of: %s", strings.Join(c.Departments(), ", "))}
		}
	}
	return dep, nil
}

// Validate checks a descriptor loaded from storage or built from buttons.
func (c *Catalog) Validate(d Descriptor) error {
	if !d.Kind.Valid() {
		return &ParamError{Param: "type", Message: "unknown report type"}
	}
	if !d.Window.Valid() {
		return &ParamError{Param: "period", Message: "unknown period"}
	}
	if !d.Format.Valid() {
		return &ParamError{Param: "format", Message: "unknown format"}
	}
	_, err := c.Department(d.Department)
	return err
}

func kindList() string {
	out := make([]string, 0, len(Kinds()))
	for _, k := range Kinds() {
		out = append(out, k.String())
	}
	return strings.Join(out, ", ")
}

func windowList() string {
	out := make([]string, 0, len(Windows()))
	for _, w := range Windows() {
		out = append(out, w.String())
	}
	return strings.Join(out, ", ")
}
