// Package render turns a change event into a role-specific subject and body.
//
// Template kinds are a closed set. Each kind maps to one embedded template
// file defining a "subject" and a "body" block.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"changenotify/internal/domain"
)

type Kind string

const (
	KindProductManager    Kind = "product_manager"
	KindBusinessAnalyst   Kind = "business_analyst"
	KindExecutiveSummary  Kind = "executive_summary"
	KindTechnicalDetailed Kind = "technical_detailed"
)

// Kinds lists every template kind.
var Kinds = []Kind{KindProductManager, KindBusinessAnalyst, KindExecutiveSummary, KindTechnicalDetailed}

var files = map[Kind]string{
	KindProductManager:    "templates/product_manager.tmpl",
	KindBusinessAnalyst:   "templates/business_analyst.tmpl",
	KindExecutiveSummary:  "templates/executive_summary.tmpl",
	KindTechnicalDetailed: "templates/technical_detailed.tmpl",
}

//go:embed templates/*.tmpl
var templateFS embed.FS

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := files[k]; !ok {
		return "", fmt.Errorf("unknown template kind %q", s)
	}
	return k, nil
}

// Renderer holds the parsed templates. It is immutable after New.
type Renderer struct {
	tmpls map[Kind]*template.Template
	loc   *time.Location
}

// New parses every template kind. loc formats timestamps; nil means UTC.
func New(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{tmpls: make(map[Kind]*template.Template, len(files)), loc: loc}
	funcs := template.FuncMap{
		"upper":   func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
		"join":    join,
		"fmtTime": r.fmtTime,
	}
	for k, path := range files {
		t, err := template.New(string(k)).Funcs(funcs).ParseFS(templateFS, path)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", k, err)
		}
		for _, name := range []string{"subject", "body"} {
			if t.Lookup(name) == nil {
				return nil, fmt.Errorf("template %s: missing %q block", k, name)
			}
		}
		r.tmpls[k] = t
	}
	return r, nil
}

// Render executes kind against data.
func (r *Renderer) Render(kind Kind, data map[string]any) (subject, body string, err error) {
	t, ok := r.tmpls[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown template kind %q", kind)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "subject", data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", kind, err)
	}
	subject = strings.Join(strings.Fields(buf.String()), " ")
	buf.Reset()
	if err := t.ExecuteTemplate(&buf, "body", data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", kind, err)
	}
	return subject, strings.TrimSpace(buf.String()), nil
}

// RenderEvent renders e for kind.
func (r *Renderer) RenderEvent(kind Kind, e domain.Event) (string, string, error) {
	return r.Render(kind, e.RenderData())
}

func (r *Renderer) fmtTime(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "unknown"
		}
		return t.In(r.loc).Format("2006-01-02 15:04 MST")
	case nil:
		return "unknown"
	default:
		return fmt.Sprint(v)
	}
}

func join(v any) string {
	switch xs := v.(type) {
	case []string:
		return strings.Join(xs, ", ")
	case []any:
		parts := make([]string, 0, len(xs))
		for _, x := range xs {
			parts = append(parts, fmt.Sprint(x))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}
