package template

import (
	"fmt"
	htmltemplate "html/template"
	"regexp"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/relayq/relayq/internal/job"
)

// RenderError means template source and variable mapping do not line up:
// a placeholder with no variable, unparseable template syntax, or an
// unresolvable template reference. Rendering failures are permanent; the
// same input would fail the same way on every retry.
type RenderError struct {
	Reason string
}

func (e *RenderError) Error() string {
	return "render: " + e.Reason
}

// varPattern matches simple {{.Name}} or {{ .Name }} references. Used only
// for listing declared variables; rendering goes through text/template.
var varPattern = regexp.MustCompile(`\{\{\s*\.([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// ExtractVariables lists the variable names referenced by template sources,
// sorted and deduplicated.
func ExtractVariables(sources ...string) []string {
	seen := make(map[string]bool)
	for _, src := range sources {
		for _, m := range varPattern.FindAllStringSubmatch(src, -1) {
			seen[m[1]] = true
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// Engine renders subject and body templates over a flat variable mapping.
// Missing variables are a hard error, not an empty substitution.
type Engine struct {
	store *Storage
}

// NewEngine creates a template engine. store may be nil when only inline
// templates are used.
func NewEngine(store *Storage) *Engine {
	return &Engine{store: store}
}

// Render renders a job's templates. A TemplateRef is resolved through the
// store; otherwise the job's inline subject and body sources are used.
func (e *Engine) Render(j *job.Job) (*Rendered, error) {
	subject, text, html, err := e.resolve(j)
	if err != nil {
		return nil, err
	}
	return render(subject, text, html, j.Vars)
}

// Check validates a job's templates against its variable mapping without
// keeping the output. Wired into the job store as its creation-time guard.
func (e *Engine) Check(j *job.Job) error {
	_, err := e.Render(j)
	return err
}

func (e *Engine) resolve(j *job.Job) (subject, text, html string, err error) {
	if j.TemplateRef == "" {
		return j.Subject, j.BodyText, j.BodyHTML, nil
	}
	if e.store == nil {
		return "", "", "", &RenderError{Reason: fmt.Sprintf("template %q referenced but no template store configured", j.TemplateRef)}
	}
	tpl, err := e.store.Get(j.TemplateRef)
	if err != nil {
		return "", "", "", err
	}
	if tpl == nil {
		return "", "", "", &RenderError{Reason: fmt.Sprintf("template not found: %s", j.TemplateRef)}
	}
	return tpl.Subject, tpl.Text, tpl.HTML, nil
}

func render(subject, text, html string, vars map[string]string) (*Rendered, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	if strings.TrimSpace(subject) == "" {
		return nil, &RenderError{Reason: "template has no subject"}
	}
	out := &Rendered{}

	var err error
	if out.Subject, err = renderText("subject", subject, vars); err != nil {
		return nil, err
	}
	if text != "" {
		if out.Text, err = renderText("text", text, vars); err != nil {
			return nil, err
		}
	}
	if html != "" {
		if out.HTML, err = renderHTML("html", html, vars); err != nil {
			return nil, err
		}
	}
	if out.Text == "" && out.HTML == "" {
		return nil, &RenderError{Reason: "template has no body"}
	}
	return out, nil
}

func renderText(name, src string, vars map[string]string) (string, error) {
	t, err := texttemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", &RenderError{Reason: fmt.Sprintf("parse %s: %v", name, err)}
	}
	var buf strings.Builder
	if err := t.Execute(&buf, vars); err != nil {
		return "", &RenderError{Reason: fmt.Sprintf("execute %s: %v", name, err)}
	}
	return buf.String(), nil
}

func renderHTML(name, src string, vars map[string]string) (string, error) {
	t, err := htmltemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", &RenderError{Reason: fmt.Sprintf("parse %s: %v", name, err)}
	}
	var buf strings.Builder
	if err := t.Execute(&buf, vars); err != nil {
		return "", &RenderError{Reason: fmt.Sprintf("execute %s: %v", name, err)}
	}
	return buf.String(), nil
}
