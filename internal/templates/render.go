package templates

import (
	"bytes"
	"errors"
	htmltemplate "html/template"
	"regexp"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/models"
)

// Names a context key may not take as a bare {{key}} function: template
// builtins and keywords.
var reserved = map[string]bool{
	"and": true, "call": true, "html": true, "index": true, "slice": true,
	"js": true, "len": true, "not": true, "or": true, "print": true,
	"printf": true, "println": true, "urlquery": true, "eq": true, "ge": true,
	"gt": true, "le": true, "lt": true, "ne": true,
	"if": true, "else": true, "end": true, "range": true, "with": true,
	"template": true, "define": true, "block": true, "nil": true,
	"break": true, "continue": true,
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Renderer turns a descriptor and a request into a MailMessage. Subject and
// plain parts use text/template, html parts html/template, both with the
// sprig function set. Context values are reachable as {{.key}} and {{key}}.
type Renderer struct {
	fromName string
	fromMail string
	log      *zap.Logger
}

func NewRenderer(fromName, fromMail string, logger *zap.Logger) *Renderer {
	return &Renderer{fromName: fromName, fromMail: fromMail, log: logger}
}

// Render is deterministic: the same descriptor and request always produce
// identical bodies. Any template failure is a *apperrors.RenderError.
func (r *Renderer) Render(d *models.TemplateDescriptor, req models.MessageRequest) (*models.MailMessage, error) {
	data := req.Ctx
	if data == nil {
		data = map[string]any{}
	}
	vars := contextFuncs(data)

	subject, err := renderText(d.ID, "subject", d.Subject, data, vars)
	if err != nil {
		return nil, err
	}

	msg := &models.MailMessage{
		FromName:   r.fromName,
		FromMail:   r.fromMail,
		Recipients: append([]string(nil), req.Recipients...),
		Subject:    strings.TrimSpace(subject),
	}

	for _, part := range d.Parts {
		switch part.Type {
		case models.PartPlain:
			body, err := renderText(d.ID, part.Type, part.Template, data, vars)
			if err != nil {
				return nil, err
			}
			msg.PlainBody = &body

		case models.PartHTML:
			body, err := renderHTML(d.ID, part.Type, part.Template, data, vars)
			if err != nil {
				return nil, err
			}
			msg.HTMLBody = &body

		default:
			r.log.Warn("ignoring unknown template part",
				zap.String("template", d.ID),
				zap.String("part_type", part.Type),
				zap.String("command_id", req.ID),
			)
		}
	}

	if !msg.HasBody() {
		return nil, &apperrors.RenderError{
			Template: d.ID,
			Part:     "body",
			Err:      errNoBody,
		}
	}

	return msg, nil
}

var errNoBody = errors.New("template has no plain or html part")

// contextFuncs exposes each identifier-shaped context key as a niladic
// function so {{name}} works like {{.name}}. Keys shadow sprig functions of
// the same name.
func contextFuncs(data map[string]any) map[string]any {
	funcs := make(map[string]any, len(data))
	for k, v := range data {
		if !identifier.MatchString(k) || reserved[k] {
			continue
		}
		funcs[k] = func() any { return v }
	}
	return funcs
}

func renderText(name, part, src string, data map[string]any, vars map[string]any) (string, error) {
	tmpl := texttemplate.New(name + ":" + part).
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		Funcs(vars)

	tmpl, err := tmpl.Parse(src)
	if err != nil {
		return "", &apperrors.RenderError{Template: name, Part: part, Err: err}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", &apperrors.RenderError{Template: name, Part: part, Err: err}
	}
	return buf.String(), nil
}

func renderHTML(name, part, src string, data map[string]any, vars map[string]any) (string, error) {
	tmpl := htmltemplate.New(name + ":" + part).
		Option("missingkey=error").
		Funcs(sprig.HtmlFuncMap()).
		Funcs(vars)

	tmpl, err := tmpl.Parse(src)
	if err != nil {
		return "", &apperrors.RenderError{Template: name, Part: part, Err: err}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", &apperrors.RenderError{Template: name, Part: part, Err: err}
	}
	return buf.String(), nil
}
