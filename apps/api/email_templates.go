package main

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"strings"
	texttemplate "text/template"
	"time"
)

//go:embed templates/email/*.tmpl
var emailTemplatesFS embed.FS

type emailField struct {
	Label string
	Value string
}

type emailTemplateData struct {
	Form        FormKind
	Title       string
	Fields      []emailField
	Values      map[string]string
	SubmittedAt string
}

type renderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

type emailTemplateRenderer struct {
	env string
}

func newEmailTemplateRenderer(env string) *emailTemplateRenderer {
	return &emailTemplateRenderer{env: env}
}

func (r *emailTemplateRenderer) sourceFS() fs.FS {
	if r.env == "development" {
		return os.DirFS(".")
	}
	return emailTemplatesFS
}

// Render executes templates/email/<name>.html.tmpl and <name>.txt.tmpl. The
// text template must define a "subject" block; the subject is folded onto a
// single line.
func (r *emailTemplateRenderer) Render(name string, data emailTemplateData) (renderedEmail, error) {
	source := r.sourceFS()

	htmlPath := fmt.Sprintf("templates/email/%s.html.tmpl", name)
	textPath := fmt.Sprintf("templates/email/%s.txt.tmpl", name)

	htmlTmpl, err := htmltemplate.ParseFS(source, htmlPath)
	if err != nil {
		return renderedEmail{}, fmt.Errorf("parse email template %s: %w", name, err)
	}
	textTmpl, err := texttemplate.ParseFS(source, textPath)
	if err != nil {
		return renderedEmail{}, fmt.Errorf("parse email template %s: %w", name, err)
	}

	var htmlBuf, textBuf, subjectBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return renderedEmail{}, fmt.Errorf("render email html %s: %w", name, err)
	}
	if err := textTmpl.Execute(&textBuf, data); err != nil {
		return renderedEmail{}, fmt.Errorf("render email text %s: %w", name, err)
	}
	if err := textTmpl.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return renderedEmail{}, fmt.Errorf("render email subject %s: %w", name, err)
	}

	return renderedEmail{
		Subject: strings.Join(strings.Fields(subjectBuf.String()), " "),
		HTML:    htmlBuf.String(),
		Text:    strings.TrimSpace(textBuf.String()) + "\n",
	}, nil
}

func buildEmailTemplateData(def *FormDefinition, values map[string]string, submittedAt time.Time) emailTemplateData {
	fields := make([]emailField, 0, len(def.Fields))
	for _, f := range def.Fields {
		fields = append(fields, emailField{Label: f.Label, Value: values[f.Name]})
	}
	return emailTemplateData{
		Form:        def.Kind,
		Title:       def.Title,
		Fields:      fields,
		Values:      values,
		SubmittedAt: submittedAt.UTC().Format("2006-01-02 15:04 MST"),
	}
}
