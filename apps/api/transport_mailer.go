package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mynkBrthwl/web-fe/libs/mailer"
)

// MailerTransport renders submissions server-side and delivers them through
// libs/mailer.
type MailerTransport struct {
	Mailer    *mailer.Mailer
	To        []string
	Forms     FormRegistry
	Templates *emailTemplateRenderer
	// TemplateNames maps configured template ids to template file names.
	// Unmapped ids fall back to the form kind.
	TemplateNames map[string]string
	Now           func() time.Time
}

func (t *MailerTransport) Name() string {
	return "mailer:" + t.Mailer.ProviderName()
}

func (t *MailerTransport) Send(ctx context.Context, env Envelope) error {
	msg, err := t.buildMessage(env)
	if err != nil {
		return err
	}
	if _, err := t.Mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("deliver %s submission: %w", env.Form, err)
	}
	return nil
}

func (t *MailerTransport) buildMessage(env Envelope) (mailer.Message, error) {
	def, ok := t.Forms[env.Form]
	if !ok {
		return mailer.Message{}, ErrUnknownForm
	}

	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}

	name := string(env.Form)
	if mapped, ok := t.TemplateNames[env.TemplateID]; ok {
		name = mapped
	}
	rendered, err := t.Templates.Render(name, buildEmailTemplateData(def, env.Fields, now))
	if err != nil {
		return mailer.Message{}, err
	}

	msg := mailer.Message{
		To:      t.To,
		ReplyTo: strings.TrimSpace(env.Fields["email"]),
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}

	if env.Form == FormApplication {
		pdf, err := buildApplicationPDF(def, env.Fields, now)
		if err != nil {
			return mailer.Message{}, err
		}
		msg.Attachments = append(msg.Attachments, mailer.Attachment{
			Filename: fmt.Sprintf("application-%s.pdf", now.UTC().Format("20060102-150405")),
			Content:  pdf,
		})
	}
	return msg, nil
}
