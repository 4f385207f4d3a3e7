package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const emailJSSendURL = "https://api.emailjs.com/api/v1.0/email/send"

// Envelope is everything a transport needs to deliver one submission.
type Envelope struct {
	ServiceID  string
	TemplateID string
	PublicKey  string
	Form       FormKind
	Fields     map[string]string
}

// Transport delivers a submission and reports success or failure.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
}

// TransportConfig holds the identifiers read once at startup.
type TransportConfig struct {
	ServiceID   string
	PublicKey   string
	TemplateIDs map[FormKind]string
}

func (c TransportConfig) envelope(kind FormKind, fields map[string]string) Envelope {
	return Envelope{
		ServiceID:  c.ServiceID,
		TemplateID: c.TemplateIDs[kind],
		PublicKey:  c.PublicKey,
		Form:       kind,
		Fields:     fields,
	}
}

// EmailJSTransport implements Transport using the EmailJS REST API.
// Server-side calls require "allow non-browser applications" on the account
// and the private access token.
type EmailJSTransport struct {
	Endpoint    string
	AccessToken string
	Client      *http.Client
}

func (t *EmailJSTransport) Name() string {
	return "emailjs"
}

func (t *EmailJSTransport) Send(ctx context.Context, env Envelope) error {
	if env.ServiceID == "" || env.TemplateID == "" || env.PublicKey == "" {
		return fmt.Errorf("emailjs: service, template and public key are required")
	}

	payload := map[string]any{
		"service_id":      env.ServiceID,
		"template_id":     env.TemplateID,
		"user_id":         env.PublicKey,
		"template_params": env.Fields,
	}
	if t.AccessToken != "" {
		payload["accessToken"] = t.AccessToken
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = emailJSSendURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("emailjs error (%d): %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	return nil
}
