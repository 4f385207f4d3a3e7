package main

import (
	"errors"
	"sort"
)

type FormKind string

const (
	FormApplication FormKind = "application"
	FormInquiry     FormKind = "inquiry"
)

const msgSendFailed = "Something went wrong."

var ErrUnknownForm = errors.New("unknown form")

type FieldDefinition struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []string `json:"options,omitempty"`
	Rules       []Rule   `json:"-"`
}

// FormDefinition is the static declaration of one form: its fields, their
// defaults (always empty) and rules, and the texts shown around submission.
type FormDefinition struct {
	Kind           FormKind          `json:"kind"`
	Title          string            `json:"title"`
	SubmitLabel    string            `json:"submitLabel"`
	SendingLabel   string            `json:"sendingLabel,omitempty"`
	SuccessMessage string            `json:"successMessage"`
	FailureMessage string            `json:"failureMessage"`
	Fields         []FieldDefinition `json:"fields"`
}

func (d *FormDefinition) Rules() RuleSet {
	rules := make(RuleSet, len(d.Fields))
	for _, f := range d.Fields {
		if len(f.Rules) > 0 {
			rules[f.Name] = f.Rules
		}
	}
	return rules
}

func (d *FormDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Defaults returns a fresh value map with every field at its default.
func (d *FormDefinition) Defaults() map[string]string {
	values := make(map[string]string, len(d.Fields))
	for _, f := range d.Fields {
		values[f.Name] = ""
	}
	return values
}

// Normalize keeps only the declared fields of raw, filling absent ones with
// their default.
func (d *FormDefinition) Normalize(raw map[string]string) map[string]string {
	values := d.Defaults()
	for name := range values {
		if v, ok := raw[name]; ok {
			values[name] = v
		}
	}
	return values
}

// HasSendingIndicator reports whether the submit control changes its label
// while a send is in flight.
func (d *FormDefinition) HasSendingIndicator() bool {
	return d.SendingLabel != ""
}

func applicationForm() *FormDefinition {
	return &FormDefinition{
		Kind:           FormApplication,
		Title:          "APPLICATION",
		SubmitLabel:    "APPLY NOW",
		SuccessMessage: "Application submitted successfully",
		FailureMessage: msgSendFailed,
		Fields: []FieldDefinition{
			{Name: "name", Label: "Full Name", Type: "text", Required: true, Placeholder: "Enter your name",
				Rules: []Rule{Required(msgRequired), NamePattern()}},
			{Name: "gender", Label: "Gender", Type: "select", Required: true, Options: []string{"Male", "Female"},
				Rules: []Rule{Required(msgRequired)}},
			{Name: "dob", Label: "Date of Birth", Type: "date", Required: true, Placeholder: "YYYY-MM-DD",
				Rules: []Rule{Required(msgRequired)}},
			{Name: "address", Label: "Address", Type: "text", Required: true, Placeholder: "Enter your address",
				Rules: []Rule{Required(msgRequired), MinLength(10, "Address must be of atleast 10 characters")}},
			{Name: "mobile", Label: "Mobile Number", Type: "tel", Required: true, Placeholder: "Enter your mobile number",
				Rules: []Rule{Required(msgRequired), MobilePattern()}},
			{Name: "mobile2", Label: "Alternate Mobile Number", Type: "tel", Placeholder: "Enter an alternate number"},
			{Name: "email", Label: "Email", Type: "text", Required: true, Placeholder: "Enter your email address",
				Rules: []Rule{Required(msgRequired), Email("Invalid email")}},
			{Name: "qualification", Label: "Qualification", Type: "text", Required: true, Placeholder: "Enter your Qualification",
				Rules: []Rule{Required(msgRequired)}},
			{Name: "course", Label: "Applying For", Type: "select", Required: true, Options: []string{"NAT", "JLPT", "TOP-J", "Japanese"},
				Rules: []Rule{Required(msgRequired)}},
			{Name: "message", Label: "Your message", Type: "textarea", Placeholder: "Additional Information or Query"},
		},
	}
}

func inquiryForm() *FormDefinition {
	return &FormDefinition{
		Kind:           FormInquiry,
		Title:          "Get In Touch With Us",
		SubmitLabel:    "Send Message",
		SendingLabel:   "Sending...",
		SuccessMessage: "Email sent successfully",
		FailureMessage: msgSendFailed,
		Fields: []FieldDefinition{
			{Name: "email", Label: "Your email", Type: "text", Required: true, Placeholder: "Enter your email",
				Rules: []Rule{Required(msgRequired), Email("Invalid Email")}},
			{Name: "name", Label: "Your Name", Type: "text", Required: true, Placeholder: "Enter your name",
				Rules: []Rule{Required(msgRequired), NamePattern()}},
			{Name: "message", Label: "Your message", Type: "textarea", Required: true, Placeholder: "Let us know how can we help you",
				Rules: []Rule{Required(msgRequired), MinLength(10, "Message is too short")}},
		},
	}
}

// FormRegistry resolves form kinds to their definitions.
type FormRegistry map[FormKind]*FormDefinition

func defaultFormRegistry() FormRegistry {
	return FormRegistry{
		FormApplication: applicationForm(),
		FormInquiry:     inquiryForm(),
	}
}

func (r FormRegistry) Lookup(kind string) (*FormDefinition, error) {
	def, ok := r[FormKind(kind)]
	if !ok {
		return nil, ErrUnknownForm
	}
	return def, nil
}

func (r FormRegistry) List() []*FormDefinition {
	defs := make([]*FormDefinition, 0, len(r))
	for _, def := range r {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Kind < defs[j].Kind })
	return defs
}
