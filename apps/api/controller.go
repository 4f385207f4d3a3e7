package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SubmitState string

const (
	StateIdle       SubmitState = "idle"
	StateSubmitting SubmitState = "submitting"
)

type NotificationKind string

const (
	NotificationSuccess NotificationKind = "success"
	NotificationFailure NotificationKind = "failure"
)

var (
	ErrUnknownField     = errors.New("unknown field")
	ErrSubmitInProgress = errors.New("submission already in progress")
)

// ValidationError lists the failing fields of a blocked submit.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("validation failed: %s", strings.Join(names, ", "))
}

// Notification is the user-visible result of a resolved submission.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	Message      string           `json:"message"`
	SubmissionID string           `json:"submissionId"`
	At           time.Time        `json:"at"`
}

// Outcome describes a resolved submission for diagnostics and the ledger.
type Outcome struct {
	SubmissionID string
	Form         FormKind
	TemplateID   string
	Transport    string
	Fields       map[string]string
	Err          error
	StartedAt    time.Time
	ResolvedAt   time.Time
}

type FormView struct {
	Form           FormKind          `json:"form"`
	Values         map[string]string `json:"values"`
	Errors         map[string]string `json:"errors"`
	State          SubmitState       `json:"state"`
	SubmitLabel    string            `json:"submitLabel"`
	SubmitDisabled bool              `json:"submitDisabled"`
	Notification   *Notification     `json:"notification,omitempty"`
}

// Submission is a handle on one in-flight transport call.
type Submission struct {
	ID string

	done         chan struct{}
	notification Notification
}

func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the submission resolves or ctx ends.
func (s *Submission) Wait(ctx context.Context) (Notification, error) {
	select {
	case <-s.done:
		return s.notification, nil
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

type ControllerOption func(*FormController)

func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *FormController) { c.log = logger }
}

// WithSendTimeout bounds each transport call; zero disables the bound.
func WithSendTimeout(timeout time.Duration) ControllerOption {
	return func(c *FormController) { c.timeout = timeout }
}

func WithOnResolve(fn func(Outcome)) ControllerOption {
	return func(c *FormController) { c.onResolve = fn }
}

// FormController owns the state of one form instance and drives its
// submission lifecycle: idle -> submitting -> idle.
type FormController struct {
	def       *FormDefinition
	rules     RuleSet
	transport Transport
	cfg       TransportConfig
	log       *slog.Logger
	timeout   time.Duration
	onResolve func(Outcome)

	mu           sync.Mutex
	values       map[string]string
	touched      map[string]bool
	state        SubmitState
	notification *Notification
}

func NewFormController(def *FormDefinition, transport Transport, cfg TransportConfig, opts ...ControllerOption) *FormController {
	c := &FormController{
		def:       def,
		rules:     def.Rules(),
		transport: transport,
		cfg:       cfg,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		values:    def.Defaults(),
		touched:   make(map[string]bool),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FormController) Definition() *FormDefinition {
	return c.def
}

// SetField updates one value and marks the field touched.
func (c *FormController) SetField(name, value string) error {
	if _, ok := c.def.Field(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = value
	c.touched[name] = true
	return nil
}

// SetFields applies every known field of values; unknown names are ignored.
func (c *FormController) SetFields(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, value := range values {
		if _, ok := c.def.Field(name); !ok {
			continue
		}
		c.values[name] = value
		c.touched[name] = true
	}
}

func (c *FormController) View() FormView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *FormController) viewLocked() FormView {
	values := make(map[string]string, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	errs := make(map[string]string)
	for name := range c.touched {
		if msg := ValidateField(name, c.values[name], c.rules); msg != "" {
			errs[name] = msg
		}
	}

	label := c.def.SubmitLabel
	if c.state == StateSubmitting && c.def.HasSendingIndicator() {
		label = c.def.SendingLabel
	}

	view := FormView{
		Form:           c.def.Kind,
		Values:         values,
		Errors:         errs,
		State:          c.state,
		SubmitLabel:    label,
		SubmitDisabled: c.state == StateSubmitting,
	}
	if c.notification != nil {
		n := *c.notification
		view.Notification = &n
	}
	return view
}

// Submit validates the current values and, when they pass, dispatches the
// transport call. Fields are reset before Submit returns, which is always
// before the call resolves. The send outlives ctx cancellation but keeps its
// values; it is bounded by the controller's send timeout instead.
func (c *FormController) Submit(ctx context.Context) (*Submission, error) {
	return c.SubmitWith(ctx, nil)
}

// SubmitWith is Submit with an admission check. admit runs only once the
// form is idle and valid, immediately before dispatch; an error from it is
// returned as is and leaves the form untouched.
func (c *FormController) SubmitWith(ctx context.Context, admit func() error) (*Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSubmitting {
		return nil, ErrSubmitInProgress
	}

	for _, f := range c.def.Fields {
		c.touched[f.Name] = true
	}
	if errs := Validate(c.values, c.rules); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	if admit != nil {
		if err := admit(); err != nil {
			return nil, err
		}
	}

	snapshot := make(map[string]string, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}

	sub := &Submission{ID: uuid.NewString(), done: make(chan struct{})}
	env := c.cfg.envelope(c.def.Kind, snapshot)
	started := time.Now().UTC()

	c.state = StateSubmitting
	c.notification = nil
	c.log.Info("form submission dispatched",
		"form", c.def.Kind,
		"submission_id", sub.ID,
		"transport", c.transport.Name(),
		"template_id", env.TemplateID,
	)

	go func() {
		sendCtx := context.WithoutCancel(ctx)
		var cancel context.CancelFunc
		if c.timeout > 0 {
			sendCtx, cancel = context.WithTimeout(sendCtx, c.timeout)
			defer cancel()
		}
		err := c.transport.Send(sendCtx, env)
		c.resolve(sub, env, err, started)
	}()

	c.values = c.def.Defaults()
	c.touched = make(map[string]bool)

	return sub, nil
}

func (c *FormController) resolve(sub *Submission, env Envelope, sendErr error, started time.Time) {
	resolved := time.Now().UTC()
	n := Notification{SubmissionID: sub.ID, At: resolved}
	if sendErr != nil {
		n.Kind = NotificationFailure
		n.Message = c.def.FailureMessage
		c.log.Error("form submission failed",
			"form", c.def.Kind,
			"submission_id", sub.ID,
			"transport", c.transport.Name(),
			"err", sendErr,
		)
	} else {
		n.Kind = NotificationSuccess
		n.Message = c.def.SuccessMessage
		c.log.Info("form submission delivered",
			"form", c.def.Kind,
			"submission_id", sub.ID,
			"duration_ms", resolved.Sub(started).Milliseconds(),
		)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.notification = &n
	c.mu.Unlock()

	sub.notification = n
	if c.onResolve != nil {
		c.onResolve(Outcome{
			SubmissionID: sub.ID,
			Form:         c.def.Kind,
			TemplateID:   env.TemplateID,
			Transport:    c.transport.Name(),
			Fields:       env.Fields,
			Err:          sendErr,
			StartedAt:    started,
			ResolvedAt:   resolved,
		})
	}
	close(sub.done)
}
