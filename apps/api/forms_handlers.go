package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type fieldUpdatePayload struct {
	Name  string `json:"name" form:"name"`
	Value string `json:"value" form:"value"`
}

// newFormController builds a controller for one form instance whose
// outcomes are written to the ledger under clientHash.
func (a *App) newFormController(def *FormDefinition, clientHash string) *FormController {
	return NewFormController(def, a.transport, a.transportCfg,
		WithLogger(a.log),
		WithSendTimeout(a.cfg.SubmitTimeout),
		WithOnResolve(func(o Outcome) { a.recordOutcome(o, clientHash) }),
	)
}

func (a *App) lookupForm(c *gin.Context) (*FormDefinition, bool) {
	def, err := a.forms.Lookup(c.Param("form"))
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "unknown_form", Message: fmt.Sprintf("Unknown form %q", c.Param("form"))})
		return nil, false
	}
	return def, true
}

// admitSubmission charges the client's submit budget. It is passed to
// SubmitWith so only dispatched sends count against the limit.
func (a *App) admitSubmission(c *gin.Context) func() error {
	return func() error {
		if a.checkRateLimit("submit:"+c.ClientIP(), submitRateLimitRequests, submitRateLimitWindow, time.Now().UTC()) {
			return nil
		}
		return &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many submissions, please try again later"}
	}
}

// bindFormValues reads a flat name -> value map from a JSON object or an
// urlencoded / multipart form body.
func bindFormValues(c *gin.Context) (map[string]string, error) {
	contentType := c.ContentType()
	if contentType == gin.MIMEPOSTForm || contentType == gin.MIMEMultipartPOSTForm {
		if contentType == gin.MIMEMultipartPOSTForm {
			if err := c.Request.ParseMultipartForm(1 << 20); err != nil {
				return nil, err
			}
		} else if err := c.Request.ParseForm(); err != nil {
			return nil, err
		}
		values := make(map[string]string, len(c.Request.PostForm))
		for key, vals := range c.Request.PostForm {
			if len(vals) > 0 {
				values[key] = vals[0]
			}
		}
		return values, nil
	}

	values := map[string]string{}
	if err := c.ShouldBindJSON(&values); err != nil {
		return nil, err
	}
	return values, nil
}

func (a *App) listFormsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"forms": a.forms.List()})
}

func (a *App) getFormHandler(c *gin.Context) {
	def, ok := a.lookupForm(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, def)
}

// validateFormHandler evaluates every rule of the form against the posted
// values without side effects.
func (a *App) validateFormHandler(c *gin.Context) {
	def, ok := a.lookupForm(c)
	if !ok {
		return
	}
	values, err := bindFormValues(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid form payload"})
		return
	}
	errs := Validate(def.Normalize(values), def.Rules())
	c.JSON(http.StatusOK, gin.H{"valid": len(errs) == 0, "errors": errs})
}

// submitFormHandler validates, sends and waits for the outcome in a single
// request. It backs plain HTML form posts.
func (a *App) submitFormHandler(c *gin.Context) {
	def, ok := a.lookupForm(c)
	if !ok {
		return
	}
	values, err := bindFormValues(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid form payload"})
		return
	}
	controller := a.newFormController(def, a.deriveClientHash(c.ClientIP()))
	controller.SetFields(values)

	sub, err := controller.SubmitWith(c.Request.Context(), a.admitSubmission(c))
	if err != nil {
		writeSubmitError(c, err, nil)
		return
	}

	notification, err := sub.Wait(c.Request.Context())
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusGatewayTimeout, Code: "request_cancelled", Message: def.FailureMessage})
		return
	}
	if notification.Kind == NotificationFailure {
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "send_failed", Message: notification.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": notification.Message, "submissionId": sub.ID})
}

func writeSubmitError(c *gin.Context, err error, view *FormView) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		body := gin.H{"error": "validation_failed", "message": "Please correct the highlighted fields", "errors": vErr.Fields}
		if view != nil {
			body["view"] = view
		}
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, ErrSubmitInProgress):
		body := gin.H{"error": "submit_in_progress", "message": "A submission is already being sent"}
		if view != nil {
			body["view"] = view
		}
		c.JSON(http.StatusConflict, body)
	default:
		writeAPIError(c, err)
	}
}

// createFormSessionHandler mounts a fresh form instance with every field at
// its default and returns the token that addresses it.
func (a *App) createFormSessionHandler(c *gin.Context) {
	def, ok := a.lookupForm(c)
	if !ok {
		return
	}
	controller := a.newFormController(def, a.deriveClientHash(c.ClientIP()))
	sessionID := a.sessions.Create(controller, time.Now())

	token, err := a.createFormSessionToken(sessionID, def.Kind)
	if err != nil {
		a.sessions.Delete(sessionID)
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "view": controller.View()})
}

func (a *App) formSessionFromRequest(c *gin.Context) (*FormController, string, bool) {
	token := sessionTokenFromRequest(c)
	if token == "" {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "missing_token", Message: "Form session token required"})
		return nil, "", false
	}
	sessionID, form, err := a.verifyFormSessionToken(token)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "invalid_token", Message: "Invalid form session token"})
		return nil, "", false
	}
	controller, ok := a.sessions.Get(sessionID, time.Now())
	if !ok || controller.Definition().Kind != form {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "session_not_found", Message: "Form session expired or not found"})
		return nil, "", false
	}
	return controller, sessionID, true
}

func (a *App) getFormSessionHandler(c *gin.Context) {
	controller, _, ok := a.formSessionFromRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, controller.View())
}

func (a *App) updateFormFieldHandler(c *gin.Context) {
	controller, _, ok := a.formSessionFromRequest(c)
	if !ok {
		return
	}
	var payload fieldUpdatePayload
	if err := c.ShouldBind(&payload); err != nil || strings.TrimSpace(payload.Name) == "" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Field name is required"})
		return
	}
	if err := controller.SetField(payload.Name, payload.Value); err != nil {
		if errors.Is(err, ErrUnknownField) {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "unknown_field", Message: err.Error()})
			return
		}
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, controller.View())
}

func (a *App) submitFormSessionHandler(c *gin.Context) {
	controller, _, ok := a.formSessionFromRequest(c)
	if !ok {
		return
	}
	sub, err := controller.SubmitWith(c.Request.Context(), a.admitSubmission(c))
	if err != nil {
		view := controller.View()
		writeSubmitError(c, err, &view)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"submissionId": sub.ID, "view": controller.View()})
}

// deleteFormSessionHandler unmounts the instance. An in-flight send still
// resolves and is recorded, but its notification has no reader.
func (a *App) deleteFormSessionHandler(c *gin.Context) {
	_, sessionID, ok := a.formSessionFromRequest(c)
	if !ok {
		return
	}
	a.sessions.Delete(sessionID)
	c.Status(http.StatusNoContent)
}
