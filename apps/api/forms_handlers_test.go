package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, transport Transport) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, InitContentCache(""))

	return &App{
		cfg: &Config{
			Env:              "test",
			PublicBaseURL:    "https://miraiedu.in",
			AppSigningSecret: testSigningSecret,
			SubmitTimeout:    2 * time.Second,
		},
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		forms:        defaultFormRegistry(),
		transport:    transport,
		transportCfg: testTransportConfig,
		sessions:     newFormSessionStore(formSessionTTL),
		rateBuckets:  make(map[string]rateBucket),
	}
}

func doJSON(t *testing.T, router http.Handler, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestListFormsHandler(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	rec := doJSON(t, app.routes(), http.MethodGet, "/api/v1/forms", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Forms []FormDefinition `json:"forms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Forms, 2)
	assert.Equal(t, FormApplication, body.Forms[0].Kind)
	assert.Equal(t, FormInquiry, body.Forms[1].Kind)
	assert.Equal(t, "Sending...", body.Forms[1].SendingLabel)
}

func TestGetFormHandlerUnknownForm(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	rec := doJSON(t, app.routes(), http.MethodGet, "/api/v1/forms/newsletter", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_form", decodeBody(t, rec)["error"])
}

func TestValidateFormHandler(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	router := app.routes()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/forms/inquiry/validate",
		map[string]string{"email": "bad-email", "name": "Jane", "message": "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false,"errors":{"email":"Invalid Email","message":"Message is too short"}}`, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/v1/forms/application/validate", scenarioAValues(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true,"errors":{}}`, rec.Body.String())
}

func TestSubmitFormHandlerSuccess(t *testing.T) {
	transport := &fakeTransport{}
	app := newTestApp(t, transport)

	var mu sync.Mutex
	var records []SubmissionRecord
	app.recordSubmission = func(_ context.Context, rec SubmissionRecord) error {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, rec)
		return nil
	}

	rec := doJSON(t, app.routes(), http.MethodPost, "/api/v1/forms/application/submit", scenarioAValues(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "Application submitted successfully", body["message"])
	assert.NotEmpty(t, body["submissionId"])

	calls := transport.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "template_application", calls[0].TemplateID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	assert.Equal(t, submissionStatusSent, records[0].Status)
	assert.Equal(t, body["submissionId"], records[0].ID)
	assert.NotEmpty(t, records[0].ClientHash)
}

func TestSubmitFormHandlerAcceptsURLEncoded(t *testing.T) {
	transport := &fakeTransport{}
	app := newTestApp(t, transport)

	form := url.Values{}
	form.Set("email", "a@b.co")
	form.Set("name", "Ann")
	form.Set("message", "Please call me back")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/forms/inquiry/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	app.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Email sent successfully", decodeBody(t, rec)["message"])
	assert.Equal(t, "Ann", transport.calls()[0].Fields["name"])
}

func TestSubmitFormHandlerValidationFailure(t *testing.T) {
	transport := &fakeTransport{}
	app := newTestApp(t, transport)

	rec := doJSON(t, app.routes(), http.MethodPost, "/api/v1/forms/inquiry/submit",
		map[string]string{"email": "bad-email", "name": "Jane", "message": "hi"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "validation_failed", body["error"])
	assert.Equal(t, map[string]any{"email": "Invalid Email", "message": "Message is too short"}, body["errors"])
	assert.Empty(t, transport.calls())
}

func TestSubmitFormHandlerTransportFailure(t *testing.T) {
	app := newTestApp(t, &fakeTransport{err: errors.New("emailjs error (500): boom")})

	rec := doJSON(t, app.routes(), http.MethodPost, "/api/v1/forms/inquiry/submit",
		map[string]string{"email": "a@b.co", "name": "Ann", "message": "Please call me back"}, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "send_failed", body["error"])
	assert.Equal(t, "Something went wrong.", body["message"])
}

func TestSubmitFormHandlerInvalidPayload(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/forms/inquiry/submit", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payload", decodeBody(t, rec)["error"])
}

func TestSubmitFormHandlerRateLimited(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	router := app.routes()
	payload := map[string]string{"email": "a@b.co", "name": "Ann", "message": "Please call me back"}

	for i := 0; i < submitRateLimitRequests; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/forms/inquiry/submit", payload, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/forms/inquiry/submit", payload, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody(t, rec)["error"])
}

func TestSubmitFormHandlerInvalidPostsDoNotConsumeRateLimit(t *testing.T) {
	transport := &fakeTransport{}
	app := newTestApp(t, transport)
	router := app.routes()
	invalid := map[string]string{"email": "bad-email", "name": "Jane", "message": "hi"}

	for i := 0; i < submitRateLimitRequests+2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/forms/inquiry/submit", invalid, nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	}

	valid := map[string]string{"email": "jane@example.com", "name": "Jane", "message": "Please call me back"}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/forms/inquiry/submit", valid, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, transport.calls(), 1)
}

func TestFormSessionSubmitRateLimitKeepsValues(t *testing.T) {
	transport := &fakeTransport{}
	app := newTestApp(t, transport)
	router := app.routes()
	token, _ := createSession(t, router, "inquiry")

	for i := 0; i < submitRateLimitRequests+2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/form-sessions/submit", nil, bearer(token))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	}

	fill := func() {
		for _, field := range []fieldUpdatePayload{
			{Name: "email", Value: "a@b.co"},
			{Name: "name", Value: "Ann"},
			{Name: "message", Value: "Please call me back"},
		} {
			rec := doJSON(t, router, http.MethodPatch, "/api/v1/form-sessions/fields", field, bearer(token))
			require.Equal(t, http.StatusOK, rec.Code)
		}
	}

	for i := 0; i < submitRateLimitRequests; i++ {
		fill()
		rec := doJSON(t, router, http.MethodPost, "/api/v1/form-sessions/submit", nil, bearer(token))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.Eventually(t, func() bool {
			return len(transport.calls()) == i+1 && app.sessionState(token) == StateIdle
		}, 2*time.Second, 5*time.Millisecond)
	}

	fill()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/form-sessions/submit", nil, bearer(token))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody(t, rec)["error"])

	rec = doJSON(t, router, http.MethodGet, "/api/v1/form-sessions", nil, bearer(token))
	view := decodeView(t, rec.Body.Bytes())
	assert.Equal(t, "a@b.co", view.Values["email"], "a rejected send keeps the entered values")
	assert.Len(t, transport.calls(), submitRateLimitRequests)
}

func createSession(t *testing.T, router http.Handler, form string) (string, FormView) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/forms/"+form+"/sessions", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Token string   `json:"token"`
		View  FormView `json:"view"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	return body.Token, body.View
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func decodeView(t *testing.T, raw []byte) FormView {
	t.Helper()
	var view FormView
	require.NoError(t, json.Unmarshal(raw, &view))
	return view
}

func TestFormSessionFlow(t *testing.T) {
	transport := &fakeTransport{release: make(chan struct{}), started: make(chan struct{}, 1)}
	app := newTestApp(t, transport)
	router := app.routes()

	token, view := createSession(t, router, "inquiry")
	assert.Equal(t, StateIdle, view.State)
	assert.Equal(t, "Send Message", view.SubmitLabel)
	assert.Equal(t, inquiryForm().Defaults(), view.Values)

	rec := doJSON(t, router, http.MethodPatch, "/api/v1/form-sessions/fields", fieldUpdatePayload{Name: "email", Value: "bad-email"}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decodeView(t, rec.Body.Bytes())
	assert.Equal(t, map[string]string{"email": "Invalid Email"}, view.Errors)

	for _, field := range []fieldUpdatePayload{
		{Name: "email", Value: "a@b.co"},
		{Name: "name", Value: "Ann"},
		{Name: "message", Value: "Please call me back"},
	} {
		rec = doJSON(t, router, http.MethodPatch, "/api/v1/form-sessions/fields", field, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/form-sessions/submit", nil, bearer(token))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted struct {
		SubmissionID string   `json:"submissionId"`
		View         FormView `json:"view"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.NotEmpty(t, accepted.SubmissionID)
	assert.Equal(t, StateSubmitting, accepted.View.State)
	assert.Equal(t, "Sending...", accepted.View.SubmitLabel)
	assert.True(t, accepted.View.SubmitDisabled)
	assert.Equal(t, "", accepted.View.Values["email"])
	<-transport.started

	rec = doJSON(t, router, http.MethodPost, "/api/v1/form-sessions/submit", nil, bearer(token))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "submit_in_progress", decodeBody(t, rec)["error"])

	close(transport.release)
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/form-sessions?token="+url.QueryEscape(token), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		var v FormView
		if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
			return false
		}
		return v.State == StateIdle && v.Notification != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/form-sessions", nil, bearer(token))
	view = decodeView(t, rec.Body.Bytes())
	require.NotNil(t, view.Notification)
	assert.Equal(t, NotificationSuccess, view.Notification.Kind)
	assert.Equal(t, "Email sent successfully", view.Notification.Message)
	assert.Equal(t, accepted.SubmissionID, view.Notification.SubmissionID)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/form-sessions", nil, bearer(token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/form-sessions", nil, bearer(token))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFormSessionSubmitValidationFailureKeepsValues(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	router := app.routes()
	token, _ := createSession(t, router, "inquiry")

	rec := doJSON(t, router, http.MethodPatch, "/api/v1/form-sessions/fields", fieldUpdatePayload{Name: "name", Value: "R2D2"}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/form-sessions/submit", nil, bearer(token))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Errors map[string]string `json:"errors"`
		View   FormView          `json:"view"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"email": msgRequired, "name": msgInvalidName, "message": msgRequired}, body.Errors)
	assert.Equal(t, "R2D2", body.View.Values["name"])
	assert.Equal(t, StateIdle, body.View.State)
}

func TestFormSessionUnknownField(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	router := app.routes()
	token, _ := createSession(t, router, "application")

	rec := doJSON(t, router, http.MethodPatch, "/api/v1/form-sessions/fields", fieldUpdatePayload{Name: "passport", Value: "X"}, bearer(token))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_field", decodeBody(t, rec)["error"])
}

func TestFormSessionTokenErrors(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	router := app.routes()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/form-sessions", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_token", decodeBody(t, rec)["error"])

	rec = doJSON(t, router, http.MethodGet, "/api/v1/form-sessions", nil, bearer("not-a-jwt"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decodeBody(t, rec)["error"])

	orphan, err := app.createFormSessionToken("no-such-session", FormInquiry)
	require.NoError(t, err)
	rec = doJSON(t, router, http.MethodGet, "/api/v1/form-sessions", nil, bearer(orphan))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session_not_found", decodeBody(t, rec)["error"])
}

func TestFormSessionTokenFormMismatch(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	router := app.routes()

	controller := app.newFormController(inquiryForm(), "hash")
	sid := app.sessions.Create(controller, time.Now())
	forged, err := app.createFormSessionToken(sid, FormApplication)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/form-sessions", nil, bearer(forged))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t, &fakeTransport{})
	rec := doJSON(t, app.routes(), http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

// sessionState reads a session's state without touching the rate limiter or
// the test's failure path.
func (a *App) sessionState(token string) SubmitState {
	sid, _, err := a.verifyFormSessionToken(token)
	if err != nil {
		return ""
	}
	controller, ok := a.sessions.Get(sid, time.Now())
	if !ok {
		return ""
	}
	return controller.View().State
}
