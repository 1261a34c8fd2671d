package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"support-widget/internal/escalation"
	"support-widget/internal/usecase"
)

type stubService struct {
	askOut   usecase.AskOutput
	askErr   error
	askIn    usecase.AskInput
	clearOut usecase.ClearOutput
	clearErr error
	state    escalation.State
	stateErr error
}

func (s *stubService) Ask(_ context.Context, in usecase.AskInput) (usecase.AskOutput, error) {
	s.askIn = in
	return s.askOut, s.askErr
}

func (s *stubService) Clear(context.Context, string) (usecase.ClearOutput, error) {
	return s.clearOut, s.clearErr
}

func (s *stubService) ActivateEscalation(context.Context, string) (escalation.State, error) {
	return s.state, s.stateErr
}

func newRouter(t *testing.T, svc ConversationService) chi.Router {
	t.Helper()
	h, err := NewHandler(svc)
	require.NoError(t, err)
	r := chi.NewRouter()
	RegisterRoutes(r, h)
	return r
}

func doPost(r chi.Router, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandleSend(t *testing.T) {
	svc := &stubService{askOut: usecase.AskOutput{SessionID: "session_a", HTML: "<div>ok</div>"}}
	r := newRouter(t, svc)

	rec := doPost(r, "/send", `{"scope":"w1","question":"Hola"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, usecase.AskInput{Scope: "w1", Question: "Hola"}, svc.askIn)

	var out sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "session_a", out.SessionID)
}

func TestHandleSend_InvalidJSON(t *testing.T) {
	r := newRouter(t, &stubService{})

	rec := doPost(r, "/send", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSend_BusyMapsToConflict(t *testing.T) {
	svc := &stubService{askErr: &usecase.Error{
		Code:        usecase.ErrorBusy,
		Reason:      "request_in_flight",
		UserMessage: "Hay una pregunta en curso. Esperá la respuesta antes de enviar otra.",
	}}
	r := newRouter(t, svc)

	rec := doPost(r, "/send", `{"scope":"w1","question":"Hola"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, string(usecase.ErrorBusy), out.Error)
	require.NotEmpty(t, out.Message)
}

func TestHandleClear(t *testing.T) {
	svc := &stubService{clearOut: usecase.ClearOutput{SessionID: "session_b", Greeting: "hola"}}
	r := newRouter(t, svc)

	rec := doPost(r, "/clear", `{"scope":"w1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out clearResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "session_b", out.SessionID)
}

func TestHandleEscalate(t *testing.T) {
	svc := &stubService{state: escalation.StateFallbackOpened}
	r := newRouter(t, svc)

	rec := doPost(r, "/escalate", `{"scope":"w1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out escalateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "fallback_opened", out.State)
}

func TestPing(t *testing.T) {
	r := newRouter(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pong", rec.Body.String())
}
