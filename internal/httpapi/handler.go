// Package httpapi serves the widget operations over plain HTTP for
// local development and self-hosted deployments. The Lambda deployment
// uses the handler package instead; both speak the same JSON bodies.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"support-widget/internal/escalation"
	"support-widget/internal/usecase"
)

// ConversationService is the controller port the handlers depend on.
type ConversationService interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	Clear(ctx context.Context, scope string) (usecase.ClearOutput, error)
	ActivateEscalation(ctx context.Context, scope string) (escalation.State, error)
}

type Handler struct {
	svc ConversationService
}

func NewHandler(svc ConversationService) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("httpapi: conversation service must not be nil")
	}
	return &Handler{svc: svc}, nil
}

type sendRequest struct {
	Scope    string `json:"scope"`
	Question string `json:"question"`
}

type scopeRequest struct {
	Scope string `json:"scope"`
}

type sendResponse struct {
	SessionID        string `json:"sessionId"`
	HTML             string `json:"html"`
	Degraded         bool   `json:"degraded,omitempty"`
	Escalated        bool   `json:"escalated,omitempty"`
	EscalationReason string `json:"escalationReason,omitempty"`
}

type clearResponse struct {
	SessionID string `json:"sessionId"`
	Greeting  string `json:"greeting"`
}

type escalateResponse struct {
	State string `json:"state"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
		return
	}

	out, err := h.svc.Ask(r.Context(), usecase.AskInput{Scope: req.Scope, Question: req.Question})
	if err != nil {
		writeFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{
		SessionID:        out.SessionID,
		HTML:             out.HTML,
		Degraded:         out.Degraded,
		Escalated:        out.Escalated,
		EscalationReason: string(out.EscalationReason),
	})
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
		return
	}

	out, err := h.svc.Clear(r.Context(), req.Scope)
	if err != nil {
		writeFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{SessionID: out.SessionID, Greeting: out.Greeting})
}

func (h *Handler) HandleEscalate(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
		return
	}

	state, err := h.svc.ActivateEscalation(r.Context(), req.Scope)
	if err != nil {
		writeFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escalateResponse{State: string(state)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorBusy, usecase.ErrorClearRejected:
		return http.StatusConflict
	case usecase.ErrorBackend:
		return http.StatusUnprocessableEntity
	case usecase.ErrorNetwork, usecase.ErrorServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeFromErr(w http.ResponseWriter, err error) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		slog.Error("unexpected controller error", "err", err)
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	writeError(w, ucErr)
}

func writeError(w http.ResponseWriter, ucErr *usecase.Error) {
	writeJSON(w, statusFor(ucErr.Code), errorResponse{
		Error:   string(ucErr.Code),
		Reason:  ucErr.Reason,
		Message: ucErr.UserMessage,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
