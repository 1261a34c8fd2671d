// Package handler adapts API Gateway proxy events to the conversation
// controller. It owns routing, request decoding and the error-code to
// HTTP-status mapping; all conversation semantics live in usecase.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"support-widget/internal/escalation"
	"support-widget/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// ConversationService is the controller port the handler depends on.
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
		return nil, errors.New("handler: conversation service must not be nil")
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

// Handle routes one proxy event. Errors are always rendered as JSON
// bodies with a matching status; the returned error is reserved for
// events the handler cannot even answer.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFrom(event.Headers)

	if event.HTTPMethod != http.MethodPost {
		return respondError(correlationID, http.StatusMethodNotAllowed,
			&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "method_not_allowed"}), nil
	}

	switch event.Path {
	case "/send":
		return h.handleSend(ctx, event, correlationID), nil
	case "/clear":
		return h.handleClear(ctx, event, correlationID), nil
	case "/escalate":
		return h.handleEscalate(ctx, event, correlationID), nil
	default:
		return respondError(correlationID, http.StatusNotFound,
			&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unknown_path"}), nil
	}
}

func (h *Handler) handleSend(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	var req sendRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(correlationID, http.StatusBadRequest,
			&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
	}

	out, err := h.svc.Ask(ctx, usecase.AskInput{Scope: req.Scope, Question: req.Question})
	if err != nil {
		return respondUseCaseError(correlationID, err)
	}
	return respond(correlationID, http.StatusOK, sendResponse{
		SessionID:        out.SessionID,
		HTML:             out.HTML,
		Degraded:         out.Degraded,
		Escalated:        out.Escalated,
		EscalationReason: string(out.EscalationReason),
	})
}

func (h *Handler) handleClear(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	var req scopeRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(correlationID, http.StatusBadRequest,
			&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
	}

	out, err := h.svc.Clear(ctx, req.Scope)
	if err != nil {
		return respondUseCaseError(correlationID, err)
	}
	return respond(correlationID, http.StatusOK, clearResponse{SessionID: out.SessionID, Greeting: out.Greeting})
}

func (h *Handler) handleEscalate(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	var req scopeRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(correlationID, http.StatusBadRequest,
			&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
	}

	state, err := h.svc.ActivateEscalation(ctx, req.Scope)
	if err != nil {
		return respondUseCaseError(correlationID, err)
	}
	return respond(correlationID, http.StatusOK, escalateResponse{State: string(state)})
}

// statusFor maps controller error codes to HTTP statuses.
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

func respondUseCaseError(correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		slog.Error("unexpected controller error", "err", err, "correlation_id", correlationID)
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	return respondError(correlationID, statusFor(ucErr.Code), ucErr)
}

func respondError(correlationID string, status int, ucErr *usecase.Error) events.APIGatewayProxyResponse {
	return respond(correlationID, status, errorResponse{
		Error:   string(ucErr.Code),
		Reason:  ucErr.Reason,
		Message: ucErr.UserMessage,
	})
}

func respond(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	payload, err := json.Marshal(body)
	if err != nil {
		payload = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(payload),
	}
}

// correlationIDFrom reuses the caller's correlation id regardless of
// header casing, minting one otherwise.
func correlationIDFrom(headers map[string]string) string {
	for key, value := range headers {
		if strings.EqualFold(key, correlationHeader) && value != "" {
			return value
		}
	}
	return uuid.NewString()
}
