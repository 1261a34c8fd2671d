// Package usecase orchestrates one question/answer cycle: single-flight
// guard, backend round trip, reply extraction and escalation arming,
// always restoring a ready state on every exit path.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"support-widget/internal/client"
	"support-widget/internal/domain"
	"support-widget/internal/escalation"
	"support-widget/internal/session"
)

const (
	defaultMaxQuestionLen = 1000

	connectivityMessage = "Error de conexión. Verifica que el servidor esté funcionando."
	busyMessage         = "Hay una pregunta en curso. Esperá la respuesta antes de enviar otra."
	clearGreeting       = "Nueva conversación iniciada. ¡Hola! ¿En qué puedo ayudarte?"
)

// progressMessages is the fixed "still working" sequence keyed by
// elapsed time since the send started.
var progressMessages = []struct {
	after time.Duration
	text  string
}{
	{0, "Procesando pregunta..."},
	{4 * time.Second, "Buscando en la documentación..."},
	{9 * time.Second, "Elaborando la respuesta..."},
}

// BackendClient is the conversational backend protocol port.
type BackendClient interface {
	Send(ctx context.Context, question, sessionID string) (domain.Reply, error)
	ClearHistory(ctx context.Context, sessionID string) error
}

// SessionManager owns session-identifier lifecycle per storage scope.
type SessionManager interface {
	GetOrCreate(ctx context.Context, scope string) (domain.Session, error)
	Rotate(ctx context.Context, scope string) (domain.Session, error)
}

// Extractor normalizes a backend reply for display.
type Extractor interface {
	Extract(fullConversation string, raw domain.Reply) domain.NormalizedReply
}

// Escalator receives escalation signals and performs the hand-off.
type Escalator interface {
	Arm(signal domain.EscalationSignal)
	Activate(ctx context.Context) (escalation.State, error)
}

// UISink receives input-affordance and status-text signals. The
// controller never owns rendering; a host that has no UI injects NopUI.
type UISink interface {
	SetInputEnabled(enabled bool)
	ShowStatus(text string)
	ClearStatus()
}

// NopUI is a UISink for headless hosts.
type NopUI struct{}

func (NopUI) SetInputEnabled(bool) {}
func (NopUI) ShowStatus(string)    {}
func (NopUI) ClearStatus()         {}

type AskInput struct {
	Scope    string
	Question string
}

type AskOutput struct {
	SessionID        string
	HTML             string
	Degraded         bool
	Escalated        bool
	EscalationReason domain.EscalationReason
}

type ClearOutput struct {
	SessionID string
	Greeting  string
}

// Service is the conversation controller for widget instances. All
// mutable turn state (guard, escalator) is scoped per widget storage
// scope; nothing lives in package-level variables.
type Service struct {
	backend      BackendClient
	sessions     SessionManager
	state        session.StateStore
	extractor    Extractor
	newEscalator func(scope string) Escalator
	ui           UISink

	maxQuestionLen   int
	progressInterval time.Duration

	mu         sync.Mutex
	guards     map[string]*atomic.Bool
	escalators map[string]Escalator
}

// NewService validates and wires the controller.
func NewService(backend BackendClient, sessions SessionManager, state session.StateStore,
	extractor Extractor, newEscalator func(scope string) Escalator, ui UISink) (*Service, error) {
	if backend == nil {
		return nil, errors.New("usecase: backend client must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session manager must not be nil")
	}
	if state == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if extractor == nil {
		return nil, errors.New("usecase: extractor must not be nil")
	}
	if newEscalator == nil {
		return nil, errors.New("usecase: escalator factory must not be nil")
	}
	if ui == nil {
		ui = NopUI{}
	}
	return &Service{
		backend:          backend,
		sessions:         sessions,
		state:            state,
		extractor:        extractor,
		newEscalator:     newEscalator,
		ui:               ui,
		maxQuestionLen:   defaultMaxQuestionLen,
		progressInterval: 500 * time.Millisecond,
		guards:           map[string]*atomic.Bool{},
		escalators:       map[string]Escalator{},
	}, nil
}

// guardFor returns the single-flight guard for a widget scope.
func (s *Service) guardFor(scope string) *atomic.Bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[scope]
	if !ok {
		g = &atomic.Bool{}
		s.guards[scope] = g
	}
	return g
}

// escalatorFor returns the per-scope escalation coordinator, creating
// it lazily on first use.
func (s *Service) escalatorFor(scope string) Escalator {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escalators[scope]
	if !ok {
		e = s.newEscalator(scope)
		s.escalators[scope] = e
	}
	return e
}

// Ask runs one conversational turn. A turn arriving while another is in
// flight for the same scope fails fast with ErrorBusy and leaves all
// state untouched. The guard, input affordances and progress ticker are
// restored on every exit path.
func (s *Service) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "empty_question", "Escribí una pregunta.", nil)
	}
	if len(question) > s.maxQuestionLen {
		return AskOutput{}, newError(ErrorInvalidInput, "question_too_long", "La pregunta es demasiado larga.", nil)
	}
	scope := strings.TrimSpace(in.Scope)
	if scope == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "empty_scope", "Falta el identificador del widget.", nil)
	}

	guard := s.guardFor(scope)
	if !guard.CompareAndSwap(false, true) {
		return AskOutput{}, newError(ErrorBusy, "request_in_flight", busyMessage, nil)
	}
	defer guard.Store(false)

	s.ui.SetInputEnabled(false)
	defer s.ui.SetInputEnabled(true)
	stopProgress := s.startProgress()
	defer stopProgress()

	sess, err := s.sessions.GetOrCreate(ctx, scope)
	if err != nil {
		return AskOutput{}, newError(ErrorInternal, "session_error", connectivityMessage, err)
	}

	hist, err := s.recordQuestion(ctx, scope, sess.ID, question)
	if err != nil {
		return AskOutput{}, newError(ErrorInternal, "state_write_error", connectivityMessage, err)
	}

	reply, err := s.backend.Send(ctx, question, sess.ID)
	if err != nil {
		return AskOutput{}, mapSendError(err)
	}

	normalized := s.extractor.Extract(reply.FullConversation, reply)

	out := AskOutput{
		SessionID: sess.ID,
		HTML:      normalized.HTML,
		Degraded:  normalized.Degraded,
	}
	if reply.Escalate {
		signal := buildSignal(reply, question, hist)
		s.escalatorFor(scope).Arm(signal)
		out.Escalated = true
		out.EscalationReason = signal.Reason
	}
	return out, nil
}

// recordQuestion appends the question to the persisted ring before the
// send, so hand-off context survives a failed turn.
func (s *Service) recordQuestion(ctx context.Context, scope, sessionID, question string) (*session.History, error) {
	st, _, err := s.state.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	hist := session.NewHistory(st.Questions)
	hist.Append(question)
	st.SessionID = sessionID
	st.Questions = hist.Items()
	if err := s.state.Save(ctx, scope, st); err != nil {
		return nil, err
	}
	return hist, nil
}

// buildSignal assembles the escalation signal, defaulting the question
// and context fields when the backend omitted them.
func buildSignal(reply domain.Reply, question string, hist *session.History) domain.EscalationSignal {
	userQuestion := reply.UserQuestion
	if userQuestion == "" {
		userQuestion = question
	}
	sessionContext := reply.SessionContext
	if sessionContext == "" {
		sessionContext = hist.Snapshot()
	}
	return domain.EscalationSignal{
		Reason:         domain.EscalationReason(reply.EscalationReason),
		UserQuestion:   userQuestion,
		SessionContext: sessionContext,
	}
}

// ActivateEscalation performs the hand-off for a previously armed
// scope.
func (s *Service) ActivateEscalation(ctx context.Context, scope string) (escalation.State, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", newError(ErrorInvalidInput, "empty_scope", "Falta el identificador del widget.", nil)
	}
	state, err := s.escalatorFor(scope).Activate(ctx)
	if err != nil {
		if errors.Is(err, escalation.ErrNotArmed) {
			return state, newError(ErrorInvalidInput, "not_armed", "No hay una derivación pendiente.", err)
		}
		return state, newError(ErrorInternal, "escalation_error", connectivityMessage, err)
	}
	return state, nil
}

// Clear starts a new conversation: backend clear first, and only on
// success the local ring is dropped and the session id rotated. A
// rejected clear keeps the previous session untouched.
func (s *Service) Clear(ctx context.Context, scope string) (ClearOutput, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return ClearOutput{}, newError(ErrorInvalidInput, "empty_scope", "Falta el identificador del widget.", nil)
	}

	guard := s.guardFor(scope)
	if !guard.CompareAndSwap(false, true) {
		return ClearOutput{}, newError(ErrorBusy, "request_in_flight", busyMessage, nil)
	}
	defer guard.Store(false)

	st, ok, err := s.state.Load(ctx, scope)
	if err != nil {
		return ClearOutput{}, newError(ErrorInternal, "state_read_error", connectivityMessage, err)
	}
	if !ok || st.SessionID == "" {
		// Nothing to clear on the backend yet; just mint the session.
		sess, err := s.sessions.Rotate(ctx, scope)
		if err != nil {
			return ClearOutput{}, newError(ErrorInternal, "session_error", connectivityMessage, err)
		}
		return ClearOutput{SessionID: sess.ID, Greeting: clearGreeting}, nil
	}

	if err := s.backend.ClearHistory(ctx, st.SessionID); err != nil {
		return ClearOutput{}, mapClearError(err)
	}

	sess, err := s.sessions.Rotate(ctx, scope)
	if err != nil {
		return ClearOutput{}, newError(ErrorInternal, "session_error", connectivityMessage, err)
	}
	return ClearOutput{SessionID: sess.ID, Greeting: clearGreeting}, nil
}

// startProgress runs the fixed status sequence while a turn is in
// flight. The returned stop function is safe to call more than once;
// the ticker is torn down exactly once.
func (s *Service) startProgress() func() {
	done := make(chan struct{})
	var once sync.Once

	s.ui.ShowStatus(progressMessages[0].text)
	go func() {
		start := time.Now()
		ticker := time.NewTicker(s.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.ui.ShowStatus(progressText(time.Since(start)))
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			s.ui.ClearStatus()
		})
	}
}

// progressText returns the latest message whose threshold has elapsed.
func progressText(elapsed time.Duration) string {
	text := progressMessages[0].text
	for _, m := range progressMessages {
		if elapsed >= m.after {
			text = m.text
		}
	}
	return text
}

func mapSendError(err error) *Error {
	var backendErr *client.BackendError
	if errors.As(err, &backendErr) {
		return newError(ErrorBackend, "backend_error", backendErr.Message, err)
	}
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) {
		msg := fmt.Sprintf("Error del servidor (%d): %s", serverErr.Status, serverErr.Body)
		return newError(ErrorServer, "server_error", msg, err)
	}
	var netErr *client.NetworkError
	if errors.As(err, &netErr) {
		return newError(ErrorNetwork, "network_error", connectivityMessage, err)
	}
	return newError(ErrorInternal, "send_error", connectivityMessage, err)
}

func mapClearError(err error) *Error {
	var rejected *client.ClearRejectedError
	if errors.As(err, &rejected) {
		msg := rejected.Message
		if msg == "" {
			msg = "No se pudo iniciar una nueva conversación."
		}
		return newError(ErrorClearRejected, "clear_rejected", msg, err)
	}
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) {
		msg := fmt.Sprintf("Error del servidor (%d): %s", serverErr.Status, serverErr.Body)
		return newError(ErrorServer, "server_error", msg, err)
	}
	var netErr *client.NetworkError
	if errors.As(err, &netErr) {
		return newError(ErrorNetwork, "network_error", connectivityMessage, err)
	}
	return newError(ErrorInternal, "clear_error", connectivityMessage, err)
}
