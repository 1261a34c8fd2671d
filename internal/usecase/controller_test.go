package usecase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-widget/internal/client"
	"support-widget/internal/domain"
	"support-widget/internal/escalation"
	"support-widget/internal/extract"
	"support-widget/internal/session"
)

type mockBackend struct {
	mu         sync.Mutex
	reply      domain.Reply
	sendErr    error
	clearErr   error
	sendCalls  int
	clearCalls int

	lastQuestion string
	lastSession  string

	block chan struct{} // when set, Send waits until closed
}

func (m *mockBackend) Send(_ context.Context, question, sessionID string) (domain.Reply, error) {
	m.mu.Lock()
	m.sendCalls++
	m.lastQuestion = question
	m.lastSession = sessionID
	block := m.block
	reply, err := m.reply, m.sendErr
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return reply, err
}

func (m *mockBackend) ClearHistory(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCalls++
	m.lastSession = sessionID
	return m.clearErr
}

func (m *mockBackend) sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

func (m *mockBackend) setBlock(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = ch
}

type memState struct {
	mu     sync.Mutex
	states map[string]session.State
	err    error
}

func newMemState() *memState {
	return &memState{states: map[string]session.State{}}
}

func (m *memState) Load(_ context.Context, scope string) (session.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return session.State{}, false, m.err
	}
	st, ok := m.states[scope]
	return st, ok, nil
}

func (m *memState) Save(_ context.Context, scope string, st session.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.states[scope] = st
	return nil
}

type mockEscalator struct {
	armed         []domain.EscalationSignal
	activateState escalation.State
	activateErr   error
}

func (m *mockEscalator) Arm(signal domain.EscalationSignal) {
	m.armed = append(m.armed, signal)
}

func (m *mockEscalator) Activate(context.Context) (escalation.State, error) {
	return m.activateState, m.activateErr
}

type spyUI struct {
	mu       sync.Mutex
	enabled  []bool
	statuses []string
	clears   int
}

func (u *spyUI) SetInputEnabled(enabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enabled = append(u.enabled, enabled)
}

func (u *spyUI) ShowStatus(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses = append(u.statuses, text)
}

func (u *spyUI) ClearStatus() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.clears++
}

func (u *spyUI) snapshot() (enabled []bool, statuses []string, clears int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]bool(nil), u.enabled...), append([]string(nil), u.statuses...), u.clears
}

type testEnv struct {
	svc       *Service
	backend   *mockBackend
	state     *memState
	escalator *mockEscalator
	ui        *spyUI
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend := &mockBackend{reply: domain.Reply{Answer: "ok"}}
	state := newMemState()
	escalator := &mockEscalator{activateState: escalation.StateConnected}
	ui := &spyUI{}

	sessions, err := session.NewStore(state, false)
	require.NoError(t, err)
	svc, err := NewService(backend, sessions, state, extract.New(),
		func(string) Escalator { return escalator }, ui)
	require.NoError(t, err)
	return &testEnv{svc: svc, backend: backend, state: state, escalator: escalator, ui: ui}
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	return ucErr
}

func TestNewService_ValidatesDependencies(t *testing.T) {
	state := newMemState()
	sessions, err := session.NewStore(state, false)
	require.NoError(t, err)
	factory := func(string) Escalator { return &mockEscalator{} }

	_, err = NewService(nil, sessions, state, extract.New(), factory, nil)
	require.Error(t, err)
	_, err = NewService(&mockBackend{}, nil, state, extract.New(), factory, nil)
	require.Error(t, err)
	_, err = NewService(&mockBackend{}, sessions, nil, extract.New(), factory, nil)
	require.Error(t, err)
	_, err = NewService(&mockBackend{}, sessions, state, nil, factory, nil)
	require.Error(t, err)
	_, err = NewService(&mockBackend{}, sessions, state, extract.New(), nil, nil)
	require.Error(t, err)
}

func TestAsk_ValidatesInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "   "})
	requireCode(t, err, ErrorInvalidInput)

	_, err = env.svc.Ask(context.Background(), AskInput{Scope: "", Question: "hola"})
	requireCode(t, err, ErrorInvalidInput)

	require.Zero(t, env.backend.sendCalls)
}

func TestAsk_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.backend.reply = domain.Reply{
		FullConversation: `<div class="assistant-message">Hola, soy la IA</div>`,
	}

	out, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "  Hola  "})
	require.NoError(t, err)
	require.Equal(t, "Hola", env.backend.lastQuestion)
	require.NotEmpty(t, out.SessionID)
	require.Equal(t, out.SessionID, env.backend.lastSession)
	require.Contains(t, out.HTML, "Hola, soy la IA")
	require.False(t, out.Degraded)
	require.False(t, out.Escalated)
	require.Empty(t, env.escalator.armed)

	st := env.state.states["w1"]
	require.Equal(t, []string{"Hola"}, st.Questions)
	require.Equal(t, out.SessionID, st.SessionID)
}

func TestAsk_SessionStableAcrossTurns(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "uno"})
	require.NoError(t, err)
	second, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "dos"})
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)
	require.Equal(t, []string{"uno", "dos"}, env.state.states["w1"].Questions)
}

func TestAsk_HistoryBounded(t *testing.T) {
	env := newTestEnv(t)

	for _, q := range []string{"a", "b", "c", "d"} {
		_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: q})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"b", "c", "d"}, env.state.states["w1"].Questions)
}

func TestAsk_RejectsWhileInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.backend.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "primera"})
		done <- err
	}()

	// Wait for the first turn to take the guard.
	require.Eventually(t, func() bool {
		return env.svc.guardFor("w1").Load()
	}, time.Second, time.Millisecond)

	_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "segunda"})
	requireCode(t, err, ErrorBusy)
	require.Equal(t, 1, env.backend.sends())

	close(env.backend.block)
	require.NoError(t, <-done)

	// Guard is released; a new turn goes through.
	_, err = env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "tercera"})
	require.NoError(t, err)
}

func TestAsk_IndependentScopesDoNotShareGuard(t *testing.T) {
	env := newTestEnv(t)
	env.backend.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "primera"})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return env.svc.guardFor("w1").Load()
	}, time.Second, time.Millisecond)

	block := env.backend.block
	env.backend.setBlock(nil)
	_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w2", Question: "otra"})
	require.NoError(t, err)

	close(block)
	require.NoError(t, <-done)
}

func TestAsk_ArmsEscalation(t *testing.T) {
	env := newTestEnv(t)
	env.backend.reply = domain.Reply{
		FullConversation: `<div class="assistant-message">Te conecto con un especialista</div>`,
		Escalate:         true,
		EscalationReason: "no_context",
		UserQuestion:     "como facturo",
		SessionContext:   "Usuario: hola...",
	}

	out, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "como facturo"})
	require.NoError(t, err)
	require.True(t, out.Escalated)
	require.Equal(t, domain.ReasonNoContext, out.EscalationReason)
	// Permissive behavior: the answer is still rendered alongside.
	require.Contains(t, out.HTML, "Te conecto con un especialista")

	require.Len(t, env.escalator.armed, 1)
	require.Equal(t, domain.ReasonNoContext, env.escalator.armed[0].Reason)
	require.Equal(t, "como facturo", env.escalator.armed[0].UserQuestion)
	require.Equal(t, "Usuario: hola...", env.escalator.armed[0].SessionContext)
}

func TestAsk_EscalationDefaultsFromLocalState(t *testing.T) {
	env := newTestEnv(t)
	env.backend.reply = domain.Reply{Escalate: true, EscalationReason: "sensitive_topic"}

	_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "quiero un humano"})
	require.NoError(t, err)
	require.Len(t, env.escalator.armed, 1)
	require.Equal(t, "quiero un humano", env.escalator.armed[0].UserQuestion)
	require.Equal(t, "[1] quiero un humano", env.escalator.armed[0].SessionContext)
}

func TestAsk_MapsClientErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		code    ErrorCode
		message string
	}{
		{
			name:    "network",
			err:     &client.NetworkError{URL: "http://x/chat", Err: errors.New("refused")},
			code:    ErrorNetwork,
			message: "Error de conexión. Verifica que el servidor esté funcionando.",
		},
		{
			name:    "server",
			err:     &client.ServerError{Status: 500, Body: "boom"},
			code:    ErrorServer,
			message: "Error del servidor (500): boom",
		},
		{
			name:    "backend",
			err:     &client.BackendError{Message: "No se proporciono pregunta"},
			code:    ErrorBackend,
			message: "No se proporciono pregunta",
		},
		{
			name:    "unexpected",
			err:     errors.New("boom"),
			code:    ErrorInternal,
			message: "Error de conexión. Verifica que el servidor esté funcionando.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.backend.sendErr = tc.err

			_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "hola"})
			ucErr := requireCode(t, err, tc.code)
			require.Equal(t, tc.message, ucErr.UserMessage)

			// The guard is released even on failure.
			require.False(t, env.svc.guardFor("w1").Load())
		})
	}
}

func TestAsk_RestoresReadyStateOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.sendErr = &client.NetworkError{URL: "http://x", Err: errors.New("down")}

	_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "hola"})
	require.Error(t, err)

	enabled, statuses, clears := env.ui.snapshot()
	require.Equal(t, []bool{false, true}, enabled)
	require.Equal(t, 1, clears)
	require.NotEmpty(t, statuses)
	require.Equal(t, "Procesando pregunta...", statuses[0])
}

func TestAsk_TearsDownProgressOnSuccess(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "hola"})
	require.NoError(t, err)
	_, _, clears := env.ui.snapshot()
	require.Equal(t, 1, clears)
}

func TestProgressText_Sequence(t *testing.T) {
	require.Equal(t, "Procesando pregunta...", progressText(0))
	require.Equal(t, "Procesando pregunta...", progressText(3*time.Second))
	require.Equal(t, "Buscando en la documentación...", progressText(5*time.Second))
	require.Equal(t, "Elaborando la respuesta...", progressText(20*time.Second))
}

func TestClear_HappyPathRotatesSession(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "hola"})
	require.NoError(t, err)

	out, err := env.svc.Clear(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, 1, env.backend.clearCalls)
	require.Equal(t, first.SessionID, env.backend.lastSession)
	require.NotEqual(t, first.SessionID, out.SessionID)
	require.Equal(t, "Nueva conversación iniciada. ¡Hola! ¿En qué puedo ayudarte?", out.Greeting)
	require.Empty(t, env.state.states["w1"].Questions)
}

func TestClear_RejectedKeepsSession(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "hola"})
	require.NoError(t, err)

	env.backend.clearErr = &client.ClearRejectedError{Status: "error", Message: "Error al limpiar historial."}
	_, err = env.svc.Clear(context.Background(), "w1")
	ucErr := requireCode(t, err, ErrorClearRejected)
	require.Equal(t, "Error al limpiar historial.", ucErr.UserMessage)

	require.Equal(t, first.SessionID, env.state.states["w1"].SessionID)
	require.Equal(t, []string{"hola"}, env.state.states["w1"].Questions)
}

func TestClear_NetworkErrorKeepsSession(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "hola"})
	require.NoError(t, err)

	env.backend.clearErr = &client.NetworkError{URL: "http://x", Err: errors.New("down")}
	_, err = env.svc.Clear(context.Background(), "w1")
	requireCode(t, err, ErrorNetwork)
	require.Equal(t, first.SessionID, env.state.states["w1"].SessionID)
}

func TestClear_WithoutSessionSkipsBackend(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.svc.Clear(context.Background(), "w1")
	require.NoError(t, err)
	require.Zero(t, env.backend.clearCalls)
	require.NotEmpty(t, out.SessionID)
}

func TestActivateEscalation_Delegates(t *testing.T) {
	env := newTestEnv(t)

	state, err := env.svc.ActivateEscalation(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, escalation.StateConnected, state)
}

func TestActivateEscalation_NotArmed(t *testing.T) {
	env := newTestEnv(t)
	env.escalator.activateErr = escalation.ErrNotArmed
	env.escalator.activateState = escalation.StateDormant

	_, err := env.svc.ActivateEscalation(context.Background(), "w1")
	requireCode(t, err, ErrorInvalidInput)
}

// End to end: real backend client against a mock HTTP server, real
// session store and extractor.
func TestAsk_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("X-Session-ID"))
		_, _ = w.Write([]byte(`{
			"full_conversation": "<div class='assistant-message'>Hi</div>",
			"escalate_to_human": false
		}`))
	}))
	defer srv.Close()

	backend, err := client.New(srv.URL)
	require.NoError(t, err)
	state := newMemState()
	sessions, err := session.NewStore(state, true)
	require.NoError(t, err)
	escalator := &mockEscalator{}
	svc, err := NewService(backend, sessions, state, extract.New(),
		func(string) Escalator { return escalator }, nil)
	require.NoError(t, err)

	out, err := svc.Ask(context.Background(), AskInput{Scope: "w1", Question: "Hola"})
	require.NoError(t, err)
	require.False(t, out.Escalated)
	require.Empty(t, escalator.armed)
	require.Contains(t, out.HTML, `<div class="assistant-message">`)
	require.Contains(t, out.HTML, "Hi")
	require.Contains(t, out.HTML, "response-timestamp")
	require.False(t, svc.guardFor("w1").Load())
}
