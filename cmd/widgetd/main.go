// widgetd is the local development server: the same conversation engine
// as the Lambda deployment, served over plain HTTP with in-memory
// widget state.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"support-widget/internal/client"
	"support-widget/internal/domain"
	"support-widget/internal/escalation"
	"support-widget/internal/extract"
	"support-widget/internal/httpapi"
	"support-widget/internal/integrations/livechat"
	"support-widget/internal/integrations/paramstore"
	"support-widget/internal/session"
	"support-widget/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	settings := paramstore.Settings{
		BackendBaseURL:  mustEnv("BACKEND_BASE_URL"),
		ContactURL:      mustEnv("CONTACT_URL"),
		External:        envBool("EXTERNAL", false),
		LiveChatBaseURL: os.Getenv("LIVECHAT_BASE_URL"),
		LiveChatToken:   os.Getenv("LIVECHAT_TOKEN"),
		SettleDelay:     envDuration("SETTLE_DELAY_MS"),
		MetadataDelay:   envDuration("METADATA_DELAY_MS"),
	}

	// ---- Engine wiring ----
	store := newMemoryStore()
	backend, err := client.New(settings.BackendBaseURL, client.WithPageHTTPS(envBool("PAGE_HTTPS", false)))
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		os.Exit(1)
	}
	sessions, err := session.NewStore(store, settings.External)
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}
	svc, err := usecase.NewService(backend, sessions, store, extract.New(),
		escalatorFactory(settings, store), nil)
	if err != nil {
		slog.Error("failed to create conversation service", "err", err)
		os.Exit(1)
	}
	h, err := httpapi.NewHandler(svc)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	// ---- Router ----
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Correlation-Id"},
	}))
	httpapi.RegisterRoutes(r, h)

	slog.Info("listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// escalatorFactory builds one coordinator per widget scope, mirroring
// the Lambda wiring.
func escalatorFactory(settings paramstore.Settings, store session.StateStore) func(scope string) usecase.Escalator {
	return func(scope string) usecase.Escalator {
		var capability any
		if settings.LiveChatBaseURL != "" && settings.LiveChatToken != "" {
			lc, err := livechat.New(settings.LiveChatBaseURL, settings.LiveChatToken, scope)
			if err != nil {
				slog.Error("failed to create live-chat client", "err", err, "scope", scope)
			} else {
				capability = lc
			}
		}
		coord, err := escalation.NewCoordinator(capability, logPage{scope: scope},
			recentQuestions{store: store, scope: scope}, escalation.Config{
				ContactURL:    settings.ContactURL,
				SettleDelay:   settings.SettleDelay,
				MetadataDelay: settings.MetadataDelay,
			})
		if err != nil {
			slog.Error("failed to create escalation coordinator", "err", err, "scope", scope)
			return disabledEscalator{}
		}
		return coord
	}
}

type logPage struct {
	scope string
}

func (p logPage) ShowEscalationControl(signal domain.EscalationSignal) {
	slog.Info("escalation control shown", "scope", p.scope, "reason", signal.Reason)
}

func (p logPage) DisableEscalationControl() {
	slog.Info("escalation control disabled", "scope", p.scope)
}

func (p logPage) MinimizeWidget() {
	slog.Info("widget minimized", "scope", p.scope)
}

func (p logPage) RestoreWidget() {
	slog.Info("widget restored", "scope", p.scope)
}

func (p logPage) OpenWindow(url string) {
	slog.Info("fallback contact page opened", "scope", p.scope, "url", url)
}

type recentQuestions struct {
	store session.StateStore
	scope string
}

func (r recentQuestions) Snapshot() string {
	st, _, err := r.store.Load(context.Background(), r.scope)
	if err != nil {
		slog.Error("failed to load state for snapshot", "err", err, "scope", r.scope)
		return session.NewHistory(nil).Snapshot()
	}
	return session.NewHistory(st.Questions).Snapshot()
}

type disabledEscalator struct{}

func (disabledEscalator) Arm(domain.EscalationSignal) {}

func (disabledEscalator) Activate(context.Context) (escalation.State, error) {
	return escalation.StateDormant, escalation.ErrNotArmed
}

// memoryStore keeps widget state for the lifetime of the process.
type memoryStore struct {
	mu     sync.Mutex
	states map[string]session.State
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: map[string]session.State{}}
}

func (m *memoryStore) Load(_ context.Context, scope string) (session.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[scope]
	return st, ok, nil
}

func (m *memoryStore) Save(_ context.Context, scope string, st session.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[scope] = st
	return nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
