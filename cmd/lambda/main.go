package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"support-widget/handler"
	"support-widget/internal/client"
	"support-widget/internal/domain"
	"support-widget/internal/escalation"
	"support-widget/internal/extract"
	"support-widget/internal/integrations/livechat"
	"support-widget/internal/integrations/paramstore"
	"support-widget/internal/repository"
	"support-widget/internal/session"
	"support-widget/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	pageHTTPS := envBool("PAGE_HTTPS", true)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	settings, err := paramstore.LoadSettings(ctx, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to load settings", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	backend, err := client.New(settings.BackendBaseURL, client.WithPageHTTPS(pageHTTPS))
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		os.Exit(1)
	}
	sessions, err := session.NewStore(stateClient, settings.External)
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	svc, err := usecase.NewService(backend, sessions, stateClient, extract.New(),
		escalatorFactory(settings, stateClient), nil)
	if err != nil {
		slog.Error("failed to create conversation service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(svc)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// escalatorFactory builds one coordinator per widget scope. The
// live-chat capability is wired only when the deployment configured it;
// without it every activation resolves to the contact-page fallback.
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

// logPage records page directives. The embedding script derives its UI
// from the send/escalate response bodies; on the server these calls are
// only observable through logs.
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

// recentQuestions snapshots the persisted question ring for the
// hand-off context.
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

// disabledEscalator stands in when a coordinator could not be built.
type disabledEscalator struct{}

func (disabledEscalator) Arm(domain.EscalationSignal) {}

func (disabledEscalator) Activate(context.Context) (escalation.State, error) {
	return escalation.StateDormant, escalation.ErrNotArmed
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
