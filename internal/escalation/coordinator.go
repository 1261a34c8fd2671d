// Package escalation decides and executes the hand-off of a
// conversation to a live-agent capability, with a scripted fallback to
// a static contact page when the capability cannot take the chat.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"support-widget/internal/domain"
)

// State of the hand-off machine.
type State string

const (
	StateDormant            State = "dormant"
	StateAwaitingActivation State = "awaiting_activation"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateFallbackOpened     State = "fallback_opened"
)

// ErrNotArmed means Activate was called without a pending signal.
var ErrNotArmed = errors.New("escalation: no escalation is awaiting activation")

// The live-agent capability is probed facet by facet; every facet is
// optional and vendors expose different subsets.
type (
	Loader interface {
		LoadOnce(ctx context.Context) error
	}
	MetadataSender interface {
		SendMetadata(ctx context.Context, fields map[string]string) error
	}
	MessageSender interface {
		SendMessage(ctx context.Context, text string) error
	}
	ChatStarter interface {
		StartChat(ctx context.Context) (bool, error)
	}
	ButtonClicker interface {
		ClickFloatingButton(ctx context.Context) (bool, error)
	}
)

// Page is the widget-side surface the coordinator drives. Rendering is
// out of scope; implementations live with the host.
type Page interface {
	ShowEscalationControl(signal domain.EscalationSignal)
	DisableEscalationControl()
	MinimizeWidget()
	RestoreWidget()
	OpenWindow(url string)
}

// Snapshotter provides the recent-question context sent to the agent.
type Snapshotter interface {
	Snapshot() string
}

// reasonLabels maps backend reason codes to the label shown to the
// human agent. Unknown codes pass through verbatim.
var reasonLabels = map[domain.EscalationReason]string{
	domain.ReasonUserExplicitRequest:    "El usuario pidió hablar con una persona",
	domain.ReasonMultipleFailedAttempts: "Varios intentos sin respuesta útil",
	domain.ReasonSensitiveTopic:         "Consulta sensible",
	domain.ReasonNoContext:              "Sin información en la documentación disponible",
	domain.ReasonLowSimilarity:          "La información encontrada no coincide con la consulta",
}

// ReasonLabel returns the human-readable label for a reason code.
func ReasonLabel(reason domain.EscalationReason) string {
	if label, ok := reasonLabels[reason]; ok {
		return label
	}
	return string(reason)
}

// Config carries the coordinator's fixed parameters.
type Config struct {
	// ContactURL is opened in a new browsing context when the live
	// capability cannot take the chat.
	ContactURL string
	// SettleDelay runs after minimizing the widget so the capability's
	// script can finish loading before it is driven.
	SettleDelay time.Duration
	// MetadataDelay runs between sending metadata and starting the
	// chat, so the context arrives before the agent's view initializes.
	MetadataDelay time.Duration
}

// Coordinator owns the Dormant → AwaitingActivation → Connecting →
// Connected | FallbackOpened state machine for one widget instance.
type Coordinator struct {
	capability any
	page       Page
	history    Snapshotter
	cfg        Config

	mu     sync.Mutex
	state  State
	signal domain.EscalationSignal
}

// NewCoordinator creates a dormant Coordinator. capability may be nil;
// activation then goes straight to the fallback contact path.
func NewCoordinator(capability any, page Page, history Snapshotter, cfg Config) (*Coordinator, error) {
	if page == nil {
		return nil, errors.New("escalation: page must not be nil")
	}
	if history == nil {
		return nil, errors.New("escalation: history must not be nil")
	}
	if cfg.ContactURL == "" {
		return nil, errors.New("escalation: contact URL must not be empty")
	}
	return &Coordinator{
		capability: capability,
		page:       page,
		history:    history,
		cfg:        cfg,
		state:      StateDormant,
	}, nil
}

// State returns the current machine state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Arm records the escalation signal and surfaces the activation
// control. Once the hand-off completed (or fell back), re-arming is a
// no-op so a reopened escalation block cannot re-trigger anything.
func (c *Coordinator) Arm(signal domain.EscalationSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected || c.state == StateFallbackOpened {
		return
	}
	c.signal = signal
	c.state = StateAwaitingActivation
	c.page.ShowEscalationControl(signal)
}

// Activate performs the hand-off: lazy capability load, widget
// minimize, contextual metadata, then the first available start
// operation. Capability failures are resolved via the fallback contact
// path and never propagate as errors.
func (c *Coordinator) Activate(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnected, StateFallbackOpened:
		return c.state, nil
	case StateAwaitingActivation:
	default:
		return c.state, ErrNotArmed
	}

	c.state = StateConnecting
	if err := c.connect(ctx); err != nil {
		c.openFallback()
		return c.state, nil
	}
	c.state = StateConnected
	c.page.DisableEscalationControl()
	return c.state, nil
}

// connect drives the capability. Any returned error means the live
// hand-off is unavailable.
func (c *Coordinator) connect(ctx context.Context) error {
	if c.capability == nil {
		return errors.New("escalation: no live-agent capability configured")
	}

	if loader, ok := c.capability.(Loader); ok {
		if err := loader.LoadOnce(ctx); err != nil {
			return fmt.Errorf("escalation: load capability: %w", err)
		}
	}

	c.page.MinimizeWidget()
	if err := wait(ctx, c.cfg.SettleDelay); err != nil {
		return err
	}

	reason := ReasonLabel(c.signal.Reason)
	if sender, ok := c.capability.(MetadataSender); ok {
		fields := map[string]string{
			"motivo":            reason,
			"pregunta":          c.signal.UserQuestion,
			"contexto_sesion":   c.signal.SessionContext,
			"ultimas_preguntas": c.history.Snapshot(),
		}
		if err := sender.SendMetadata(ctx, fields); err != nil {
			return fmt.Errorf("escalation: send metadata: %w", err)
		}
	}
	if sender, ok := c.capability.(MessageSender); ok {
		summary := fmt.Sprintf("Consulta derivada del asistente. Motivo: %s. Última pregunta: %s",
			reason, c.signal.UserQuestion)
		if err := sender.SendMessage(ctx, summary); err != nil {
			return fmt.Errorf("escalation: send summary: %w", err)
		}
	}

	if err := wait(ctx, c.cfg.MetadataDelay); err != nil {
		return err
	}
	return c.startChat(ctx)
}

// startChat invokes the first available start operation.
func (c *Coordinator) startChat(ctx context.Context) error {
	if starter, ok := c.capability.(ChatStarter); ok {
		started, err := starter.StartChat(ctx)
		if err != nil {
			return fmt.Errorf("escalation: start chat: %w", err)
		}
		if started {
			return nil
		}
	}
	if clicker, ok := c.capability.(ButtonClicker); ok {
		clicked, err := clicker.ClickFloatingButton(ctx)
		if err != nil {
			return fmt.Errorf("escalation: click floating button: %w", err)
		}
		if clicked {
			return nil
		}
	}
	return errors.New("escalation: capability exposes no usable start operation")
}

// openFallback opens the contact page exactly once and restores the
// widget so the visitor is not left staring at a minimized panel.
func (c *Coordinator) openFallback() {
	c.page.OpenWindow(c.cfg.ContactURL)
	c.page.RestoreWidget()
	c.state = StateFallbackOpened
	c.page.DisableEscalationControl()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
