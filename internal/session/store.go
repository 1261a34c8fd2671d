package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"support-widget/internal/domain"
)

const (
	prefixExternal = "external_"
	prefixInternal = "session_"
)

// State is the widget state persisted per storage scope: the active
// session identifier plus the bounded recent-question list.
type State struct {
	SessionID string
	Questions []string
}

// StateStore is the persistence port for widget state. The production
// implementation lives in internal/repository; tests use an in-memory
// fake.
type StateStore interface {
	Load(ctx context.Context, scope string) (State, bool, error)
	Save(ctx context.Context, scope string, st State) error
}

// Store owns the session-identifier lifecycle for one storage scope.
type Store struct {
	state    StateStore
	external bool

	now     func() time.Time
	randU64 func() uint64
}

// NewStore creates a session Store. external selects the id prefix used
// for widgets embedded on third-party sites.
func NewStore(state StateStore, external bool) (*Store, error) {
	if state == nil {
		return nil, errors.New("session: state store must not be nil")
	}
	return &Store{
		state:    state,
		external: external,
		now:      time.Now,
		randU64:  rand.Uint64,
	}, nil
}

// GetOrCreate returns the persisted session for scope, or generates and
// persists a fresh one. Existing questions in the state are preserved.
func (s *Store) GetOrCreate(ctx context.Context, scope string) (domain.Session, error) {
	st, ok, err := s.state.Load(ctx, scope)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: load state: %w", err)
	}
	if ok && st.SessionID != "" {
		return domain.Session{ID: st.SessionID, CreatedVia: domain.CreatedViaPersisted}, nil
	}

	id := s.generateID()
	st.SessionID = id
	if err := s.state.Save(ctx, scope, st); err != nil {
		return domain.Session{}, fmt.Errorf("session: persist generated id: %w", err)
	}
	return domain.Session{ID: id, CreatedVia: domain.CreatedViaGenerated}, nil
}

// Rotate replaces the session id wholesale and persists it. Callers must
// only rotate after a successful history clear; the question list is
// reset together with the id so stale context never crosses sessions.
func (s *Store) Rotate(ctx context.Context, scope string) (domain.Session, error) {
	id := s.generateID()
	if err := s.state.Save(ctx, scope, State{SessionID: id}); err != nil {
		return domain.Session{}, fmt.Errorf("session: persist rotated id: %w", err)
	}
	return domain.Session{ID: id, CreatedVia: domain.CreatedViaGenerated}, nil
}

// generateID concatenates the environment prefix, a base-36 random
// fragment and the current millisecond timestamp. Uniqueness per browser
// scope without server coordination; the backend treats it as opaque.
func (s *Store) generateID() string {
	prefix := prefixInternal
	if s.external {
		prefix = prefixExternal
	}
	frag := strconv.FormatUint(s.randU64(), 36)
	return prefix + frag + strconv.FormatInt(s.now().UnixMilli(), 10)
}
