package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/broadlistening/opinionmap/internal/store"
)

// ErrNotFound is returned when a session id has no record.
var ErrNotFound = store.ErrNotFound

// Persistence is what the orchestrator needs from the durable store's
// sessions collection.
type Persistence interface {
	GetSession(ctx context.Context, id string) ([]byte, error)
	GetAllSessions(ctx context.Context) ([][]byte, error)
	PutSession(ctx context.Context, id string, createdAt time.Time, data []byte) error
	DeleteSession(ctx context.Context, id string) error
}

// NoticeKind tags the shared error slot.
type NoticeKind string

const (
	NoticeError   NoticeKind = "error"
	NoticeWarning NoticeKind = "warning"
	NoticeInfo    NoticeKind = "info"
)

// Notice is the single process-wide observable error/warning/info value.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// Store is the orchestrator state container: the loaded session list, the
// active session id, the shared error slot, and the busy flag. It is the
// only writer of session fields, and every mutation is written through to
// the durable store before the in-memory view is updated.
type Store struct {
	mu       sync.Mutex
	db       Persistence
	sessions []*Session
	current  string
	notice   *Notice
	busy     bool
}

// NewStore creates an orchestrator backed by the given persistence.
func NewStore(db Persistence) *Store {
	return &Store{db: db}
}

// CreateSession creates and persists a new session. The name must be
// non-empty after trimming. Creation does not select the session as
// current; selection is always explicit via LoadSession.
func (st *Store) CreateSession(ctx context.Context, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("session name must not be empty")
	}

	s := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := st.persist(ctx, s); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.sessions = append(st.sessions, s)
	st.mu.Unlock()
	return s.clone(), nil
}

// FetchSessions replaces the in-memory list with the full contents of the
// durable store. Full replace, never merge, so stale entries cannot
// survive. Idempotent.
func (st *Store) FetchSessions(ctx context.Context) error {
	records, err := st.db.GetAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(records))
	for _, data := range records {
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode session record: %w", err)
		}
		sessions = append(sessions, &s)
	}

	st.mu.Lock()
	st.sessions = sessions
	st.mu.Unlock()
	return nil
}

// Sessions returns a snapshot of the loaded session list.
func (st *Store) Sessions() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, len(st.sessions))
	for i, s := range st.sessions {
		out[i] = s.clone()
	}
	return out
}

// GetSession reads one session from the durable store.
func (st *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := st.db.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

// LoadSession selects a session as current. The record is read back from
// the durable store, not reconstructed from the summary list. The target
// session is not mutated.
func (st *Store) LoadSession(ctx context.Context, id string) (*Session, error) {
	s, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.current = s.ID
	st.upsertLocked(s)
	st.mu.Unlock()
	return s.clone(), nil
}

// CurrentSessionID returns the active session id, or "" when none is
// selected.
func (st *Store) CurrentSessionID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// CurrentSession returns the active session from the loaded list, or nil.
func (st *Store) CurrentSession() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.sessions {
		if s.ID == st.current {
			return s.clone()
		}
	}
	return nil
}

// UpdateSession merges a partial patch into an existing record and
// persists the result. This is the only path by which stage outputs are
// attached to a session. Fails with ErrNotFound when the id is absent; no
// write is performed in that case, and the in-memory list is only updated
// after the durable write succeeds.
func (st *Store) UpdateSession(ctx context.Context, id string, patch Patch) (*Session, error) {
	s, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.apply(patch)
	if err := st.persist(ctx, s); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.upsertLocked(s)
	st.mu.Unlock()
	return s.clone(), nil
}

// DeleteSession removes the durable record and the in-memory entry. If the
// deleted session was current, the current selection is cleared so no
// dangling id remains.
func (st *Store) DeleteSession(ctx context.Context, id string) error {
	if err := st.db.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.sessions {
		if s.ID == id {
			st.sessions = append(st.sessions[:i], st.sessions[i+1:]...)
			break
		}
	}
	if st.current == id {
		st.current = ""
	}
	return nil
}

// SetError writes a plain error message into the shared slot.
// Last write wins; there is no queue.
func (st *Store) SetError(message string) {
	st.SetNotice(NoticeError, message)
}

// SetNotice writes a tagged value into the shared slot.
func (st *Store) SetNotice(kind NoticeKind, message string) {
	st.mu.Lock()
	st.notice = &Notice{Kind: kind, Message: message}
	st.mu.Unlock()
}

// ClearError empties the shared slot.
func (st *Store) ClearError() {
	st.mu.Lock()
	st.notice = nil
	st.mu.Unlock()
}

// Notice returns the current shared slot value, or nil when empty.
func (st *Store) Notice() *Notice {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.notice == nil {
		return nil
	}
	n := *st.notice
	return &n
}

// SetBusy sets the busy flag.
func (st *Store) SetBusy(busy bool) {
	st.mu.Lock()
	st.busy = busy
	st.mu.Unlock()
}

// Busy reports the busy flag.
func (st *Store) Busy() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.busy
}

// persist writes a session through to the durable store.
func (st *Store) persist(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return st.db.PutSession(ctx, s.ID, s.CreatedAt, data)
}

// upsertLocked replaces the list entry for s.ID or appends it.
// Caller holds st.mu.
func (st *Store) upsertLocked(s *Session) {
	for i, existing := range st.sessions {
		if existing.ID == s.ID {
			st.sessions[i] = s
			return
		}
	}
	st.sessions = append(st.sessions, s)
}
