package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/broadlistening/opinionmap/internal/store"
)

// fakePersistence is an in-memory Persistence for tests.
type fakePersistence struct {
	mu      sync.Mutex
	records map[string][]byte
	order   []string
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string][]byte)}
}

func (f *fakePersistence) GetSession(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakePersistence) GetAllSessions(_ context.Context) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.records[id])
	}
	return out, nil
}

func (f *fakePersistence) PutSession(_ context.Context, id string, _ time.Time, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		f.order = append(f.order, id)
	}
	f.records[id] = data
	return nil
}

func (f *fakePersistence) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.records, id)
	for i, existing := range f.order {
		if existing == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func TestCreateSessionPersistsAndDoesNotSelect(t *testing.T) {
	ctx := context.Background()
	db := newFakePersistence()
	st := NewStore(db)

	s, err := st.CreateSession(ctx, "  budget survey  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "budget survey" {
		t.Errorf("name not trimmed: %q", s.Name)
	}
	if s.ID == "" {
		t.Error("expected a generated id")
	}

	// Present in the durable store
	if _, err := db.GetSession(ctx, s.ID); err != nil {
		t.Errorf("session not persisted: %v", err)
	}

	// Creation never selects
	if st.CurrentSessionID() != "" {
		t.Error("creation must not select the new session")
	}
}

func TestCreateSessionRejectsEmptyName(t *testing.T) {
	st := NewStore(newFakePersistence())

	if _, err := st.CreateSession(context.Background(), "   "); err == nil {
		t.Fatal("expected an error for a blank name")
	}
	if len(st.Sessions()) != 0 {
		t.Error("failed creation must not add a session")
	}
}

func TestFetchSessionsFullReplace(t *testing.T) {
	ctx := context.Background()
	db := newFakePersistence()
	st := NewStore(db)

	a, _ := st.CreateSession(ctx, "a")
	if _, err := st.CreateSession(ctx, "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Remove one record behind the store's back; fetch must not keep it
	if err := db.DeleteSession(ctx, a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.FetchSessions(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessions := st.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session after replace, got %d", len(sessions))
	}
	if sessions[0].Name != "b" {
		t.Errorf("wrong survivor: %q", sessions[0].Name)
	}
}

func TestLoadSessionSelects(t *testing.T) {
	ctx := context.Background()
	st := NewStore(newFakePersistence())

	s, _ := st.CreateSession(ctx, "survey")
	loaded, err := st.LoadSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.ID != s.ID {
		t.Errorf("loaded wrong session: %s", loaded.ID)
	}
	if st.CurrentSessionID() != s.ID {
		t.Error("load must select the session")
	}
	if current := st.CurrentSession(); current == nil || current.ID != s.ID {
		t.Error("CurrentSession must return the loaded session")
	}
}

func TestLoadSessionMissing(t *testing.T) {
	st := NewStore(newFakePersistence())

	if _, err := st.LoadSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSessionMerge(t *testing.T) {
	ctx := context.Background()
	st := NewStore(newFakePersistence())
	s, _ := st.CreateSession(ctx, "survey")

	target := "opinion"
	if _, err := st.UpdateSession(ctx, s.ID, Patch{
		CSVColumns:   []string{"opinion", "age"},
		TargetColumn: &target,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second patch must leave untouched fields alone
	updated, err := st.UpdateSession(ctx, s.ID, Patch{
		ProcessedOpinions: []string{"more parks"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.TargetColumn != "opinion" {
		t.Errorf("merge dropped targetColumn: %q", updated.TargetColumn)
	}
	if len(updated.CSVColumns) != 2 {
		t.Errorf("merge dropped csvColumns: %v", updated.CSVColumns)
	}
	if len(updated.ProcessedOpinions) != 1 {
		t.Errorf("patch field not applied: %v", updated.ProcessedOpinions)
	}

	// Merged result survives a round-trip through the durable store
	read, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if read.TargetColumn != "opinion" || len(read.ProcessedOpinions) != 1 {
		t.Error("persisted record does not match merged state")
	}
}

func TestUpdateSessionMissingWritesNothing(t *testing.T) {
	ctx := context.Background()
	db := newFakePersistence()
	st := NewStore(db)

	if _, err := st.UpdateSession(ctx, "ghost", Patch{CSVColumns: []string{"a"}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(db.records) != 0 {
		t.Error("failed update must not create a record")
	}
}

func TestUpdateSessionClearStageOutputs(t *testing.T) {
	ctx := context.Background()
	st := NewStore(newFakePersistence())
	s, _ := st.CreateSession(ctx, "survey")

	if _, err := st.UpdateSession(ctx, s.ID, Patch{
		ProcessedOpinions: []string{"x"},
		Embeddings:        [][]float32{{1, 2}},
		Clusters:          []int{0},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := st.UpdateSession(ctx, s.ID, Patch{
		CSVColumns:        []string{"opinion"},
		ClearStageOutputs: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.ProcessedOpinions != nil || updated.Embeddings != nil || updated.Clusters != nil {
		t.Error("stage outputs must be cleared when upstream input changes")
	}
	if len(updated.CSVColumns) != 1 {
		t.Error("patch fields must still apply after the clear")
	}
}

func TestDeleteSessionClearsCurrent(t *testing.T) {
	ctx := context.Background()
	st := NewStore(newFakePersistence())
	s, _ := st.CreateSession(ctx, "survey")
	if _, err := st.LoadSession(ctx, s.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := st.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.CurrentSessionID() != "" {
		t.Error("deleting the current session must clear the selection")
	}
	if len(st.Sessions()) != 0 {
		t.Error("deleted session still in memory")
	}
	if _, err := st.GetSession(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteSessionMissing(t *testing.T) {
	st := NewStore(newFakePersistence())

	if err := st.DeleteSession(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNoticeLifecycle(t *testing.T) {
	st := NewStore(newFakePersistence())

	if st.Notice() != nil {
		t.Fatal("expected empty slot initially")
	}

	st.SetError("first")
	st.SetError("second")
	n := st.Notice()
	if n == nil || n.Message != "second" {
		t.Errorf("last write must win, got %+v", n)
	}
	if n.Kind != NoticeError {
		t.Errorf("expected error kind, got %s", n.Kind)
	}

	st.SetNotice(NoticeWarning, "heads up")
	if n := st.Notice(); n == nil || n.Kind != NoticeWarning {
		t.Errorf("expected warning, got %+v", n)
	}

	st.ClearError()
	if st.Notice() != nil {
		t.Error("expected empty slot after clear")
	}
}

func TestBusyFlag(t *testing.T) {
	st := NewStore(newFakePersistence())

	if st.Busy() {
		t.Fatal("expected not busy initially")
	}
	st.SetBusy(true)
	if !st.Busy() {
		t.Error("expected busy")
	}
	st.SetBusy(false)
	if st.Busy() {
		t.Error("expected not busy")
	}
}

func TestProgressDerivation(t *testing.T) {
	s := &Session{ID: "x", Name: "survey"}

	steps := Progress(s)
	if CompletedSteps(steps) != 0 {
		t.Errorf("fresh session should have no steps done: %v", steps)
	}

	s.CSVColumns = []string{"opinion"}
	s.TargetColumn = "opinion"
	steps = Progress(s)
	if CompletedSteps(steps) != 2 {
		t.Errorf("expected 2 steps done, got %d", CompletedSteps(steps))
	}
	if steps[0].Name != "CSV uploaded" || !steps[0].Done {
		t.Errorf("unexpected first step: %+v", steps[0])
	}

	s.ProcessedOpinions = []string{"a"}
	s.Embeddings = [][]float32{{1}}
	s.ReducedEmbeddings = [][]float32{{1, 2}}
	s.Clusters = []int{0}
	steps = Progress(s)
	if Ratio(steps) != 1.0 {
		t.Errorf("expected complete, got %f", Ratio(steps))
	}
}
