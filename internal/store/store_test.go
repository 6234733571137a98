package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	created := time.Now()
	if err := db.PutSession(ctx, "s1", created, []byte(`{"id":"s1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := db.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"id":"s1"}` {
		t.Errorf("unexpected record: %s", data)
	}

	// Put with the same id replaces
	if err := db.PutSession(ctx, "s1", created, []byte(`{"id":"s1","name":"x"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ = db.GetSession(ctx, "s1")
	if string(data) != `{"id":"s1","name":"x"}` {
		t.Errorf("replace failed: %s", data)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.GetSession(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAllSessionsOrdered(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	base := time.Now()
	if err := db.PutSession(ctx, "b", base.Add(time.Second), []byte(`"second"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.PutSession(ctx, "a", base, []byte(`"first"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := db.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if string(records[0]) != `"first"` || string(records[1]) != `"second"` {
		t.Errorf("records out of creation order: %s, %s", records[0], records[1])
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.DeleteSession(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := db.PutSession(ctx, "s1", time.Now(), []byte(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := db.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestClearSessions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.PutSession(ctx, id, time.Now(), []byte(`{}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := db.ClearSessions(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records, err := db.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty collection, got %d", len(records))
	}
}

func TestModelRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.PutModel(ctx, "m1", []byte(`{"params":{}}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := db.GetModel(ctx, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"params":{}}` {
		t.Errorf("unexpected record: %s", data)
	}

	if err := db.DeleteModel(ctx, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := db.GetModel(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestEmbeddingsCache(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, ok, err := db.CacheGet(ctx, "h1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	vector := []float32{0.1, -0.5, 3.25}
	if err := db.CachePut(ctx, "h1", vector); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := db.CacheGet(ctx, "h1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got) != len(vector) {
		t.Fatalf("expected %d components, got %d", len(vector), len(got))
	}
	for i := range vector {
		if got[i] != vector[i] {
			t.Errorf("component %d: expected %f, got %f", i, vector[i], got[i])
		}
	}

	if err := db.ClearCache(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := db.CacheGet(ctx, "h1"); ok {
		t.Error("expected miss after clear")
	}
}

func TestVectorCodec(t *testing.T) {
	vector := []float32{1.5, -2.25, 0, 1e10}

	decoded, err := DecodeVector(EncodeVector(vector))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != len(vector) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(vector))
	}
	for i := range vector {
		if decoded[i] != vector[i] {
			t.Errorf("component %d: %f vs %f", i, decoded[i], vector[i])
		}
	}

	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated data")
	}
}
