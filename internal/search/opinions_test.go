package search

import (
	"path/filepath"
	"testing"
)

func openTestIndex(t *testing.T) *OpinionIndex {
	t.Helper()
	idx, err := NewOpinionIndex(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexAndSearch(t *testing.T) {
	idx := openTestIndex(t)

	opinions := []string{
		"we need more bike lanes downtown",
		"the buses are always late",
		"please plant more trees",
	}
	if err := idx.IndexSession("s1", opinions, []int{0, 1, 0}); err != nil {
		t.Fatalf("failed to index: %v", err)
	}

	hits, err := idx.Search("bike lanes", "s1", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	top := hits[0]
	if top.SessionID != "s1" {
		t.Errorf("unexpected session: %q", top.SessionID)
	}
	if top.Row != 0 {
		t.Errorf("expected row 0, got %d", top.Row)
	}
	if top.Cluster != 0 {
		t.Errorf("expected cluster 0, got %d", top.Cluster)
	}
	if top.Text != opinions[0] {
		t.Errorf("unexpected text: %q", top.Text)
	}
}

func TestIndexSessionReplaces(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.IndexSession("s1", []string{"old opinion about parking"}, nil); err != nil {
		t.Fatalf("failed to index: %v", err)
	}
	if err := idx.IndexSession("s1", []string{"new opinion about parks"}, nil); err != nil {
		t.Fatalf("failed to reindex: %v", err)
	}

	hits, err := idx.Search("parking", "s1", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("stale documents survived reindexing: %v", hits)
	}
}

func TestSearchScopedToSession(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.IndexSession("s1", []string{"opinions about traffic"}, nil); err != nil {
		t.Fatalf("failed to index: %v", err)
	}
	if err := idx.IndexSession("s2", []string{"opinions about traffic too"}, nil); err != nil {
		t.Fatalf("failed to index: %v", err)
	}

	scoped, err := idx.Search("traffic", "s1", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	for _, hit := range scoped {
		if hit.SessionID != "s1" {
			t.Errorf("hit leaked from session %q", hit.SessionID)
		}
	}

	all, err := idx.Search("traffic", "", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(all) < 2 {
		t.Errorf("expected hits from both sessions, got %d", len(all))
	}
}

func TestDeleteSessionRemovesDocuments(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.IndexSession("s1", []string{"noise complaints near the station"}, nil); err != nil {
		t.Fatalf("failed to index: %v", err)
	}
	if err := idx.DeleteSession("s1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	hits, err := idx.Search("noise", "s1", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("documents survived session deletion: %v", hits)
	}
}

func TestUnclusteredRowsCarryNoLabel(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.IndexSession("s1", []string{"an opinion before clustering"}, nil); err != nil {
		t.Fatalf("failed to index: %v", err)
	}

	hits, err := idx.Search("clustering", "s1", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one hit, got %d", len(hits))
	}
	if hits[0].Cluster != -1 {
		t.Errorf("expected cluster -1 before clustering, got %d", hits[0].Cluster)
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("  short  ", 20); got != "short" {
		t.Errorf("unexpected snippet: %q", got)
	}
	if got := Snippet("this is a rather long opinion text", 10); got != "this is a ..." {
		t.Errorf("unexpected snippet: %q", got)
	}
}
