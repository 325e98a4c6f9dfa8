package memoryd

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:", StoreOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddDeduplicatesIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, dedup1, err := s.Add(ctx, "alice", "water the plants every monday", nil, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if dedup1 {
		t.Fatal("first insert must not deduplicate")
	}

	id2, dedup2, err := s.Add(ctx, "alice", "water the plants every monday", nil, "")
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if !dedup2 {
		t.Error("identical content should merge")
	}
	if id2 != id1 {
		t.Errorf("merge must return the original id: %s != %s", id2, id1)
	}

	records, err := s.ListByUser(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d rows, want 1", len(records))
	}
}

func TestAddDoesNotDeduplicateAcrossUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Add(ctx, "alice", "the wifi password is hunter2", nil, ""); err != nil {
		t.Fatal(err)
	}
	_, dedup, err := s.Add(ctx, "bob", "the wifi password is hunter2", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if dedup {
		t.Error("dedup must be scoped per user")
	}
}

func TestAddDistinctContentInsertsNewRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Add(ctx, "alice", "prefers tea over coffee", nil, ""); err != nil {
		t.Fatal(err)
	}
	_, dedup, err := s.Add(ctx, "alice", "deploys happen on thursday afternoons", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if dedup {
		t.Error("unrelated content should not merge")
	}
	records, _ := s.ListByUser(ctx, "alice", 10)
	if len(records) != 2 {
		t.Errorf("got %d rows, want 2", len(records))
	}
}

func TestSearchRanksRelevanceOverRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-24 * time.Hour)
	s.now = func() time.Time { return base }
	if _, _, err := s.Add(ctx, "alice", "the production database runs postgres fifteen", nil, ""); err != nil {
		t.Fatal(err)
	}
	s.now = time.Now
	if _, _, err := s.Add(ctx, "alice", "lunch order was a burrito", nil, ""); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "alice", "what database does production use", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Content != "the production database runs postgres fifteen" {
		t.Errorf("top hit = %q", results[0].Content)
	}
	if results[0].Score <= 0 {
		t.Errorf("score = %v", results[0].Score)
	}
}

func TestSearchEmptyQueryReturnsRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"first fact", "second fact", "third fact"} {
		if _, _, err := s.Add(ctx, "alice", c, nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	results, err := s.Search(ctx, "alice", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestSessionLinksAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.Add(ctx, "alice", "session scoped fact", nil, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	linked, err := s.BySession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 1 || linked[0].ID != id {
		t.Fatalf("session link missing: %+v", linked)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	linked, _ = s.BySession(ctx, "sess-1")
	if len(linked) != 0 {
		t.Error("delete must cascade session links")
	}
	if err := s.Delete(ctx, id); err == nil {
		t.Error("second delete should report not found")
	}
}

func TestResetScopedToUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, "alice", "alice fact", nil, "")
	s.Add(ctx, "bob", "bob fact", nil, "")

	if err := s.Reset(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	aliceRows, _ := s.ListByUser(ctx, "alice", 10)
	bobRows, _ := s.ListByUser(ctx, "bob", 10)
	if len(aliceRows) != 0 || len(bobRows) != 1 {
		t.Errorf("reset scope wrong: alice=%d bob=%d", len(aliceRows), len(bobRows))
	}
}

func TestDecayHalves(t *testing.T) {
	if got := decay(30, 30); got < 0.49 || got > 0.51 {
		t.Errorf("decay(30d, half-life 30d) = %v, want 0.5", got)
	}
	if got := decay(0, 30); got != 1 {
		t.Errorf("decay(0) = %v, want 1", got)
	}
}

func TestEmbedCosine(t *testing.T) {
	a := Embed("water the plants", 256)
	b := Embed("water the plants", 256)
	if sim := Cosine(a, b); sim < 0.999 {
		t.Errorf("identical text similarity = %v", sim)
	}
	c := Embed("completely unrelated quarterly report", 256)
	if sim := Cosine(a, c); sim > 0.5 {
		t.Errorf("unrelated text similarity = %v", sim)
	}
}
