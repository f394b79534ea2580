package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nugget/mobo/internal/database"
)

func testTurnStore(t *testing.T) *TurnStore {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewTurnStore(db, nil)
	if err != nil {
		t.Fatalf("NewTurnStore(): %v", err)
	}
	return s
}

// seedTurns appends one turn per content string, one minute apart,
// alternating user and assistant roles.
func seedTurns(t *testing.T, s *TurnStore, channel, actor string, base time.Time, contents ...string) []Turn {
	t.Helper()
	var out []Turn
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		turn := Turn{
			ActorID:   actor,
			ChannelID: channel,
			Role:      role,
			Content:   c,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Append(context.Background(), &turn); err != nil {
			t.Fatalf("Append(%q): %v", c, err)
		}
		out = append(out, turn)
	}
	return out
}

func contents(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func TestAppend_AssignsIDAndTime(t *testing.T) {
	s := testTurnStore(t)
	turn := Turn{ActorID: "alice", ChannelID: "C1", Role: RoleUser, Content: "hi"}
	if err := s.Append(context.Background(), &turn); err != nil {
		t.Fatalf("Append(): %v", err)
	}
	if turn.ID == "" {
		t.Error("Append() did not assign an ID")
	}
	if turn.CreatedAt.IsZero() {
		t.Error("Append() did not assign CreatedAt")
	}

	got, err := s.Get(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("Get(%q): %v", turn.ID, err)
	}
	if got.Content != "hi" || got.Role != RoleUser || got.ActorID != "alice" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestAppend_Validation(t *testing.T) {
	s := testTurnStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, &Turn{Role: RoleUser, Content: "x"}); err == nil {
		t.Error("Append() without channel succeeded")
	}
	if err := s.Append(ctx, &Turn{ChannelID: "C", Role: "system", Content: "x"}); err == nil {
		t.Error("Append() with invalid role succeeded")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := testTurnStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("Get() error = %v, want ErrTurnNotFound", err)
	}
}

func TestEarliestAndRecent(t *testing.T) {
	s := testTurnStore(t)
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	seedTurns(t, s, "C1", "alice", base, "one", "two", "three", "four", "five")
	seedTurns(t, s, "C2", "alice", base, "elsewhere")

	ctx := context.Background()
	earliest, err := s.Earliest(ctx, Filter{ChannelID: "C1"}, 2)
	if err != nil {
		t.Fatalf("Earliest(): %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two"}, contents(earliest)); diff != "" {
		t.Errorf("Earliest() mismatch (-want +got):\n%s", diff)
	}

	recent, err := s.Recent(ctx, Filter{ChannelID: "C1"}, 3)
	if err != nil {
		t.Fatalf("Recent(): %v", err)
	}
	if diff := cmp.Diff([]string{"three", "four", "five"}, contents(recent)); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}

	none, err := s.Recent(ctx, Filter{ChannelID: "C1"}, 0)
	if err != nil || len(none) != 0 {
		t.Errorf("Recent(limit 0) = %v, %v; want empty", none, err)
	}
}

func TestRecent_ActorFilter(t *testing.T) {
	s := testTurnStore(t)
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	seedTurns(t, s, "C1", "alice", base, "a1", "a2")
	seedTurns(t, s, "C1", "bob", base.Add(time.Hour), "b1", "b2")

	got, err := s.Recent(context.Background(), Filter{ChannelID: "C1", ActorID: "alice"}, 10)
	if err != nil {
		t.Fatalf("Recent(): %v", err)
	}
	if diff := cmp.Diff([]string{"a1", "a2"}, contents(got)); diff != "" {
		t.Errorf("Recent(actor) mismatch (-want +got):\n%s", diff)
	}

	n, err := s.Count(context.Background(), Filter{ChannelID: "C1"})
	if err != nil {
		t.Fatalf("Count(): %v", err)
	}
	if n != 4 {
		t.Errorf("Count() = %d, want 4", n)
	}
}

func TestSetEmbedding_RoundTrip(t *testing.T) {
	s := testTurnStore(t)
	turns := seedTurns(t, s, "C1", "alice", time.Now(), "hello")
	ctx := context.Background()

	emb := []float32{0.5, -1.25, 3}
	if err := s.SetEmbedding(ctx, turns[0].ID, emb); err != nil {
		t.Fatalf("SetEmbedding(): %v", err)
	}
	got, err := s.Get(ctx, turns[0].ID)
	if err != nil {
		t.Fatalf("Get(): %v", err)
	}
	if diff := cmp.Diff(emb, got.Embedding); diff != "" {
		t.Errorf("embedding mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetEmbedding(ctx, "missing", emb); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("SetEmbedding(missing) error = %v, want ErrTurnNotFound", err)
	}
}

func TestSearch_BruteForce(t *testing.T) {
	s := testTurnStore(t)
	ctx := context.Background()
	turns := seedTurns(t, s, "C1", "alice", time.Now(), "cats", "dogs", "taxes")
	seedTurns(t, s, "C2", "alice", time.Now(), "other channel cats")

	vectors := [][]float32{{1, 0, 0}, {0.8, 0.6, 0}, {0, 0, 1}}
	for i, v := range vectors {
		if err := s.Index(ctx, Turn{ID: turns[i].ID, Embedding: v}); err != nil {
			t.Fatalf("Index(%d): %v", i, err)
		}
	}

	got, err := s.Search(ctx, SearchQuery{
		Filter:    Filter{ChannelID: "C1"},
		Embedding: []float32{1, 0, 0},
		Threshold: 0.8,
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("Search(): %v", err)
	}
	var names []string
	for _, sc := range got {
		names = append(names, sc.Turn.Content)
	}
	// "dogs" scores exactly 0.8: the threshold is inclusive.
	if diff := cmp.Diff([]string{"cats", "dogs"}, names); diff != "" {
		t.Errorf("Search() mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Errorf("results not sorted by similarity: %v", got)
		}
	}
}

func TestEmbedded_Pages(t *testing.T) {
	s := testTurnStore(t)
	ctx := context.Background()
	turns := seedTurns(t, s, "C1", "alice", time.Now(), "a", "b", "c", "d")
	for _, tr := range turns[:3] {
		if err := s.SetEmbedding(ctx, tr.ID, []float32{1}); err != nil {
			t.Fatalf("SetEmbedding(): %v", err)
		}
	}

	first, err := s.Embedded(ctx, "", 2)
	if err != nil {
		t.Fatalf("Embedded(): %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first page has %d turns, want 2", len(first))
	}
	second, err := s.Embedded(ctx, first[1].ID, 2)
	if err != nil {
		t.Fatalf("Embedded(): %v", err)
	}
	if len(second) != 1 || second[0].Content != "c" {
		t.Errorf("second page = %v, want [c]", contents(second))
	}
}
