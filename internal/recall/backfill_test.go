package recall

import (
	"context"
	"testing"
)

func TestBackfillFillsMissingVectors(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"linker", "cache", "deploy"}}
	s := openTestStore(t, Options{Embedder: emb, EmbeddingModel: "kw-test"})
	ctx := context.Background()

	emb.setFail(true)
	if err := s.Index(ctx, "agent-1", "sum-1", folded()); err != nil {
		t.Fatalf("Index error: %v", err)
	}
	if _, err := s.Backfill(ctx, 2); err == nil {
		t.Fatal("expected backfill error while embedder is down")
	}

	emb.setFail(false)
	n, err := s.Backfill(ctx, 2)
	if err != nil {
		t.Fatalf("Backfill error: %v", err)
	}
	if n != 3 {
		t.Fatalf("updated = %d, want 3", n)
	}
	st, _ := s.Stats(ctx)
	if st.Embedded != 3 {
		t.Fatalf("expected 3 embedded rows, got %+v", st)
	}

	// Idempotent: nothing left to fill.
	before := emb.calls
	n, err = s.Backfill(ctx, 2)
	if err != nil || n != 0 {
		t.Fatalf("second backfill = %d, %v", n, err)
	}
	if emb.calls != before {
		t.Fatalf("second backfill called embedder %d times", emb.calls-before)
	}

	hits, err := s.Search(ctx, "cache", 1)
	if err != nil || len(hits) != 1 || hits[0].Content != "switch the cache to redis" {
		t.Fatalf("search after backfill: %+v %v", hits, err)
	}
}

func TestBackfillWithoutEmbedder(t *testing.T) {
	s := openTestStore(t, Options{})
	n, err := s.Backfill(context.Background(), 0)
	if err != nil || n != 0 {
		t.Fatalf("Backfill = %d, %v", n, err)
	}
}

func TestBackfillHonoursCancel(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"x"}}
	s := openTestStore(t, Options{Embedder: emb})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Backfill(ctx, 1); err == nil {
		t.Fatal("expected context error")
	}
}
