//go:build integration

package semantic

import (
	"context"
	"os"
	"testing"

	"github.com/vcetai/vcet-assist/engine/domain"
	"github.com/vcetai/vcet-assist/engine/ingest"
)

func qdrantAddr() string {
	if v := os.Getenv("QDRANT_URL"); v != "" {
		return v
	}
	return "localhost:6334"
}

func TestQdrant_BuildLoadQuery(t *testing.T) {
	ctx := context.Background()
	vs, err := NewVectorStore(qdrantAddr(), "vcet_integration")
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	t.Cleanup(func() { vs.Close() })

	e := fixedEmbedder{dim: 8}
	r := NewRetriever(vs, e, ingest.DefaultOptions(), nil)
	docs := []domain.Document{
		{ID: "about", Name: "about.txt", Text: "VCET is an engineering college", Page: 1},
		{ID: "bus", Name: "bus.txt", Text: "Buses leave the campus at seven", Page: 1},
	}
	if err := r.BuildFromDocuments(ctx, docs); err != nil {
		t.Fatalf("BuildFromDocuments: %v", err)
	}

	fresh := NewRetriever(vs, e, ingest.DefaultOptions(), nil)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fresh.Len() != 2 {
		t.Fatalf("Len = %d, want 2", fresh.Len())
	}
	hits, err := fresh.Query(ctx, "What is VCET?", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
}
