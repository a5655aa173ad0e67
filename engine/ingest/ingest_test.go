package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vcetai/vcet-assist/engine/domain"
)

// --- mocks ---

type mockEmbedder struct {
	mu    sync.Mutex
	calls int
	dim   int
	err   error
	// short makes the embedder return one vector fewer than requested.
	short bool
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	n := len(texts)
	if m.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, m.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func (m *mockEmbedder) Model() string { return "mock" }

// --- chunking ---

func TestSplitText(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{"empty", "", 4, 1, nil},
		{"shorter than size", "abc", 4, 1, []string{"abc"}},
		{"exact", "abcd", 4, 1, []string{"abcd"}},
		{"overlap", "abcdefghij", 4, 2, []string{"abcd", "cdef", "efgh", "ghij"}},
		{"no overlap", "abcdefghij", 4, 0, []string{"abcd", "efgh", "ij"}},
		{"runes", "ééééé", 2, 0, []string{"éé", "éé", "é"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitText(tc.text, tc.size, tc.overlap)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChunkDocuments(t *testing.T) {
	docs := []domain.Document{
		{ID: "a.txt", Name: "a.txt", Text: strings.Repeat("x", 25)},
		{ID: "b.txt", Name: "b.txt", Text: "   "},
		{ID: "c.txt", Name: "c.txt", Text: "VCET is an engineering college", Page: 2},
	}
	chunks := ChunkDocuments(docs, Options{ChunkSize: 10, Overlap: 2})

	// a.txt: starts 0, 8, 16 -> 3 chunks; b.txt: none; c.txt: 30 chars -> 4 chunks
	if len(chunks) != 7 {
		t.Fatalf("expected 7 chunks, got %d", len(chunks))
	}
	if chunks[0].DocID != "a.txt" || chunks[0].Index != 0 || chunks[2].Index != 2 {
		t.Errorf("unexpected ordering: %+v", chunks[:3])
	}
	if chunks[3].DocID != "c.txt" || chunks[3].Page != 2 || chunks[3].Index != 0 {
		t.Errorf("unexpected c.txt chunk: %+v", chunks[3])
	}
	seen := map[string]bool{}
	for _, c := range chunks {
		if seen[c.ID] {
			t.Fatalf("duplicate chunk id %s", c.ID)
		}
		seen[c.ID] = true
	}

	again := ChunkDocuments(docs, Options{ChunkSize: 10, Overlap: 2})
	if again[4].ID != chunks[4].ID {
		t.Error("chunk ids should be deterministic")
	}
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{ChunkSize: 5, Overlap: 9}.normalized()
	if o.Overlap != 4 {
		t.Errorf("overlap should be clamped below chunk size, got %d", o.Overlap)
	}
	o = Options{}.normalized()
	if o.ChunkSize != DefaultChunkSize || o.BatchSize != EmbedBatchSize || o.Workers != DefaultEmbedWorkers {
		t.Errorf("expected defaults, got %+v", o)
	}
}

// --- stages ---

func TestSplitStage_NoDocuments(t *testing.T) {
	r := Split(DefaultOptions())(context.Background(), nil)
	_, err := r.Unwrap()
	if !errors.Is(err, domain.ErrIngestion) {
		t.Fatalf("expected ErrIngestion, got %v", err)
	}
}

func TestSplitStage_BlankDocuments(t *testing.T) {
	r := Split(DefaultOptions())(context.Background(), []domain.Document{{ID: "x", Text: "\n\n"}})
	_, err := r.Unwrap()
	if !errors.Is(err, domain.ErrIngestion) {
		t.Fatalf("expected ErrIngestion, got %v", err)
	}
}

func TestEmbedStage(t *testing.T) {
	emb := &mockEmbedder{dim: 3}
	chunks := make([]domain.Chunk, 10)
	for i := range chunks {
		chunks[i] = domain.Chunk{ID: string(rune('a' + i)), Text: strings.Repeat("y", i+1)}
	}
	r := NewEmbed(emb, Options{BatchSize: 4, Workers: 2})(context.Background(), chunks)
	out, err := r.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(out))
	}
	for i, c := range out {
		if c.ID != chunks[i].ID {
			t.Fatalf("order not preserved at %d", i)
		}
		if len(c.Embedding) != 3 || c.Embedding[0] != float32(i+1) {
			t.Fatalf("wrong embedding at %d: %v", i, c.Embedding)
		}
	}
	if emb.calls != 3 {
		t.Errorf("expected 3 batch calls, got %d", emb.calls)
	}
}

func TestEmbedStage_Error(t *testing.T) {
	emb := &mockEmbedder{dim: 3, err: errors.New("ollama down")}
	r := NewEmbed(emb, DefaultOptions())(context.Background(), []domain.Chunk{{Text: "a"}})
	_, err := r.Unwrap()
	if !errors.Is(err, domain.ErrIngestion) {
		t.Fatalf("expected ErrIngestion, got %v", err)
	}
	if !strings.Contains(err.Error(), "ollama down") {
		t.Errorf("expected cause in message, got %v", err)
	}
}

func TestEmbedStage_ShortResponse(t *testing.T) {
	emb := &mockEmbedder{dim: 3, short: true}
	r := NewEmbed(emb, DefaultOptions())(context.Background(), []domain.Chunk{{Text: "a"}, {Text: "b"}})
	if r.IsOk() {
		t.Fatal("expected error for short embedder response")
	}
}

func TestRun(t *testing.T) {
	emb := &mockEmbedder{dim: 2}
	docs := []domain.Document{{ID: "d", Name: "d.txt", Text: "VCET is an engineering college"}}
	chunks, err := Run(context.Background(), emb, DefaultOptions(), nil, docs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "VCET is an engineering college" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if len(chunks[0].Embedding) != 2 {
		t.Fatalf("expected embedding, got %v", chunks[0].Embedding)
	}
}

// --- source ---

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("b.txt", "second")
	write("a.md", "first")
	write("sub/c.txt", "page one\fpage two\f")
	write("ignored.pdf", "binary")
	write(".hidden/d.txt", "hidden")

	docs, err := NewDirSource(dir).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(docs) != 4 {
		t.Fatalf("expected 4 documents, got %d: %+v", len(docs), docs)
	}
	if docs[0].Name != "a.md" || docs[1].Name != "b.txt" {
		t.Errorf("expected lexical order, got %s, %s", docs[0].Name, docs[1].Name)
	}
	if docs[2].Name != "sub/c.txt" || docs[2].Page != 1 || docs[3].Page != 2 {
		t.Errorf("unexpected pages: %+v %+v", docs[2], docs[3])
	}
}

func TestDirSource_Missing(t *testing.T) {
	docs, err := NewDirSource(filepath.Join(t.TempDir(), "nope")).Load(context.Background())
	if err != nil || len(docs) != 0 {
		t.Fatalf("expected no documents and no error, got %v, %v", docs, err)
	}
}
