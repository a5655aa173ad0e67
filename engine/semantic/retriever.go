package semantic

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vcetai/vcet-assist/engine/domain"
	"github.com/vcetai/vcet-assist/engine/ingest"
	"github.com/vcetai/vcet-assist/pkg/fn"
)

// UpsertBatchSize is the number of points sent per Upsert call.
const UpsertBatchSize = 64

// Retriever answers nearest-neighbor queries from a Qdrant collection.
type Retriever struct {
	store    *VectorStore
	embedder ingest.Embedder
	chunking ingest.Options
	logger   *slog.Logger

	mu    sync.Mutex
	count atomic.Int64
	dim   atomic.Int64
	ready atomic.Bool
}

// NewRetriever creates a Retriever over store.
func NewRetriever(store *VectorStore, embedder ingest.Embedder, chunking ingest.Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, embedder: embedder, chunking: chunking, logger: logger}
}

// Model is the embedding model used for building and querying.
func (r *Retriever) Model() string { return r.embedder.Model() }

// Len is the number of points last observed in the collection.
func (r *Retriever) Len() int { return int(r.count.Load()) }

// Load attaches to an existing collection. An absent or empty collection is
// domain.ErrStoreNotFound; points embedded with another model are
// domain.ErrCorruptStore.
func (r *Retriever) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.store.Exists(ctx)
	if err != nil {
		return fmt.Errorf("semantic: load: %w: %w", domain.ErrIO, err)
	}
	if !exists {
		return fmt.Errorf("semantic: load %s: %w", r.store.Collection(), domain.ErrStoreNotFound)
	}
	total, err := r.store.Count(ctx, "")
	if err != nil {
		return fmt.Errorf("semantic: load: %w: %w", domain.ErrIO, err)
	}
	if total == 0 {
		return fmt.Errorf("semantic: load %s is empty: %w", r.store.Collection(), domain.ErrStoreNotFound)
	}
	matching, err := r.store.Count(ctx, r.embedder.Model())
	if err != nil {
		return fmt.Errorf("semantic: load: %w: %w", domain.ErrIO, err)
	}
	if matching != total {
		return fmt.Errorf("semantic: load: %w: %d of %d points were not embedded with %q",
			domain.ErrCorruptStore, total-matching, total, r.embedder.Model())
	}

	r.count.Store(int64(total))
	r.dim.Store(0)
	r.ready.Store(true)
	r.logger.Info("qdrant collection attached", "collection", r.store.Collection(), "points", total)
	return nil
}

// BuildFromDocuments chunks and embeds docs into a new collection version and
// switches the alias to it once every point is stored. Until then, and on
// any failure, queries keep reading the previous version.
func (r *Retriever) BuildFromDocuments(ctx context.Context, docs []domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunks, err := ingest.Run(ctx, r.embedder, r.chunking, r.logger, docs)
	if err != nil {
		return fmt.Errorf("semantic: build: %w", err)
	}
	dim := len(chunks[0].Embedding)

	version, err := r.store.CreateVersion(ctx, dim)
	if err != nil {
		return fmt.Errorf("semantic: build: %w: %w", domain.ErrIO, err)
	}
	model := r.embedder.Model()
	for i, batch := range fn.Chunk(chunks, UpsertBatchSize) {
		if err := r.store.Upsert(ctx, version, batch, i*UpsertBatchSize, model); err != nil {
			r.discard(version)
			return fmt.Errorf("semantic: build: %w: %w", domain.ErrIO, err)
		}
	}
	previous, err := r.store.Promote(ctx, version)
	if err != nil {
		r.discard(version)
		return fmt.Errorf("semantic: build: %w: %w", domain.ErrIO, err)
	}

	r.count.Store(int64(len(chunks)))
	r.dim.Store(int64(dim))
	r.ready.Store(true)
	r.logger.Info("qdrant collection built", "collection", r.store.Collection(), "version", version,
		"documents", len(docs), "points", len(chunks))
	if previous != "" {
		r.discard(previous)
	}
	return nil
}

// discard drops a collection version that no reader addresses.
func (r *Retriever) discard(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.store.Drop(ctx, name); err != nil {
		r.logger.Warn("drop qdrant collection", "collection", name, "err", err)
	}
}

// Persist is a no-op; Qdrant persists points on upsert.
func (r *Retriever) Persist(context.Context) error { return nil }

// Query embeds text and returns up to topK nearest chunks, nearest first.
func (r *Retriever) Query(ctx context.Context, text string, topK int) ([]domain.Hit, error) {
	if topK < 1 {
		return nil, fmt.Errorf("semantic: query: %w: top_k must be >= 1, got %d", domain.ErrInvalidArgument, topK)
	}
	if !r.ready.Load() {
		return nil, fmt.Errorf("semantic: query: %w", domain.ErrNotReady)
	}
	if r.count.Load() == 0 {
		return []domain.Hit{}, nil
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w: embed: %w", domain.ErrRetrieval, err)
	}
	if dim := r.dim.Load(); dim > 0 && int64(len(vec)) != dim {
		panic(fmt.Sprintf("semantic: query dimension %d does not match collection dimension %d", len(vec), dim))
	}

	found, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w: %w", domain.ErrRetrieval, err)
	}
	slices.SortStableFunc(found, func(a, b positionedHit) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.position, b.position)
	})
	return fn.Map(found, func(h positionedHit) domain.Hit { return h.Hit }), nil
}
