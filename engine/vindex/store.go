package vindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vcetai/vcet-assist/engine/domain"
	"github.com/vcetai/vcet-assist/engine/ingest"
)

// Store owns the live index for a directory. Reads are lock-free against an
// immutable snapshot; builds, loads and persists are serialized.
type Store struct {
	dir      string
	embedder ingest.Embedder
	opts     Options
	chunking ingest.Options
	logger   *slog.Logger

	mu  sync.Mutex
	cur atomic.Pointer[Index]
}

// New creates a Store persisting to dir. Nothing is read until Load.
func New(dir string, embedder ingest.Embedder, opts Options, chunking ingest.Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, embedder: embedder, opts: opts, chunking: chunking, logger: logger}
}

// Dir is the directory holding index.bin and metadata.db.
func (s *Store) Dir() string { return s.dir }

// Model is the embedding model used for building and querying.
func (s *Store) Model() string { return s.embedder.Model() }

// Len is the number of chunks in the live index, 0 before Load or Build.
func (s *Store) Len() int {
	if ix := s.cur.Load(); ix != nil {
		return ix.Len()
	}
	return 0
}

// Snapshot returns the live index, or nil.
func (s *Store) Snapshot() *Index { return s.cur.Load() }

// BuildFromDocuments chunks and embeds docs, then swaps the result in as
// the live index. The previous index keeps serving until the swap.
func (s *Store) BuildFromDocuments(ctx context.Context, docs []domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	chunks, err := ingest.Run(ctx, s.embedder, s.chunking, s.logger, docs)
	if err != nil {
		return fmt.Errorf("vindex: build: %w", err)
	}
	ix, err := Build(s.embedder.Model(), chunks, s.opts)
	if err != nil {
		return err
	}
	s.cur.Store(ix)
	s.logger.Info("vindex built",
		"documents", len(docs), "chunks", ix.Len(), "dim", ix.Dim(), "lists", ix.NList(),
		"took", time.Since(start))
	return nil
}

// Persist writes the live index to the store directory.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix := s.cur.Load()
	if ix == nil {
		return fmt.Errorf("vindex: persist: %w", domain.ErrNotReady)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("vindex: persist: %w: %w", domain.ErrIO, err)
	}
	if err := writeIndexFile(filepath.Join(s.dir, IndexFile), ix); err != nil {
		return fmt.Errorf("vindex: persist %s: %w: %w", IndexFile, domain.ErrIO, err)
	}
	if err := writeMetadata(ctx, filepath.Join(s.dir, MetadataFile), ix); err != nil {
		return fmt.Errorf("vindex: persist %s: %w: %w", MetadataFile, domain.ErrIO, err)
	}
	s.logger.Info("vindex persisted", "dir", s.dir, "chunks", ix.Len())
	return nil
}

// Load replaces the live index with the one persisted in the store
// directory. It fails with domain.ErrStoreNotFound if either artifact is
// missing and domain.ErrCorruptStore if they disagree with each other or
// with the configured embedding model.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := artifactsExist(s.dir)
	if err != nil {
		return fmt.Errorf("vindex: load: %w: %w", domain.ErrIO, err)
	}
	if !ok {
		return fmt.Errorf("vindex: load %s: %w", s.dir, domain.ErrStoreNotFound)
	}

	ix, err := readIndexFile(filepath.Join(s.dir, IndexFile))
	if err != nil {
		if !errors.Is(err, domain.ErrCorruptStore) {
			err = fmt.Errorf("%w: %w", domain.ErrIO, err)
		}
		return fmt.Errorf("vindex: load: %w", err)
	}
	if want := s.embedder.Model(); ix.model != want {
		return fmt.Errorf("vindex: load: %w: index built with model %q, embedder uses %q",
			domain.ErrCorruptStore, ix.model, want)
	}
	if err := readMetadata(ctx, filepath.Join(s.dir, MetadataFile), ix); err != nil {
		return fmt.Errorf("vindex: load: %w", err)
	}
	if ix.nprobe <= 0 {
		ix.nprobe = s.opts.NProbe
	}

	s.cur.Store(ix)
	s.logger.Info("vindex loaded", "dir", s.dir, "chunks", ix.Len(), "dim", ix.Dim(), "lists", ix.NList())
	return nil
}

// Query embeds text and returns up to topK nearest chunks, nearest first.
func (s *Store) Query(ctx context.Context, text string, topK int) ([]domain.Hit, error) {
	if topK < 1 {
		return nil, fmt.Errorf("vindex: query: %w: top_k must be >= 1, got %d", domain.ErrInvalidArgument, topK)
	}
	ix := s.cur.Load()
	if ix == nil {
		return nil, fmt.Errorf("vindex: query: %w", domain.ErrNotReady)
	}
	if ix.Len() == 0 {
		return []domain.Hit{}, nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("vindex: query: %w: embed: %w", domain.ErrRetrieval, err)
	}
	return ix.Search(vec, topK), nil
}
