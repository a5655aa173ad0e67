// Package ingest turns a document set into embedded chunks: documents are
// split into fixed-size overlapping windows and each window is embedded with
// the configured model. The output feeds a bulk index build.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vcetai/vcet-assist/engine/domain"
	"github.com/vcetai/vcet-assist/pkg/fn"
)

// Split is the chunking stage. It fails with domain.ErrIngestion when the
// document set produces no chunks.
func Split(opts Options) fn.Stage[[]domain.Document, []domain.Chunk] {
	return func(_ context.Context, docs []domain.Document) fn.Result[[]domain.Chunk] {
		if len(docs) == 0 {
			return fn.Err[[]domain.Chunk](fmt.Errorf("%w: no documents", domain.ErrIngestion))
		}
		chunks := ChunkDocuments(docs, opts)
		if len(chunks) == 0 {
			return fn.Err[[]domain.Chunk](fmt.Errorf("%w: %d documents produced no text", domain.ErrIngestion, len(docs)))
		}
		return fn.Ok(chunks)
	}
}

// NewEmbed creates the embedding stage. Chunks are sent in batches of
// opts.BatchSize with at most opts.Workers requests in flight; every returned
// vector must share one dimensionality.
func NewEmbed(embedder Embedder, opts Options) fn.Stage[[]domain.Chunk, []domain.Chunk] {
	opts = opts.normalized()
	return func(ctx context.Context, chunks []domain.Chunk) fn.Result[[]domain.Chunk] {
		batches := fn.Chunk(chunks, opts.BatchSize)
		results := fn.ParMapResult(batches, opts.Workers, func(batch []domain.Chunk) fn.Result[[][]float32] {
			texts := fn.Map(batch, func(c domain.Chunk) string { return c.Text })
			vecs, err := embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return fn.Err[[][]float32](err)
			}
			if len(vecs) != len(batch) {
				return fn.Errf[[][]float32]("embedder returned %d vectors for %d texts", len(vecs), len(batch))
			}
			return fn.Ok(vecs)
		})

		out := make([]domain.Chunk, 0, len(chunks))
		dim := -1
		for i, r := range results {
			vecs, err := r.Unwrap()
			if err != nil {
				return fn.Err[[]domain.Chunk](fmt.Errorf("%w: embed batch %d: %w", domain.ErrIngestion, i, err))
			}
			for j, v := range vecs {
				if dim == -1 {
					dim = len(v)
				}
				if len(v) == 0 || len(v) != dim {
					return fn.Err[[]domain.Chunk](fmt.Errorf("%w: embedding dimension %d, expected %d", domain.ErrIngestion, len(v), dim))
				}
				c := batches[i][j]
				c.Embedding = v
				out = append(out, c)
			}
		}
		return fn.Ok(out)
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Info("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Info("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline composes Split → Embed with tracing spans and logging taps.
func NewPipeline(embedder Embedder, opts Options, log *slog.Logger) fn.Stage[[]domain.Document, []domain.Chunk] {
	if log == nil {
		log = slog.Default()
	}
	split := fn.Then(LoggedTap[[]domain.Document]("split", log), fn.TracedStage("ingest.split", Split(opts)))
	embed := fn.Then(LoggedTap[[]domain.Chunk]("embed", log), fn.TracedStage("ingest.embed", NewEmbed(embedder, opts)))
	return fn.Then(split, embed)
}

// Run executes the pipeline and returns the embedded chunks.
func Run(ctx context.Context, embedder Embedder, opts Options, log *slog.Logger, docs []domain.Document) ([]domain.Chunk, error) {
	return NewPipeline(embedder, opts, log)(ctx, docs).Unwrap()
}
