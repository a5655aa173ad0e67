// Package wire assembles the retrieval service from configuration. It is
// shared by the API server and the CLI.
package wire

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/vcetai/vcet-assist/engine/cache"
	"github.com/vcetai/vcet-assist/engine/ingest"
	"github.com/vcetai/vcet-assist/engine/rag"
	"github.com/vcetai/vcet-assist/engine/semantic"
	"github.com/vcetai/vcet-assist/engine/vindex"
	"github.com/vcetai/vcet-assist/pkg/config"
	"github.com/vcetai/vcet-assist/pkg/llm"
	"github.com/vcetai/vcet-assist/pkg/metrics"
	"github.com/vcetai/vcet-assist/pkg/ollama"
	"github.com/vcetai/vcet-assist/pkg/resilience"
)

// App is an assembled service with the resources it owns.
type App struct {
	Service   *rag.Service
	Retriever rag.Retriever
	Limiter   *resilience.Window
	Metrics   *metrics.Registry
	closers   []func() error
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Build wires the embedder, index backend, summarizer, cache, limiter and
// breaker described by cfg. Nothing is loaded or indexed yet.
func Build(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Metrics: metrics.New()}

	retriever, closeIndex, err := Index(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Retriever = retriever
	app.closers = append(app.closers, closeIndex)

	summarizer, err := llm.New(llm.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("wire: summarizer: %w", err)
	}

	app.Limiter = resilience.NewWindow(resilience.WindowOpts{
		Enabled:     cfg.RateLimitEnabled,
		MaxRequests: cfg.MaxRequestsPerMinute,
		Window:      cfg.RateWindow,
	})

	breakerOpts := resilience.DefaultBreakerOpts
	breakerLog := logger.With("component", "summarizer")
	breakerOpts.OnStateChange = func(from, to resilience.State) {
		breakerLog.Warn("summarizer breaker state change", "from", from, "to", to)
	}

	app.Service = rag.New(rag.Deps{
		Retriever:  app.Retriever,
		Source:     ingest.NewDirSource(cfg.DataDir),
		Summarizer: summarizer,
		Cache:      cache.New(cfg.CacheMaxSize),
		Limiter:    app.Limiter,
		Breaker:    resilience.NewBreaker(breakerOpts),
		Metrics:    app.Metrics,
	}, rag.Options{
		TopK:             cfg.TopK,
		SummarizeTimeout: cfg.LLMTimeout,
		EmbeddingModel:   cfg.EmbeddingModel,
		LLMModel:         cfg.LLMModel,
	}, logger.With("component", "rag"))

	return app, nil
}

// Index builds only the configured retriever, for tools that index or
// inspect the store without answering questions.
func Index(cfg config.Config, logger *slog.Logger) (rag.Retriever, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	embedOpts := ollama.DefaultOptions()
	if cfg.EmbedRPS > 0 {
		embedOpts.RPS = cfg.EmbedRPS
	}
	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbeddingModel, embedOpts)

	chunking := ingest.DefaultOptions()
	chunking.ChunkSize = cfg.ChunkSize
	chunking.Overlap = cfg.ChunkOverlap

	if cfg.IndexBackend == config.BackendQdrant {
		store, err := semantic.NewVectorStore(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: qdrant: %w", err)
		}
		return semantic.NewRetriever(store, embedder, chunking, logger.With("component", "qdrant")), store.Close, nil
	}
	store := vindex.New(cfg.StoreDir, embedder, vindex.DefaultOptions(), chunking, logger.With("component", "vindex"))
	return store, func() error { return nil }, nil
}
