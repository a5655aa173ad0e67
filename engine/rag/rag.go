// Package rag orchestrates the retrieval-augmented answer path: admission
// control, query validation, the answer cache, lazy index initialization,
// nearest-neighbor retrieval and summarization.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vcetai/vcet-assist/engine/cache"
	"github.com/vcetai/vcet-assist/engine/domain"
	"github.com/vcetai/vcet-assist/pkg/fn"
	"github.com/vcetai/vcet-assist/pkg/metrics"
	"github.com/vcetai/vcet-assist/pkg/resilience"
)

// NoResultsResponse is the answer when retrieval finds nothing.
const NoResultsResponse = "No relevant documents found."

// Retriever is a nearest-neighbor index over document chunks.
type Retriever interface {
	Load(ctx context.Context) error
	BuildFromDocuments(ctx context.Context, docs []domain.Document) error
	Persist(ctx context.Context) error
	Query(ctx context.Context, text string, topK int) ([]domain.Hit, error)
	Len() int
}

// DocumentSource supplies the documents an index is built from.
type DocumentSource interface {
	Load(ctx context.Context) ([]domain.Document, error)
}

// Summarizer turns retrieved passages into an answer for query.
type Summarizer interface {
	Summarize(ctx context.Context, query, passages string) (string, error)
}

// Options configures the answer path.
type Options struct {
	TopK             int
	MaxTopK          int
	SummarizeTimeout time.Duration
	EmbeddingModel   string
	LLMModel         string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:             5,
		MaxTopK:          20,
		SummarizeTimeout: 60 * time.Second,
	}
}

// Deps are the collaborators a Service owns. Source, Breaker and Metrics
// are optional.
type Deps struct {
	Retriever  Retriever
	Source     DocumentSource
	Summarizer Summarizer
	Cache      *cache.LFU
	Limiter    *resilience.Window
	Breaker    *resilience.Breaker
	Metrics    *metrics.Registry
}

// Service answers questions. It is safe for concurrent use.
type Service struct {
	retriever  Retriever
	source     DocumentSource
	summarizer Summarizer
	cache      *cache.LFU
	limiter    *resilience.Window
	breaker    *resilience.Breaker
	opts       Options
	logger     *slog.Logger
	m          *serviceMetrics
	now        func() time.Time

	initMu  sync.Mutex
	state   atomic.Int32
	lastErr atomic.Pointer[string]
}

// New creates a Service. Nothing is loaded until Init or the first cache miss.
func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MaxTopK < opts.TopK {
		opts.MaxTopK = max(def.MaxTopK, opts.TopK)
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Service{
		retriever:  deps.Retriever,
		source:     deps.Source,
		summarizer: deps.Summarizer,
		cache:      deps.Cache,
		limiter:    deps.Limiter,
		breaker:    deps.Breaker,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
	s.m = newServiceMetrics(deps.Metrics, s)
	return s
}

// State returns the initialization state.
func (s *Service) State() State { return State(s.state.Load()) }

// Init loads the persisted index, or builds and persists one from the
// document source when none exists. It is idempotent; concurrent callers
// wait for the same attempt, and a failed attempt is retried on the next call.
func (s *Service) Init(ctx context.Context) error {
	if s.State() == StateReady {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.State() == StateReady {
		return nil
	}

	s.state.Store(int32(StateInitializing))
	start := s.now()
	if err := s.initialize(ctx); err != nil {
		msg := err.Error()
		s.lastErr.Store(&msg)
		s.state.Store(int32(StateFailed))
		s.logger.Error("rag init failed", "err", err)
		return err
	}
	s.lastErr.Store(nil)
	s.state.Store(int32(StateReady))
	s.logger.Info("rag ready", "chunks", s.retriever.Len(), "took", s.now().Sub(start))
	return nil
}

func (s *Service) initialize(ctx context.Context) error {
	err := s.retriever.Load(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrStoreNotFound) {
		return fmt.Errorf("rag: init: %w", err)
	}
	s.logger.Info("no persisted index, building from documents", "reason", err)

	if err := s.build(ctx); err != nil {
		return fmt.Errorf("rag: init: %w", err)
	}
	if err := s.retriever.Persist(ctx); err != nil {
		// The index is built and serving; only the next cold start pays for this.
		s.logger.Error("rag persist after build failed", "err", err)
	}
	return nil
}

func (s *Service) build(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("%w: no persisted index and no document source", domain.ErrIngestion)
	}
	docs, err := s.source.Load(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrIngestion) {
			return err
		}
		return fmt.Errorf("%w: load documents: %w", domain.ErrIngestion, err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("%w: no documents found and no persisted index", domain.ErrIngestion)
	}
	return s.retriever.BuildFromDocuments(ctx, docs)
}

// Rebuild builds a fresh index from the document source, swaps it in,
// persists it and clears the cache. On a build failure the previous index
// keeps serving.
func (s *Service) Rebuild(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	start := s.now()
	if err := s.build(ctx); err != nil {
		s.logger.Error("rag rebuild failed", "err", err)
		return fmt.Errorf("rag: rebuild: %w", err)
	}
	s.lastErr.Store(nil)
	s.state.Store(int32(StateReady))
	s.cache.Clear()
	s.m.rebuilds.Inc()
	s.logger.Info("rag rebuilt", "chunks", s.retriever.Len(), "took", s.now().Sub(start))

	if err := s.retriever.Persist(ctx); err != nil {
		return fmt.Errorf("rag: rebuild: %w", err)
	}
	return nil
}

// ClearCache drops every cached answer.
func (s *Service) ClearCache() {
	s.cache.Clear()
	s.logger.Info("rag cache cleared")
}

// Remaining returns how many requests clientID may still make in the current window.
func (s *Service) Remaining(clientID string) int {
	return s.limiter.Remaining(clientID)
}

// Answer runs a query through the pipeline. Collaborator failures are
// reported in the Outcome, never returned as a panic or a bare error.
func (s *Service) Answer(ctx context.Context, req Request) Outcome {
	start := s.now()
	out := s.answer(ctx, req)
	out.Duration = s.now().Sub(start)
	s.m.record(out)

	log := s.logger.With("client", req.ClientID, "status", out.Status, "cached", out.Cached, "took", out.Duration)
	switch {
	case out.Err != nil && out.Status != StatusInvalid:
		log.Error("rag answer failed", "err", out.Err)
	case out.Status == StatusRateLimited:
		log.Warn("rag rate limited")
	default:
		log.Info("rag answer")
	}
	return out
}

func (s *Service) answer(ctx context.Context, req Request) Outcome {
	if !s.limiter.Allow(req.ClientID) {
		return Outcome{Status: StatusRateLimited, Response: RateLimitedMessage}
	}
	remaining := s.limiter.Remaining(req.ClientID)
	fail := func(status Status, err error) Outcome {
		return Outcome{Status: status, Err: err, Remaining: remaining}
	}

	query := domain.NormalizeQuery(req.Query)
	if err := domain.ValidateQuery(query); err != nil {
		return fail(StatusInvalid, err)
	}
	topK := req.TopK
	if topK == 0 {
		topK = s.opts.TopK
	}
	if topK < 1 {
		return fail(StatusInvalid, domain.NewValidationError("top_k", fmt.Sprint(topK), domain.ErrInvalidArgument))
	}
	topK = min(topK, s.opts.MaxTopK)

	if e, ok := s.cache.Get(query); ok {
		s.m.cacheHits.Inc()
		return Outcome{Status: StatusOK, Response: e.Response, Sources: e.Sources, Cached: true, Remaining: remaining}
	}
	s.m.cacheMisses.Inc()
	gen := s.cache.Generation()

	if err := s.Init(ctx); err != nil {
		return fail(StatusUnavailable, err)
	}

	hits, err := s.retriever.Query(ctx, query, topK)
	if err != nil {
		if !errors.Is(err, domain.ErrRetrieval) {
			err = fmt.Errorf("%w: %w", domain.ErrRetrieval, err)
		}
		return fail(StatusFailed, fmt.Errorf("rag: %w", err))
	}
	hits = fn.Filter(hits, func(h domain.Hit) bool { return strings.TrimSpace(h.Chunk.Text) != "" })
	if len(hits) == 0 {
		s.cache.SetIfCurrent(gen, query, cache.Entry{Response: NoResultsResponse, Sources: []domain.Source{}})
		return Outcome{Status: StatusOK, Response: NoResultsResponse, Sources: []domain.Source{}, Remaining: remaining}
	}

	passages := strings.Join(fn.Map(hits, func(h domain.Hit) string { return h.Chunk.Text }), "\n\n")
	var response string
	err = s.breaker.Call(ctx, func(ctx context.Context) error {
		if s.opts.SummarizeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.SummarizeTimeout)
			defer cancel()
		}
		var err error
		response, err = s.summarizer.Summarize(ctx, query, passages)
		return err
	})
	if err != nil {
		return fail(StatusUnavailable, fmt.Errorf("rag: %w: %w", domain.ErrSummarization, err))
	}

	sources := fn.Map(hits, domain.SourceFromHit)
	if !s.cache.SetIfCurrent(gen, query, cache.Entry{Response: response, Sources: sources}) {
		s.logger.Debug("rag answer not cached, cache cleared during request")
	}
	return Outcome{Status: StatusOK, Response: response, Sources: sources, Remaining: remaining}
}
