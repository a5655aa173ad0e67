package rag

import (
	"github.com/vcetai/vcet-assist/pkg/metrics"
)

var statuses = []Status{StatusOK, StatusRateLimited, StatusInvalid, StatusUnavailable, StatusFailed}

type serviceMetrics struct {
	queries     map[Status]*metrics.Counter
	cacheHits   *metrics.Counter
	cacheMisses *metrics.Counter
	rebuilds    *metrics.Counter
	duration    *metrics.Histogram
}

func newServiceMetrics(reg *metrics.Registry, s *Service) *serviceMetrics {
	m := &serviceMetrics{
		queries:     make(map[Status]*metrics.Counter, len(statuses)),
		cacheHits:   reg.Counter("vcet_cache_hits_total", "Answers served from the cache."),
		cacheMisses: reg.Counter("vcet_cache_misses_total", "Queries that missed the cache."),
		rebuilds:    reg.Counter("vcet_rebuilds_total", "Successful index rebuilds."),
		duration:    reg.Histogram("vcet_answer_duration_seconds", "Answer latency.", metrics.DefaultBuckets),
	}
	for _, st := range statuses {
		m.queries[st] = reg.Counter(metrics.WithLabels("vcet_queries_total", "status", string(st)), "Queries by outcome.")
	}

	reg.GaugeFunc("vcet_index_chunks", "Chunks in the serving index.", func() float64 {
		return float64(s.retriever.Len())
	})
	reg.GaugeFunc("vcet_cache_entries", "Entries in the answer cache.", func() float64 {
		return float64(s.cache.Len())
	})
	reg.GaugeFunc("vcet_ratelimit_clients", "Clients with requests in the current window.", func() float64 {
		return float64(s.limiter.Clients())
	})
	reg.GaugeFunc("vcet_summarizer_breaker_state", "Summarizer breaker state (0 closed, 1 open, 2 half-open).", func() float64 {
		return float64(s.breaker.State())
	})
	return m
}

func (m *serviceMetrics) record(out Outcome) {
	m.queries[out.Status].Inc()
	if out.Status != StatusRateLimited && out.Status != StatusInvalid {
		m.duration.Observe(out.Duration.Seconds())
	}
}

func (m *serviceMetrics) total() int64 {
	var n int64
	for _, c := range m.queries {
		n += c.Value()
	}
	return n
}

// Stats returns a snapshot of the service counters and configuration.
func (s *Service) Stats() Stats {
	hits, misses := s.m.cacheHits.Value(), s.m.cacheMisses.Value()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}
	var avg float64
	if n, sum := s.m.duration.Totals(); n > 0 {
		avg = sum / float64(n)
	}
	state := s.State()
	return Stats{
		TotalQueries:        s.m.total(),
		CacheHits:           hits,
		CacheMisses:         misses,
		CacheHitRate:        rate,
		AverageResponseTime: avg,
		RateLimited:         s.m.queries[StatusRateLimited].Value(),
		Rebuilds:            s.m.rebuilds.Value(),
		Chunks:              s.retriever.Len(),
		State:               state.String(),
		Initialized:         state == StateReady,
		EmbeddingModel:      s.opts.EmbeddingModel,
		LLMModel:            s.opts.LLMModel,
		Breaker:             s.breaker.State().String(),
		Cache:               s.cache.Stats(),
		RateLimitEnabled:    s.limiter.Enabled(),
		MaxRequests:         s.limiter.MaxRequests(),
	}
}

// Health reports whether the index is ready to serve.
func (s *Service) Health() Health {
	state := s.State()
	h := Health{State: state.String(), Ready: state == StateReady, Chunks: s.retriever.Len()}
	if msg := s.lastErr.Load(); msg != nil {
		h.LastError = *msg
	}
	return h
}
