package rag

import (
	"time"

	"github.com/vcetai/vcet-assist/engine/cache"
	"github.com/vcetai/vcet-assist/engine/domain"
)

// RateLimitedMessage is the response text for a rejected request.
const RateLimitedMessage = "Rate limit exceeded. Please try again later."

// State is the initialization state of a Service.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status classifies an Outcome.
type Status string

const (
	StatusOK          Status = "ok"
	StatusRateLimited Status = "rate_limited"
	StatusInvalid     Status = "invalid"
	StatusUnavailable Status = "unavailable"
	StatusFailed      Status = "failed"
)

// Request is one question from a client.
type Request struct {
	ClientID string
	Query    string
	// TopK is the number of chunks to retrieve; 0 means the configured default.
	TopK int
}

// Outcome is the structured result of Answer.
type Outcome struct {
	Status    Status
	Response  string
	Sources   []domain.Source
	Cached    bool
	Remaining int
	Duration  time.Duration
	Err       error
}

// Stats is a snapshot of service counters.
type Stats struct {
	TotalQueries        int64       `json:"total_queries"`
	CacheHits           int64       `json:"cache_hits"`
	CacheMisses         int64       `json:"cache_misses"`
	CacheHitRate        float64     `json:"cache_hit_rate"`
	AverageResponseTime float64     `json:"average_response_time"`
	RateLimited         int64       `json:"rate_limited"`
	Rebuilds            int64       `json:"rebuilds"`
	Chunks              int         `json:"num_document_chunks"`
	State               string      `json:"state"`
	Initialized         bool        `json:"rag_loaded"`
	EmbeddingModel      string      `json:"embedding_model"`
	LLMModel            string      `json:"llm_model"`
	Breaker             string      `json:"summarizer_breaker"`
	Cache               cache.Stats `json:"cache"`
	RateLimitEnabled    bool        `json:"rate_limit_enabled"`
	MaxRequests         int         `json:"max_requests_per_window"`
}

// Health reports readiness.
type Health struct {
	State     string `json:"state"`
	Ready     bool   `json:"index_ready"`
	Chunks    int    `json:"chunks"`
	LastError string `json:"last_error,omitempty"`
}
