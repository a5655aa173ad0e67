// Package config loads service configuration. Sources are applied in order,
// later ones winning: built-in defaults, a .env file, an optional YAML file
// named by CONFIG_FILE, then environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Index backends.
const (
	BackendLocal  = "local"
	BackendQdrant = "qdrant"
)

// Config is the full service configuration.
type Config struct {
	Port     string `yaml:"port"`
	StoreDir string `yaml:"store_dir"`
	DataDir  string `yaml:"data_dir"`

	IndexBackend     string `yaml:"index_backend"`
	QdrantURL        string `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`

	OllamaURL      string  `yaml:"ollama_url"`
	EmbeddingModel string  `yaml:"embedding_model"`
	EmbedRPS       float64 `yaml:"embed_rps"`

	LLMBaseURL string        `yaml:"llm_base_url"`
	LLMAPIKey  string        `yaml:"-"`
	LLMModel   string        `yaml:"llm_model"`
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	TopK         int `yaml:"top_k_results"`
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	CacheMaxSize int `yaml:"cache_max_size"`

	RateLimitEnabled     bool          `yaml:"rate_limit_enabled"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	RateWindow           time.Duration `yaml:"rate_window"`

	CORSOrigins string `yaml:"cors_origins"`
	NATSURL     string `yaml:"nats_url"`
	WatchDocs   bool   `yaml:"watch_docs"`
	AdminToken  string `yaml:"-"`

	LogLevel        string `yaml:"log_level"`
	Debug           bool   `yaml:"debug"`
	OTelServiceName string `yaml:"otel_service_name"`

	Suggestions []string `yaml:"suggestions"`
}

// DefaultSuggestions are the example questions offered to new users.
var DefaultSuggestions = []string{
	"Tell me about Velammal College",
	"What courses are offered at VCET?",
	"What is the admission process?",
	"Tell me about placements at VCET",
	"Who is the principal of VCET?",
	"What are the facilities available?",
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:                 "5000",
		StoreDir:             "faiss_store",
		DataDir:              "data",
		IndexBackend:         BackendLocal,
		QdrantURL:            "localhost:6334",
		QdrantCollection:     "vcet",
		OllamaURL:            "http://localhost:11434",
		EmbeddingModel:       "nomic-embed-text",
		EmbedRPS:             20,
		LLMBaseURL:           "https://api.groq.com/openai/v1",
		LLMModel:             "llama-3.3-70b-versatile",
		LLMTimeout:           60 * time.Second,
		TopK:                 5,
		ChunkSize:            1000,
		ChunkOverlap:         200,
		CacheMaxSize:         100,
		RateLimitEnabled:     true,
		MaxRequestsPerMinute: 30,
		RateWindow:           time.Minute,
		CORSOrigins:          "*",
		LogLevel:             "INFO",
		OTelServiceName:      "vcet-assist",
		Suggestions:          DefaultSuggestions,
	}
}

// Load builds a Config. envFiles are passed to godotenv; with none, ./.env
// is tried. Missing .env files are not an error.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: dotenv: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	var errs []error
	e := envReader{errs: &errs}
	cfg.Port = e.str("PORT", cfg.Port)
	cfg.StoreDir = e.str("STORE_DIR", cfg.StoreDir)
	cfg.DataDir = e.str("DATA_DIR", cfg.DataDir)
	cfg.IndexBackend = strings.ToLower(e.str("INDEX_BACKEND", cfg.IndexBackend))
	cfg.QdrantURL = e.str("QDRANT_URL", cfg.QdrantURL)
	cfg.QdrantCollection = e.str("QDRANT_COLLECTION", cfg.QdrantCollection)
	cfg.OllamaURL = e.str("OLLAMA_URL", cfg.OllamaURL)
	cfg.EmbeddingModel = e.str("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbedRPS = e.number("EMBED_RPS", cfg.EmbedRPS)
	cfg.LLMBaseURL = e.str("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMAPIKey = e.str("LLM_API_KEY", e.str("GROQ_API_KEY", cfg.LLMAPIKey))
	cfg.LLMModel = e.str("LLM_MODEL", cfg.LLMModel)
	cfg.LLMTimeout = e.duration("LLM_TIMEOUT", cfg.LLMTimeout)
	cfg.TopK = e.integer("TOP_K_RESULTS", cfg.TopK)
	cfg.ChunkSize = e.integer("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = e.integer("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.CacheMaxSize = e.integer("CACHE_MAX_SIZE", cfg.CacheMaxSize)
	cfg.RateLimitEnabled = e.flag("RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.MaxRequestsPerMinute = e.integer("MAX_REQUESTS_PER_MINUTE", cfg.MaxRequestsPerMinute)
	cfg.RateWindow = e.duration("RATE_WINDOW", cfg.RateWindow)
	cfg.CORSOrigins = e.str("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.NATSURL = e.str("NATS_URL", cfg.NATSURL)
	cfg.WatchDocs = e.flag("WATCH_DOCS", cfg.WatchDocs)
	cfg.AdminToken = e.str("ADMIN_TOKEN", cfg.AdminToken)
	cfg.LogLevel = e.str("LOG_LEVEL", cfg.LogLevel)
	cfg.Debug = e.flag("DEBUG", cfg.Debug)
	cfg.OTelServiceName = e.str("OTEL_SERVICE_NAME", cfg.OTelServiceName)

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and combinations.
func (c Config) Validate() error {
	var errs []error
	if c.IndexBackend != BackendLocal && c.IndexBackend != BackendQdrant {
		errs = append(errs, fmt.Errorf("INDEX_BACKEND must be %q or %q, got %q", BackendLocal, BackendQdrant, c.IndexBackend))
	}
	if c.TopK < 1 {
		errs = append(errs, fmt.Errorf("TOP_K_RESULTS must be positive, got %d", c.TopK))
	}
	if c.ChunkSize < 1 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("need 0 <= CHUNK_OVERLAP < CHUNK_SIZE, got %d and %d", c.ChunkOverlap, c.ChunkSize))
	}
	if c.CacheMaxSize < 1 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_SIZE must be positive, got %d", c.CacheMaxSize))
	}
	if c.MaxRequestsPerMinute < 1 || c.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("rate limit needs positive MAX_REQUESTS_PER_MINUTE and RATE_WINDOW"))
	}
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel (and DEBUG) to a slog level.
func (c Config) SlogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Origins splits CORSOrigins on commas.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type envReader struct{ errs *[]error }

func (e envReader) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e envReader) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (e envReader) number(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (e envReader) flag(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
