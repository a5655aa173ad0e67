package ingest

import "context"

const (
	// DefaultChunkSize is the number of characters per chunk.
	DefaultChunkSize = 1000
	// DefaultOverlap is the number of characters shared by adjacent chunks.
	DefaultOverlap = 200
	// EmbedBatchSize is the max chunks per embedding request.
	EmbedBatchSize = 32
	// DefaultEmbedWorkers bounds concurrent embedding requests during a build.
	DefaultEmbedWorkers = 4
)

// Embedder turns text into fixed-length vectors. The same model must be used
// at build and query time.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Options configures chunking and embedding.
type Options struct {
	ChunkSize int
	Overlap   int
	BatchSize int
	Workers   int
}

// DefaultOptions returns the chunking defaults used by the service.
func DefaultOptions() Options {
	return Options{
		ChunkSize: DefaultChunkSize,
		Overlap:   DefaultOverlap,
		BatchSize: EmbedBatchSize,
		Workers:   DefaultEmbedWorkers,
	}
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.ChunkSize {
		o.Overlap = o.ChunkSize - 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = EmbedBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultEmbedWorkers
	}
	return o
}
