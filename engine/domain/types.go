// Package domain defines the core types and error taxonomy of the retrieval
// pipeline. It acts as the validation gate at the serving entry point.
package domain

// Document is one unit supplied by a document source before chunking.
type Document struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
	Page int    `json:"page,omitempty"`
}

// Chunk is an immutable fragment of a document together with its embedding.
type Chunk struct {
	ID        string    `json:"id"`
	DocID     string    `json:"doc_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Page      int       `json:"page,omitempty"`
	Embedding []float32 `json:"-"`
}

// Hit is a chunk returned by a nearest-neighbor query. Smaller Distance is closer.
type Hit struct {
	Chunk    Chunk   `json:"chunk"`
	Distance float32 `json:"distance"`
}

// Source is the citation attached to an answer.
type Source struct {
	ChunkID  string  `json:"chunk_id"`
	Source   string  `json:"source"`
	Page     int     `json:"page,omitempty"`
	Distance float32 `json:"distance"`
}

// SourceFromHit builds the citation for a hit.
func SourceFromHit(h Hit) Source {
	return Source{
		ChunkID:  h.Chunk.ID,
		Source:   h.Chunk.Source,
		Page:     h.Chunk.Page,
		Distance: h.Distance,
	}
}
