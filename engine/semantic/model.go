package semantic

import (
	pb "github.com/qdrant/go-client/qdrant"

	"github.com/vcetai/vcet-assist/engine/domain"
)

// Payload keys stored on every point.
const (
	keyText     = "text"
	keyDocID    = "doc_id"
	keyIndex    = "chunk_index"
	keySource   = "source"
	keyPage     = "page"
	keyPosition = "position"
	keyModel    = "model"
)

// positionedHit is a search hit plus the chunk's insertion position, used to
// break score ties the same way the local index does.
type positionedHit struct {
	domain.Hit
	position int64
}

func str(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func integer(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func chunkPayload(c domain.Chunk, position int, model string) map[string]*pb.Value {
	return map[string]*pb.Value{
		keyText:     str(c.Text),
		keyDocID:    str(c.DocID),
		keyIndex:    integer(int64(c.Index)),
		keySource:   str(c.Source),
		keyPage:     integer(int64(c.Page)),
		keyPosition: integer(int64(position)),
		keyModel:    str(model),
	}
}

// hitFromPoint converts a scored point. Qdrant's cosine score is a
// similarity, so the distance is 1 - score.
func hitFromPoint(p *pb.ScoredPoint) positionedHit {
	pl := p.GetPayload()
	return positionedHit{
		Hit: domain.Hit{
			Chunk: domain.Chunk{
				ID:     p.GetId().GetUuid(),
				Text:   pl[keyText].GetStringValue(),
				DocID:  pl[keyDocID].GetStringValue(),
				Index:  int(pl[keyIndex].GetIntegerValue()),
				Source: pl[keySource].GetStringValue(),
				Page:   int(pl[keyPage].GetIntegerValue()),
			},
			Distance: 1 - p.GetScore(),
		},
		position: pl[keyPosition].GetIntegerValue(),
	}
}
