// Package semantic is the Qdrant-backed retriever. It satisfies the same
// load/build/persist/query contract as the local index, with Qdrant owning
// durability.
package semantic

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vcetai/vcet-assist/engine/domain"
)

// pointsAPI is the subset of pb.PointsClient used here.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient used here.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	UpdateAliases(ctx context.Context, in *pb.ChangeAliases, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	ListAliases(ctx context.Context, in *pb.ListAliasesRequest, opts ...grpc.CallOption) (*pb.ListAliasesResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations. Readers address
// the collection name, which is an alias onto the current versioned
// collection; builds fill a new version and switch the alias when complete.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	now         func() time.Time
}

// NewVectorStore creates a VectorStore connected to Qdrant at the given gRPC address.
func NewVectorStore(addr, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		now:         time.Now,
	}, nil
}

// NewWithClients wires a VectorStore to existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection, now: time.Now}
}

// Collection is the Qdrant collection name.
func (v *VectorStore) Collection() string { return v.collection }

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Exists reports whether the collection name resolves, either as the alias
// or as a plain collection.
func (v *VectorStore) Exists(ctx context.Context) (bool, error) {
	target, err := v.aliasTarget(ctx)
	if err != nil {
		return false, err
	}
	if target != "" {
		return true, nil
	}
	return v.hasCollection(ctx, v.collection)
}

func (v *VectorStore) hasCollection(ctx context.Context, name string) (bool, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return true, nil
		}
	}
	return false, nil
}

// aliasTarget returns the collection the alias points at, or "" when the
// alias does not exist.
func (v *VectorStore) aliasTarget(ctx context.Context) (string, error) {
	resp, err := v.collections.ListAliases(ctx, &pb.ListAliasesRequest{})
	if err != nil {
		return "", fmt.Errorf("semantic: list aliases: %w", err)
	}
	for _, a := range resp.GetAliases() {
		if a.GetAliasName() == v.collection {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

// CreateVersion creates an empty versioned collection with cosine distance
// over dims-dimensional vectors and returns its name.
func (v *VectorStore) CreateVersion(ctx context.Context, dims int) (string, error) {
	name := fmt.Sprintf("%s_%d", v.collection, v.now().UnixNano())
	_, err := v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("semantic: create collection %s: %w", name, err)
	}
	return name, nil
}

// Promote points the alias at version in a single alias update and returns
// the collection it replaced ("" if none). A plain collection occupying the
// alias name is dropped first, since Qdrant cannot alias over it.
func (v *VectorStore) Promote(ctx context.Context, version string) (string, error) {
	previous, err := v.aliasTarget(ctx)
	if err != nil {
		return "", err
	}
	if previous == "" {
		legacy, err := v.hasCollection(ctx, v.collection)
		if err != nil {
			return "", err
		}
		if legacy {
			if err := v.Drop(ctx, v.collection); err != nil {
				return "", err
			}
		}
	}

	var actions []*pb.AliasOperations
	if previous != "" {
		actions = append(actions, &pb.AliasOperations{Action: &pb.AliasOperations_DeleteAlias{
			DeleteAlias: &pb.DeleteAlias{AliasName: v.collection},
		}})
	}
	actions = append(actions, &pb.AliasOperations{Action: &pb.AliasOperations_CreateAlias{
		CreateAlias: &pb.CreateAlias{CollectionName: version, AliasName: v.collection},
	}})
	if _, err := v.collections.UpdateAliases(ctx, &pb.ChangeAliases{Actions: actions}); err != nil {
		return "", fmt.Errorf("semantic: switch alias %s to %s: %w", v.collection, version, err)
	}
	return previous, nil
}

// Drop deletes the named collection.
func (v *VectorStore) Drop(ctx context.Context, name string) error {
	if _, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", name, err)
	}
	return nil
}

// Upsert stores embedded chunks into collection. offset is the insertion
// position of chunks[0].
func (v *VectorStore) Upsert(ctx context.Context, collection string, chunks []domain.Chunk, offset int, model string) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: c.Embedding},
				},
			},
			Payload: chunkPayload(c, offset+i, model),
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(chunks), err)
	}
	return nil
}

// Count returns the exact number of points, optionally restricted to a model.
func (v *VectorStore) Count(ctx context.Context, model string) (uint64, error) {
	exact := true
	req := &pb.CountPoints{CollectionName: v.collection, Exact: &exact}
	if model != "" {
		req.Filter = &pb.Filter{Must: []*pb.Condition{fieldMatch(keyModel, model)}}
	}
	resp, err := v.points.Count(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", v.collection, err)
	}
	return resp.GetResult().GetCount(), nil
}

// Search performs k-NN similarity search, returning hits with their
// insertion positions.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, topK int) ([]positionedHit, error) {
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	hits := make([]positionedHit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = hitFromPoint(r)
	}
	return hits, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
