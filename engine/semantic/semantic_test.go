package semantic

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/vcetai/vcet-assist/engine/domain"
	"github.com/vcetai/vcet-assist/engine/ingest"
)

// --- Mocks ---

type mockPoints struct {
	mu         sync.Mutex
	upserts    []*pb.UpsertPoints
	upsertErr  error
	total      uint64
	matching   uint64
	countErr   error
	searchReq  *pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserts = append(m.upserts, in)
	return &pb.PointsOperationResponse{}, nil
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = in
	return m.searchResp, m.searchErr
}

func (m *mockPoints) Count(_ context.Context, in *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	if m.countErr != nil {
		return nil, m.countErr
	}
	n := m.total
	if in.GetFilter() != nil {
		n = m.matching
	}
	return &pb.CountResponse{Result: &pb.CountResult{Count: n}}, nil
}

type mockCollections struct {
	names     []string
	aliases   map[string]string
	listErr   error
	created   []*pb.CreateCollection
	createErr error
	aliasErr  error
	deleted   []string
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	resp := &pb.ListCollectionsResponse{}
	for _, n := range m.names {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: n})
	}
	return resp, nil
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, in)
	m.names = append(m.names, in.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (m *mockCollections) Delete(_ context.Context, in *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	name := in.GetCollectionName()
	m.deleted = append(m.deleted, name)
	m.names = slices.DeleteFunc(m.names, func(n string) bool { return n == name })
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (m *mockCollections) UpdateAliases(_ context.Context, in *pb.ChangeAliases, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	if m.aliasErr != nil {
		return nil, m.aliasErr
	}
	if m.aliases == nil {
		m.aliases = map[string]string{}
	}
	for _, op := range in.GetActions() {
		if d := op.GetDeleteAlias(); d != nil {
			delete(m.aliases, d.GetAliasName())
		}
		if c := op.GetCreateAlias(); c != nil {
			m.aliases[c.GetAliasName()] = c.GetCollectionName()
		}
	}
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (m *mockCollections) ListAliases(_ context.Context, _ *pb.ListAliasesRequest, _ ...grpc.CallOption) (*pb.ListAliasesResponse, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	resp := &pb.ListAliasesResponse{}
	for alias, col := range m.aliases {
		resp.Aliases = append(resp.Aliases, &pb.AliasDescription{AliasName: alias, CollectionName: col})
	}
	return resp, nil
}

// aliased returns collections where "vcet" points at version vcet_1.
func aliased() *mockCollections {
	return &mockCollections{names: []string{"vcet_1"}, aliases: map[string]string{"vcet": "vcet_1"}}
}

type fixedEmbedder struct {
	dim int
	err error
}

func (e fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	v := make([]float32, e.dim)
	v[0] = float32(len(text))
	return v, nil
}

func (e fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, e.err
}

func (e fixedEmbedder) Model() string { return "nomic-embed-text" }

func newRetriever(pts *mockPoints, cols *mockCollections, e ingest.Embedder) *Retriever {
	return NewRetriever(NewWithClients(pts, cols, "vcet"), e, ingest.Options{ChunkSize: 20, Overlap: 0}, nil)
}

func scored(id string, score float32, position int64, text string) *pb.ScoredPoint {
	return &pb.ScoredPoint{
		Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
		Score: score,
		Payload: map[string]*pb.Value{
			keyText:     str(text),
			keySource:   str("about.txt"),
			keyPage:     integer(2),
			keyPosition: integer(position),
		},
	}
}

// --- Tests ---

func TestCloseWithoutConn(t *testing.T) {
	if err := NewWithClients(nil, nil, "vcet").Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLoadMissingCollection(t *testing.T) {
	r := newRetriever(&mockPoints{}, &mockCollections{}, fixedEmbedder{dim: 4})
	if err := r.Load(context.Background()); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}
}

func TestLoadEmptyCollection(t *testing.T) {
	r := newRetriever(&mockPoints{}, &mockCollections{names: []string{"vcet"}}, fixedEmbedder{dim: 4})
	if err := r.Load(context.Background()); !errors.Is(err, domain.ErrStoreNotFound) {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}
}

func TestLoadModelMismatch(t *testing.T) {
	pts := &mockPoints{total: 10, matching: 4}
	r := newRetriever(pts, &mockCollections{names: []string{"vcet"}}, fixedEmbedder{dim: 4})
	if err := r.Load(context.Background()); !errors.Is(err, domain.ErrCorruptStore) {
		t.Fatalf("expected ErrCorruptStore, got %v", err)
	}
}

func TestLoadListError(t *testing.T) {
	r := newRetriever(&mockPoints{}, &mockCollections{listErr: errors.New("unavailable")}, fixedEmbedder{dim: 4})
	if err := r.Load(context.Background()); !errors.Is(err, domain.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	pts := &mockPoints{total: 7, matching: 7}
	r := newRetriever(pts, &mockCollections{names: []string{"other", "vcet"}}, fixedEmbedder{dim: 4})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 7 {
		t.Fatalf("Len = %d, want 7", r.Len())
	}
}

func TestBuildFromDocuments(t *testing.T) {
	pts := &mockPoints{}
	cols := aliased()
	r := newRetriever(pts, cols, fixedEmbedder{dim: 4})

	doc := domain.Document{ID: "about", Name: "about.txt", Text: strings.Repeat("VCET campus. ", 200), Page: 1}
	if err := r.BuildFromDocuments(context.Background(), []domain.Document{doc}); err != nil {
		t.Fatal(err)
	}

	if len(cols.created) != 1 {
		t.Fatalf("created %d collections, want 1", len(cols.created))
	}
	version := cols.created[0].GetCollectionName()
	if !strings.HasPrefix(version, "vcet_") {
		t.Fatalf("version = %q, want vcet_ prefix", version)
	}
	if size := cols.created[0].GetVectorsConfig().GetParams().GetSize(); size != 4 {
		t.Fatalf("collection size = %d, want 4", size)
	}
	if cols.aliases["vcet"] != version {
		t.Fatalf("alias -> %q, want %q", cols.aliases["vcet"], version)
	}
	if !slices.Equal(cols.deleted, []string{"vcet_1"}) {
		t.Fatalf("deleted = %v, want previous version only", cols.deleted)
	}
	for _, u := range pts.upserts {
		if u.GetCollectionName() != version {
			t.Fatalf("upsert into %q, want %q", u.GetCollectionName(), version)
		}
	}

	points := 0
	for _, u := range pts.upserts {
		if len(u.GetPoints()) > UpsertBatchSize {
			t.Fatalf("batch of %d exceeds %d", len(u.GetPoints()), UpsertBatchSize)
		}
		points += len(u.GetPoints())
	}
	if points != r.Len() || points < UpsertBatchSize {
		t.Fatalf("upserted %d points, Len = %d", points, r.Len())
	}

	last := pts.upserts[len(pts.upserts)-1].GetPoints()
	pos := last[len(last)-1].GetPayload()[keyPosition].GetIntegerValue()
	if pos != int64(points-1) {
		t.Fatalf("last position = %d, want %d", pos, points-1)
	}
	if m := last[0].GetPayload()[keyModel].GetStringValue(); m != "nomic-embed-text" {
		t.Fatalf("model payload = %q", m)
	}
}

func TestBuildFromDocumentsEmpty(t *testing.T) {
	cols := &mockCollections{}
	r := newRetriever(&mockPoints{}, cols, fixedEmbedder{dim: 4})
	if err := r.BuildFromDocuments(context.Background(), nil); !errors.Is(err, domain.ErrIngestion) {
		t.Fatalf("expected ErrIngestion, got %v", err)
	}
	if len(cols.created) != 0 {
		t.Fatal("empty build must not touch the collection")
	}
}

func TestBuildUpsertError(t *testing.T) {
	pts := &mockPoints{upsertErr: errors.New("rpc fail")}
	r := newRetriever(pts, &mockCollections{}, fixedEmbedder{dim: 4})
	doc := domain.Document{ID: "a", Name: "a.txt", Text: "VCET is an engineering college"}
	if err := r.BuildFromDocuments(context.Background(), []domain.Document{doc}); !errors.Is(err, domain.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestFailedRebuildKeepsServing(t *testing.T) {
	ctx := context.Background()
	pts := &mockPoints{
		total: 3, matching: 3,
		searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{scored("a", 0.9, 0, "VCET")}},
	}
	cols := aliased()
	r := newRetriever(pts, cols, fixedEmbedder{dim: 4})
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}

	pts.upsertErr = errors.New("rpc fail")
	doc := domain.Document{ID: "a", Name: "a.txt", Text: "VCET is an engineering college"}
	if err := r.BuildFromDocuments(ctx, []domain.Document{doc}); !errors.Is(err, domain.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}

	if cols.aliases["vcet"] != "vcet_1" {
		t.Fatalf("alias -> %q, want vcet_1", cols.aliases["vcet"])
	}
	if len(cols.deleted) != 1 || cols.deleted[0] == "vcet_1" {
		t.Fatalf("deleted = %v, want only the unfinished version", cols.deleted)
	}
	hits, err := r.Query(ctx, "What is VCET?", 1)
	if err != nil {
		t.Fatalf("Query after failed rebuild: %v", err)
	}
	if len(hits) != 1 || r.Len() != 3 {
		t.Fatalf("hits = %d, Len = %d", len(hits), r.Len())
	}
	if pts.searchReq.GetCollectionName() != "vcet" {
		t.Fatalf("search addressed %q, want the alias", pts.searchReq.GetCollectionName())
	}
}

func TestFailedAliasSwitchKeepsServing(t *testing.T) {
	cols := aliased()
	cols.aliasErr = errors.New("conflict")
	r := newRetriever(&mockPoints{}, cols, fixedEmbedder{dim: 4})
	doc := domain.Document{ID: "a", Name: "a.txt", Text: "VCET is an engineering college"}
	if err := r.BuildFromDocuments(context.Background(), []domain.Document{doc}); !errors.Is(err, domain.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if cols.aliases["vcet"] != "vcet_1" || !slices.Contains(cols.names, "vcet_1") {
		t.Fatalf("previous version disturbed: aliases=%v names=%v", cols.aliases, cols.names)
	}
}

func TestBuildReplacesPlainCollection(t *testing.T) {
	cols := &mockCollections{names: []string{"vcet"}}
	r := newRetriever(&mockPoints{}, cols, fixedEmbedder{dim: 4})
	doc := domain.Document{ID: "a", Name: "a.txt", Text: "VCET is an engineering college"}
	if err := r.BuildFromDocuments(context.Background(), []domain.Document{doc}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(cols.deleted, []string{"vcet"}) {
		t.Fatalf("deleted = %v, want [vcet]", cols.deleted)
	}
	if cols.aliases["vcet"] != cols.created[0].GetCollectionName() {
		t.Fatalf("alias -> %q", cols.aliases["vcet"])
	}
}

func TestLoadThroughAlias(t *testing.T) {
	r := newRetriever(&mockPoints{total: 2, matching: 2}, aliased(), fixedEmbedder{dim: 4})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestQuery(t *testing.T) {
	pts := &mockPoints{
		total: 3, matching: 3,
		searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
			scored("b", 0.9, 5, "tie later"),
			scored("a", 0.9, 1, "tie earlier"),
			scored("c", 0.5, 0, "far"),
		}},
	}
	r := newRetriever(pts, &mockCollections{names: []string{"vcet"}}, fixedEmbedder{dim: 4})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	hits, err := r.Query(context.Background(), "What is VCET?", 3)
	if err != nil {
		t.Fatal(err)
	}
	if pts.searchReq.GetLimit() != 3 {
		t.Fatalf("limit = %d", pts.searchReq.GetLimit())
	}
	got := []string{hits[0].Chunk.ID, hits[1].Chunk.ID, hits[2].Chunk.ID}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order = %v, want [a b c]", got)
	}
	if d := hits[2].Distance; d < 0.49 || d > 0.51 {
		t.Fatalf("distance = %v, want 1 - 0.5", d)
	}
	if hits[0].Chunk.Source != "about.txt" || hits[0].Chunk.Page != 2 {
		t.Fatalf("payload not mapped: %+v", hits[0].Chunk)
	}
}

func TestQueryErrors(t *testing.T) {
	ctx := context.Background()
	r := newRetriever(&mockPoints{}, &mockCollections{}, fixedEmbedder{dim: 4})
	if _, err := r.Query(ctx, "x", 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := r.Query(ctx, "x", 1); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	pts := &mockPoints{total: 1, matching: 1, searchErr: errors.New("deadline exceeded")}
	r = newRetriever(pts, &mockCollections{names: []string{"vcet"}}, fixedEmbedder{dim: 4})
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Query(ctx, "x", 1); !errors.Is(err, domain.ErrRetrieval) {
		t.Fatalf("expected ErrRetrieval, got %v", err)
	}
}

func TestPersistNoop(t *testing.T) {
	r := newRetriever(&mockPoints{}, &mockCollections{}, fixedEmbedder{dim: 4})
	if err := r.Persist(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestFieldMatch(t *testing.T) {
	c := fieldMatch(keyModel, "nomic-embed-text")
	f := c.GetField()
	if f.GetKey() != keyModel || f.GetMatch().GetKeyword() != "nomic-embed-text" {
		t.Fatalf("fieldMatch = %v", c)
	}
}
