package semantic

import (
	"context"
	"errors"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	upsertReq  *pb.UpsertPoints
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	deleteResp *pb.PointsOperationResponse
	deleteErr  error
	getReq     *pb.GetPoints
	getResp    *pb.GetResponse
	getErr     error
	searchReq  *pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReq = in
	return m.upsertResp, m.upsertErr
}
func (m *mockPoints) Delete(_ context.Context, _ *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return m.deleteResp, m.deleteErr
}
func (m *mockPoints) Get(_ context.Context, in *pb.GetPoints, _ ...grpc.CallOption) (*pb.GetResponse, error) {
	m.getReq = in
	return m.getResp, m.getErr
}
func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = in
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	listResp   *pb.ListCollectionsResponse
	listErr    error
	getResp    *pb.GetCollectionInfoResponse
	getErr     error
	createReq  *pb.CreateCollection
	createResp *pb.CollectionOperationResponse
	createErr  error
	deleteResp *pb.CollectionOperationResponse
	deleteErr  error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	return m.getResp, m.getErr
}
func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.createReq = in
	return m.createResp, m.createErr
}
func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return m.deleteResp, m.deleteErr
}

func collectionInfo(dims uint64) *pb.GetCollectionInfoResponse {
	return &pb.GetCollectionInfoResponse{
		Result: &pb.CollectionInfo{
			Config: &pb.CollectionConfig{
				Params: &pb.CollectionParams{
					VectorsConfig: &pb.VectorsConfig{
						Config: &pb.VectorsConfig_Params{
							Params: &pb.VectorParams{Size: dims, Distance: pb.Distance_Cosine},
						},
					},
				},
			},
		},
	}
}

// --- Tests ---

func TestPointIDForVIN_Deterministic(t *testing.T) {
	a := PointIDForVIN("1HGCM82633A004352")
	b := PointIDForVIN("1HGCM82633A004352")
	c := PointIDForVIN("11111111111111111")
	if a != b {
		t.Errorf("same VIN produced different IDs: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different VINs produced the same ID")
	}
}

func TestEnsureCollection_Creates(t *testing.T) {
	cols := &mockCollections{
		listResp:   &pb.ListCollectionsResponse{},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	vs := NewWithClients(&mockPoints{}, cols, "listings")
	if err := vs.EnsureCollection(context.Background(), 768); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	params := cols.createReq.GetVectorsConfig().GetParams()
	if params.GetSize() != 768 {
		t.Errorf("created with %d dims, want 768", params.GetSize())
	}
	if params.GetDistance() != pb.Distance_Cosine {
		t.Errorf("distance = %v, want cosine", params.GetDistance())
	}
}

func TestEnsureCollection_ExistsMatching(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "listings"}},
		},
		getResp: collectionInfo(768),
	}
	vs := NewWithClients(&mockPoints{}, cols, "listings")
	if err := vs.EnsureCollection(context.Background(), 768); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.createReq != nil {
		t.Error("must not recreate an existing collection")
	}
}

func TestEnsureCollection_DimensionMismatch(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "listings"}},
		},
		getResp: collectionInfo(512),
	}
	vs := NewWithClients(&mockPoints{}, cols, "listings")
	err := vs.EnsureCollection(context.Background(), 768)
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
}

func TestEnsureCollection_ListError(t *testing.T) {
	cols := &mockCollections{listErr: errors.New("rpc fail")}
	vs := NewWithClients(&mockPoints{}, cols, "listings")
	if err := vs.EnsureCollection(context.Background(), 4); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsertListing_PayloadAndID(t *testing.T) {
	pts := &mockPoints{upsertResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "listings")

	updated := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	rec := ListingVector{
		VIN:       "1HGCM82633A004352",
		Embedding: []float32{0.1, 0.2, 0.3},
		TextHash:  "abc",
		ImageHash: "def",
		UpdatedAt: updated,
		Meta:      map[string]any{"make": "Honda", "year": 2019, "price": 18500.0},
	}
	if err := vs.UpsertListing(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pts.upsertReq.GetPoints()) != 1 {
		t.Fatalf("upserted %d points, want 1", len(pts.upsertReq.GetPoints()))
	}
	p := pts.upsertReq.GetPoints()[0]
	if p.GetId().GetUuid() != PointIDForVIN(rec.VIN) {
		t.Error("point ID must be derived from the VIN")
	}
	pl := p.GetPayload()
	if pl["vin"].GetStringValue() != rec.VIN {
		t.Errorf("vin payload = %q", pl["vin"].GetStringValue())
	}
	if pl["text_hash"].GetStringValue() != "abc" || pl["image_hash"].GetStringValue() != "def" {
		t.Error("hash payload missing")
	}
	if pl["updated_at"].GetStringValue() != "2026-03-14T09:30:00Z" {
		t.Errorf("updated_at = %q", pl["updated_at"].GetStringValue())
	}
	if pl["year"].GetIntegerValue() != 2019 {
		t.Errorf("year payload = %d", pl["year"].GetIntegerValue())
	}
	if pl["price"].GetDoubleValue() != 18500.0 {
		t.Errorf("price payload = %f", pl["price"].GetDoubleValue())
	}
}

func TestUpsertListing_Error(t *testing.T) {
	pts := &mockPoints{upsertErr: errors.New("fail")}
	vs := NewWithClients(pts, &mockCollections{}, "listings")
	err := vs.UpsertListing(context.Background(), ListingVector{VIN: "1HGCM82633A004352"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGetByVIN_Found(t *testing.T) {
	pts := &mockPoints{
		getResp: &pb.GetResponse{
			Result: []*pb.RetrievedPoint{{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointIDForVIN("1HGCM82633A004352")}},
				Vectors: &pb.VectorsOutput{
					VectorsOptions: &pb.VectorsOutput_Vector{Vector: &pb.VectorOutput{Data: []float32{0.1, 0.2, 0.3}}},
				},
				Payload: map[string]*pb.Value{
					"vin":        {Kind: &pb.Value_StringValue{StringValue: "1HGCM82633A004352"}},
					"text_hash":  {Kind: &pb.Value_StringValue{StringValue: "abc"}},
					"image_hash": {Kind: &pb.Value_StringValue{StringValue: "def"}},
					"updated_at": {Kind: &pb.Value_StringValue{StringValue: "2026-03-14T09:30:00Z"}},
				},
			}},
		},
	}
	vs := NewWithClients(pts, &mockCollections{}, "listings")
	stored, ok, err := vs.GetByVIN(context.Background(), "1HGCM82633A004352")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected found")
	}
	if stored.TextHash != "abc" || stored.ImageHash != "def" {
		t.Errorf("wrong hashes: %+v", stored)
	}
	if stored.UpdatedAt.IsZero() {
		t.Error("updated_at not parsed")
	}
	if len(stored.Vector) != 3 {
		t.Errorf("vector = %v, want the stored point's vector", stored.Vector)
	}
	if pid := pts.getReq.GetIds()[0].GetUuid(); pid != PointIDForVIN("1HGCM82633A004352") {
		t.Errorf("looked up wrong point: %s", pid)
	}
	if !pts.getReq.GetWithVectors().GetEnable() {
		t.Error("lookup must request vectors")
	}
}

func TestGetByVIN_NotFound(t *testing.T) {
	pts := &mockPoints{getResp: &pb.GetResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "listings")
	_, ok, err := vs.GetByVIN(context.Background(), "11111111111111111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected not found")
	}
}

func TestGetByVIN_Error(t *testing.T) {
	pts := &mockPoints{getErr: errors.New("fail")}
	vs := NewWithClients(pts, &mockCollections{}, "listings")
	if _, _, err := vs.GetByVIN(context.Background(), "11111111111111111"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteByVIN(t *testing.T) {
	pts := &mockPoints{deleteResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "listings")
	if err := vs.DeleteByVIN(context.Background(), "1HGCM82633A004352"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pts.deleteErr = errors.New("fail")
	if err := vs.DeleteByVIN(context.Background(), "1HGCM82633A004352"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearchFiltered(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{{
				Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "p1"}},
				Score: 0.93,
				Payload: map[string]*pb.Value{
					"vin":  {Kind: &pb.Value_StringValue{StringValue: "1HGCM82633A004352"}},
					"make": {Kind: &pb.Value_StringValue{StringValue: "Honda"}},
				},
			}},
		},
	}
	vs := NewWithClients(pts, &mockCollections{}, "listings")
	results, err := vs.SearchFiltered(context.Background(), []float32{1, 0}, 5, map[string]string{"make": "Honda"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1, got %d", len(results))
	}
	if results[0].VIN != "1HGCM82633A004352" {
		t.Errorf("vin = %q", results[0].VIN)
	}
	if results[0].Score != 0.93 {
		t.Errorf("score = %f", results[0].Score)
	}
	if results[0].Payload["make"] != "Honda" {
		t.Errorf("payload = %v", results[0].Payload)
	}

	filter := pts.searchReq.GetFilter()
	if filter == nil || len(filter.GetMust()) != 1 {
		t.Fatal("filter not forwarded")
	}
	if fc := filter.GetMust()[0].GetField(); fc.GetKey() != "make" || fc.GetMatch().GetKeyword() != "Honda" {
		t.Errorf("wrong filter condition: %v", fc)
	}
}

func TestSearch_Error(t *testing.T) {
	pts := &mockPoints{searchErr: errors.New("fail")}
	vs := NewWithClients(pts, &mockCollections{}, "listings")
	if _, err := vs.Search(context.Background(), []float32{1}, 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestClose_NilConn(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "listings")
	if err := vs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
