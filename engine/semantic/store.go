package semantic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/pkg/fn"
)

// pointsAPI is the slice of Qdrant's points service the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a store over existing clients. Used by tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// listingNamespace scopes point IDs so the same VIN always maps to the
// same point.
var listingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://lotvision.ai/listing"))

// PointIDForVIN derives the deterministic point ID for a VIN. Re-indexing
// a vehicle overwrites its previous point instead of accumulating copies.
func PointIDForVIN(vin string) string {
	return uuid.NewSHA1(listingNamespace, []byte(vin)).String()
}

// EnsureCollection creates the collection if it doesn't exist. If it does
// exist its vector size must match dims; a mismatch is unrecoverable
// without a re-index, so it is reported rather than papered over.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() != v.collection {
			continue
		}
		info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
		if err != nil {
			return fmt.Errorf("semantic: get collection %s: %w", v.collection, err)
		}
		size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if size != 0 && size != uint64(dims) {
			return fmt.Errorf("semantic: collection %s has %d dims, embedder produces %d: %w",
				v.collection, size, dims, domain.ErrDimensionMismatch)
		}
		return nil
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
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
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// UpsertListing writes a vehicle's embedding. The point ID is derived from
// the VIN, so a newer version of the same listing replaces the old point.
func (v *VectorStore) UpsertListing(ctx context.Context, rec ListingVector) error {
	payload := map[string]*pb.Value{
		"vin":        {Kind: &pb.Value_StringValue{StringValue: rec.VIN}},
		"text_hash":  {Kind: &pb.Value_StringValue{StringValue: rec.TextHash}},
		"image_hash": {Kind: &pb.Value_StringValue{StringValue: rec.ImageHash}},
		"updated_at": {Kind: &pb.Value_StringValue{StringValue: rec.UpdatedAt.UTC().Format(time.RFC3339)}},
	}
	for k, val := range rec.Meta {
		payload[k] = payloadValue(val)
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointIDForVIN(rec.VIN)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: rec.Embedding},
				},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %s: %w", rec.VIN, err)
	}
	return nil
}

// GetByVIN reads back the stored payload and vector for a VIN. The second
// return is false when the vehicle has never been indexed.
func (v *VectorStore) GetByVIN(ctx context.Context, vin string) (StoredListing, bool, error) {
	resp, err := v.points.Get(ctx, &pb.GetPoints{
		CollectionName: v.collection,
		Ids: []*pb.PointId{{
			PointIdOptions: &pb.PointId_Uuid{Uuid: PointIDForVIN(vin)},
		}},
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors: &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return StoredListing{}, false, fmt.Errorf("semantic: get %s: %w", vin, err)
	}
	if len(resp.GetResult()) == 0 {
		return StoredListing{}, false, nil
	}

	point := resp.GetResult()[0]
	p := point.GetPayload()
	stored := StoredListing{
		VIN:       p["vin"].GetStringValue(),
		Vector:    point.GetVectors().GetVector().GetData(),
		TextHash:  p["text_hash"].GetStringValue(),
		ImageHash: p["image_hash"].GetStringValue(),
	}
	if ts := p["updated_at"].GetStringValue(); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			stored.UpdatedAt = t
		}
	}
	return stored, true, nil
}

// DeleteByVIN removes a vehicle's point. Used when a listing is retracted.
func (v *VectorStore) DeleteByVIN(ctx context.Context, vin string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{
						PointIdOptions: &pb.PointId_Uuid{Uuid: PointIDForVIN(vin)},
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete %s: %w", vin, err)
	}
	return nil
}

// Search performs k-NN similarity search over indexed listings.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, topK int) ([]SearchResult, error) {
	return v.SearchFiltered(ctx, embedding, topK, nil)
}

// SearchFiltered performs similarity search constrained by payload fields,
// e.g. {"make": "Honda"}.
func (v *VectorStore) SearchFiltered(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, val := range filters {
			must = append(must, fieldMatch(k, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := fn.Map(resp.GetResult(), func(r *pb.ScoredPoint) SearchResult {
		sr := SearchResult{
			Score:   r.GetScore(),
			Payload: make(map[string]string),
		}
		for k, val := range r.GetPayload() {
			s := val.GetStringValue()
			if k == "vin" {
				sr.VIN = s
				continue
			}
			sr.Payload[k] = s
		}
		return sr
	})
	return results, nil
}

func payloadValue(val any) *pb.Value {
	switch tv := val.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
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
