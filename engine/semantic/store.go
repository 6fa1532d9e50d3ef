// Package semantic owns the Qdrant collection holding indexed manual chunks.
// The external indexer writes points; this package only inspects and purges
// them when a manual is replaced or its vehicle is removed.
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Payload keys written by the indexer for every chunk.
const (
	FieldDocID     = "doc_id"
	FieldVehicleID = "vehicle_id"
)

// pointsClient is the subset of pb.PointsClient used here.
type pointsClient interface {
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn       *grpc.ClientConn
	points     pointsClient
	collection string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:       conn,
		points:     pb.NewPointsClient(conn),
		collection: collection,
	}, nil
}

func newWithClient(points pointsClient, collection string) *VectorStore {
	return &VectorStore{points: points, collection: collection}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// DeleteByDocID removes all chunks of one manual document.
func (v *VectorStore) DeleteByDocID(ctx context.Context, docID string) error {
	if err := v.deleteWhere(ctx, FieldDocID, docID); err != nil {
		return fmt.Errorf("semantic: delete by doc_id %s: %w", docID, err)
	}
	return nil
}

// DeleteByVehicle removes every chunk indexed for a vehicle.
func (v *VectorStore) DeleteByVehicle(ctx context.Context, vehicleID string) error {
	if err := v.deleteWhere(ctx, FieldVehicleID, vehicleID); err != nil {
		return fmt.Errorf("semantic: delete by vehicle_id %s: %w", vehicleID, err)
	}
	return nil
}

// CountChunks reports how many chunks are indexed for a manual document.
func (v *VectorStore) CountChunks(ctx context.Context, docID string) (uint64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: v.collection,
		Filter:         &pb.Filter{Must: []*pb.Condition{fieldMatch(FieldDocID, docID)}},
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count doc_id %s: %w", docID, err)
	}
	return resp.GetResult().GetCount(), nil
}

func (v *VectorStore) deleteWhere(ctx context.Context, key, value string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch(key, value)}},
			},
		},
	})
	return err
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
