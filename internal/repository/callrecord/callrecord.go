package callrecord

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_messenger/internal/model"
)

type (
	CallRecordRepo struct {
		collection *mongo.Collection
	}
)

func NewCallRecordRepo(db *mongo.Database) *CallRecordRepo {
	return &CallRecordRepo{
		collection: db.Collection("call_records"),
	}
}

func (r *CallRecordRepo) SaveCallRecord(ctx context.Context, rec model.CallRecord) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": rec.CallID}, rec, options.Replace().SetUpsert(true))
	return err
}

// List returns call history newest first.
func (r *CallRecordRepo) List(ctx context.Context) ([]model.CallRecord, error) {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}))
	if err != nil {
		return nil, err
	}

	out := []model.CallRecord{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
