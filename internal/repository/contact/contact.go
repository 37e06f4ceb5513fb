package contact

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_messenger/internal/model"
)

type (
	ContactRepo struct {
		client     *mongo.Client
		collection *mongo.Collection
	}
)

func NewContactRepo(db *mongo.Database) *ContactRepo {
	return &ContactRepo{
		client:     db.Client(),
		collection: db.Collection("contacts"),
	}
}

// Contact returns nil, nil for an unknown id.
func (r *ContactRepo) Contact(ctx context.Context, whisperID string) (*model.Contact, error) {
	var c model.Contact
	err := r.collection.FindOne(ctx, bson.M{"_id": whisperID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (r *ContactRepo) Upsert(ctx context.Context, c model.Contact) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": c.WhisperID}, c, options.Replace().SetUpsert(true))
	return err
}

func (r *ContactRepo) Delete(ctx context.Context, whisperID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": whisperID})
	return err
}

func (r *ContactRepo) List(ctx context.Context) ([]model.Contact, error) {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	out := []model.Contact{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceAll swaps the contact set inside a transaction, so readers never see
// a half-restored list. Requires a replica set deployment.
func (r *ContactRepo) ReplaceAll(ctx context.Context, contacts []model.Contact) error {
	docs := make([]interface{}, 0, len(contacts))
	for _, c := range contacts {
		docs = append(docs, c)
	}

	return r.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		_, err := sc.WithTransaction(sc, func(tx mongo.SessionContext) (interface{}, error) {
			if _, err := r.collection.DeleteMany(tx, bson.M{}); err != nil {
				return nil, err
			}
			if len(docs) == 0 {
				return nil, nil
			}
			return r.collection.InsertMany(tx, docs)
		})
		return err
	})
}

func (r *ContactRepo) Count(ctx context.Context) (int, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{})
	return int(n), err
}
