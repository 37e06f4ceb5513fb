package message

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_messenger/internal/model"
)

type (
	MessageRepo struct {
		collection *mongo.Collection
	}

	ConversationRepo struct {
		collection *mongo.Collection
		now        func() time.Time
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

// Save writes rec keyed by message id; saving the same id twice keeps one row.
func (r *MessageRepo) Save(ctx context.Context, rec model.MessageRecord) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": rec.MessageID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (r *MessageRepo) Exists(ctx context.Context, messageID string) (bool, error) {
	err := r.collection.FindOne(ctx, bson.M{"_id": messageID}, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *MessageRepo) Get(ctx context.Context, messageID string) (*model.MessageRecord, error) {
	var rec model.MessageRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": messageID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// UpdateStatus never moves a message backwards, e.g. from delivered to sent.
func (r *MessageRepo) UpdateStatus(ctx context.Context, messageID, status string) error {
	filter := bson.M{"_id": messageID, "status": bson.M{"$in": model.StatusesUpTo(status)}}
	_, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"status": status}})
	return err
}

// ListByConversation returns the conversation in timestamp order.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]model.MessageRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.collection.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}

	out := []model.MessageRecord{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MessageRepo) Count(ctx context.Context) (int, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{})
	return int(n), err
}

func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{
		collection: db.Collection("conversations"),
		now:        time.Now,
	}
}

// UpsertFromMessage creates the summary row if needed, bumps unread, then moves
// the last-message fields forward unless a newer message is already shown.
func (r *ConversationRepo) UpsertFromMessage(ctx context.Context, rec model.MessageRecord, incrementUnread bool) error {
	inc := 0
	if incrementUnread {
		inc = 1
	}
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": rec.ConversationID},
		bson.M{
			"$setOnInsert": bson.M{"last_message_timestamp": int64(-1)},
			"$inc":         bson.M{"unread_count": inc},
			"$set":         bson.M{"updated_at": r.now()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return err
	}

	_, err = r.collection.UpdateOne(ctx,
		bson.M{"_id": rec.ConversationID, "last_message_timestamp": bson.M{"$lte": rec.Timestamp}},
		bson.M{"$set": bson.M{
			"last_message_id":        rec.MessageID,
			"last_message_preview":   model.Preview(rec.MsgType, rec.Content),
			"last_message_timestamp": rec.Timestamp,
		}},
	)
	return err
}

func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID string) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": bson.M{"unread_count": 0}})
	return err
}

// List returns conversations most recent first.
func (r *ConversationRepo) List(ctx context.Context) ([]model.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_message_timestamp", Value: -1}})
	cur, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}

	out := []model.Conversation{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
