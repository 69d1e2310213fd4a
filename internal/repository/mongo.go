package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores messages and conversations in MongoDB.
type Mongo struct {
	client   *mongo.Client
	messages *mongo.Collection
	convs    *mongo.Collection
}

// ConnectMongo connects, pings and ensures the indexes the queries rely on.
func ConnectMongo(ctx context.Context, uri, db string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	r := &Mongo{
		client:   client,
		messages: client.Database(db).Collection("messages"),
		convs:    client.Database(db).Collection("conversations"),
	}
	if err := r.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := r.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "status", Value: 1}}},
		{
			Keys:    bson.D{{Key: "correlation_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	_, err = r.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	return nil
}

func (r *Mongo) SaveMessage(ctx context.Context, m *model.Message) (bool, error) {
	_, err := r.messages.InsertOne(ctx, m)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("insert message: %w", err)
	}
	// Either the id or the correlation id collided.
	if _, getErr := r.GetMessage(ctx, m.ID); getErr == nil {
		return false, nil
	}
	return false, ErrDuplicateCorrelation
}

func (r *Mongo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := r.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Mongo) GetByCorrelation(ctx context.Context, correlationID string) (*model.Message, error) {
	var m model.Message
	err := r.messages.FindOne(ctx, bson.M{"correlation_id": correlationID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Mongo) ListMessages(ctx context.Context, conversationID string, limit int64, before time.Time) ([]model.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	// Chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *Mongo) UpdateStatus(ctx context.Context, id string, to model.Status) (*model.Message, error) {
	filter := bson.M{"_id": id, "status": bson.M{"$in": predecessors(to)}}
	update := bson.M{"$set": bson.M{"status": to, "updated_at": time.Now().UTC()}}
	var m model.Message
	err := r.messages.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := r.GetMessage(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStale
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Mongo) MarkConversationRead(ctx context.Context, conversationID, reader string) ([]string, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"recipient_id":    reader,
		"status":          bson.M{"$in": []model.Status{model.StatusSent, model.StatusDelivered}},
	}
	cur, err := r.messages.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	// The status filter is repeated so a concurrent read receipt is not applied twice.
	filter["_id"] = bson.M{"$in": ids}
	_, err = r.messages.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"status": model.StatusRead, "updated_at": time.Now().UTC()}})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Mongo) ListByRecipientStatus(ctx context.Context, recipient string, status model.Status, limit int64) ([]model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.messages.Find(ctx, bson.M{"recipient_id": recipient, "status": status}, opts)
	if err != nil {
		return nil, err
	}
	var out []model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Mongo) FindOrCreateConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	conv, err := model.NewConversation(a, b, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	_, err = r.convs.UpdateOne(ctx,
		bson.M{"_id": conv.ID},
		bson.M{"$setOnInsert": conv},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return r.GetConversation(ctx, conv.ID)
}

func (r *Mongo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Mongo) ListConversations(ctx context.Context, user string, limit int64) ([]model.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.convs.Find(ctx, bson.M{"participants": user}, opts)
	if err != nil {
		return nil, err
	}
	var out []model.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Mongo) UpdateSnapshot(ctx context.Context, conversationID string, last model.LastMessage) error {
	res, err := r.convs.UpdateOne(ctx, bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"last_message": last, "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Mongo) IncrementUnread(ctx context.Context, conversationID, user string) (int, error) {
	var c model.Conversation
	err := r.convs.FindOneAndUpdate(ctx, bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"unread_counts." + user: 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return c.UnreadCounts[user], nil
}

func (r *Mongo) ResetUnread(ctx context.Context, conversationID, user string) error {
	res, err := r.convs.UpdateOne(ctx, bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"unread_counts." + user: 0}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Mongo) DeleteConversation(ctx context.Context, conversationID string) (int64, error) {
	res, err := r.convs.DeleteOne(ctx, bson.M{"_id": conversationID})
	if err != nil {
		return 0, err
	}
	if res.DeletedCount == 0 {
		return 0, ErrNotFound
	}
	msgs, err := r.messages.DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, err
	}
	return msgs.DeletedCount, nil
}

func (r *Mongo) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
