package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/kirillkom/db-agent/internal/core/ports"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
)

// DataStore runs data operations against the configured database.
type DataStore struct {
	client *Client
}

func NewDataStore(client *Client) *DataStore {
	return &DataStore{client: client}
}

var _ ports.DataStore = (*DataStore)(nil)

func (s *DataStore) Find(ctx context.Context, collection string, filter, projection map[string]any, limit int) ([]map[string]any, error) {
	findOptions := options.Find()
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}
	if len(projection) > 0 {
		findOptions.SetProjection(normalizeDocument(projection))
	}

	docs, err := resilience.Do(ctx, s.client.executor, "mongo.find", func(callCtx context.Context) ([]bson.M, error) {
		cursor, err := s.client.db.Collection(collection).Find(callCtx, filterOrEmpty(filter), findOptions)
		if err != nil {
			return nil, err
		}
		var out []bson.M
		if err := cursor.All(callCtx, &out); err != nil {
			return nil, err
		}
		return out, nil
	}, classifyReadError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("mongo find", fmt.Errorf("find %s: %w", collection, err))
	}
	return toMaps(docs), nil
}

func (s *DataStore) Count(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	count, err := resilience.Do(ctx, s.client.executor, "mongo.count", func(callCtx context.Context) (int64, error) {
		return s.client.db.Collection(collection).CountDocuments(callCtx, filterOrEmpty(filter))
	}, classifyReadError)
	if err != nil {
		return 0, wrapTemporaryIfNeeded("mongo count", fmt.Errorf("count %s: %w", collection, err))
	}
	return count, nil
}

func (s *DataStore) Aggregate(ctx context.Context, collection string, pipeline []any, limit int) ([]map[string]any, error) {
	stages := make([]any, 0, len(pipeline))
	for _, stage := range pipeline {
		stages = append(stages, normalizeValue(stage))
	}

	docs, err := resilience.Do(ctx, s.client.executor, "mongo.aggregate", func(callCtx context.Context) ([]bson.M, error) {
		cursor, err := s.client.db.Collection(collection).Aggregate(callCtx, stages)
		if err != nil {
			return nil, err
		}
		defer cursor.Close(callCtx)

		out := make([]bson.M, 0)
		for cursor.Next(callCtx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				return nil, err
			}
			out = append(out, doc)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return out, cursor.Err()
	}, classifyReadError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("mongo aggregate", fmt.Errorf("aggregate %s: %w", collection, err))
	}
	return toMaps(docs), nil
}

func (s *DataStore) InsertOne(ctx context.Context, collection string, document map[string]any) (any, error) {
	insertedID, err := resilience.Do(ctx, s.client.executor, "mongo.insert", func(callCtx context.Context) (any, error) {
		res, err := s.client.db.Collection(collection).InsertOne(callCtx, normalizeDocument(document))
		if err != nil {
			return nil, err
		}
		return res.InsertedID, nil
	}, classifyWriteError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("mongo insert", fmt.Errorf("insert %s: %w", collection, err))
	}
	return insertedID, nil
}

func (s *DataStore) UpdateMany(ctx context.Context, collection string, filter, update map[string]any) (int64, int64, error) {
	type counts struct{ matched, modified int64 }
	res, err := resilience.Do(ctx, s.client.executor, "mongo.update", func(callCtx context.Context) (counts, error) {
		res, err := s.client.db.Collection(collection).UpdateMany(callCtx, normalizeDocument(filter), normalizeDocument(update))
		if err != nil {
			return counts{}, err
		}
		return counts{matched: res.MatchedCount, modified: res.ModifiedCount}, nil
	}, classifyWriteError)
	if err != nil {
		return 0, 0, wrapTemporaryIfNeeded("mongo update", fmt.Errorf("update %s: %w", collection, err))
	}
	return res.matched, res.modified, nil
}

func (s *DataStore) DeleteMany(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	deleted, err := resilience.Do(ctx, s.client.executor, "mongo.delete", func(callCtx context.Context) (int64, error) {
		res, err := s.client.db.Collection(collection).DeleteMany(callCtx, normalizeDocument(filter))
		if err != nil {
			return 0, err
		}
		return res.DeletedCount, nil
	}, classifyWriteError)
	if err != nil {
		return 0, wrapTemporaryIfNeeded("mongo delete", fmt.Errorf("delete %s: %w", collection, err))
	}
	return deleted, nil
}

func filterOrEmpty(filter map[string]any) bson.M {
	if len(filter) == 0 {
		return bson.M{}
	}
	return normalizeDocument(filter)
}

func toMaps(docs []bson.M) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, map[string]any(doc))
	}
	return out
}

// normalizeDocument converts model-written extended JSON ({"$oid": ...},
// {"$date": ...}) into driver types. Everything else passes through.
func normalizeDocument(doc map[string]any) bson.M {
	if doc == nil {
		return nil
	}
	out := make(bson.M, len(doc))
	for key, value := range doc {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 1 {
			if raw, ok := v["$oid"].(string); ok {
				if id, err := bson.ObjectIDFromHex(raw); err == nil {
					return id
				}
			}
			if raw, ok := v["$date"].(string); ok {
				if t, err := parseExtendedDate(raw); err == nil {
					return bson.NewDateTimeFromTime(t)
				}
			}
		}
		return normalizeDocument(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return value
	}
}

func parseExtendedDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
