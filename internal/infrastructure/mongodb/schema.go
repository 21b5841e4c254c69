package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/kirillkom/db-agent/internal/core/ports"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
)

const DefaultSchemaCacheTTL = time.Hour

type documentSampler interface {
	listCollectionNames(ctx context.Context) ([]string, error)
	sampleDocuments(ctx context.Context, collection string, size int) ([]map[string]any, error)
}

type schemaEntry struct {
	fields    map[string]string
	fetchedAt time.Time
}

// SchemaIntrospector infers per-collection field types from sampled documents
// and keeps them for a TTL.
type SchemaIntrospector struct {
	source documentSampler
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]schemaEntry
}

func NewSchemaIntrospector(client *Client, ttl time.Duration) *SchemaIntrospector {
	return newSchemaIntrospector(client, ttl, time.Now)
}

func newSchemaIntrospector(source documentSampler, ttl time.Duration, now func() time.Time) *SchemaIntrospector {
	if ttl <= 0 {
		ttl = DefaultSchemaCacheTTL
	}
	return &SchemaIntrospector{
		source: source,
		ttl:    ttl,
		now:    now,
		cache:  make(map[string]schemaEntry),
	}
}

var _ ports.SchemaIntrospector = (*SchemaIntrospector)(nil)

func (s *SchemaIntrospector) ListCollectionNames(ctx context.Context) ([]string, error) {
	names, err := s.source.listCollectionNames(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *SchemaIntrospector) Probe(ctx context.Context, collection string, sampleSize int) (map[string]string, error) {
	now := s.now()
	s.mu.Lock()
	entry, ok := s.cache[collection]
	s.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < s.ttl {
		return entry.fields, nil
	}

	docs, err := s.source.sampleDocuments(ctx, collection, sampleSize)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return map[string]string{}, nil
	}

	fields := InferFieldTypes(docs)
	s.mu.Lock()
	s.cache[collection] = schemaEntry{fields: fields, fetchedAt: now}
	s.mu.Unlock()

	slog.Debug("schema_probed", "collection", collection, "fields", len(fields), "sampled", len(docs))
	return fields, nil
}

// InferFieldTypes merges the observed type names of every top-level field.
// A field seen with several types gets them sorted and comma-joined.
func InferFieldTypes(docs []map[string]any) map[string]string {
	seen := make(map[string]map[string]struct{})
	for _, doc := range docs {
		for key, value := range doc {
			if seen[key] == nil {
				seen[key] = make(map[string]struct{})
			}
			seen[key][fieldTypeName(value)] = struct{}{}
		}
	}

	out := make(map[string]string, len(seen))
	for key, types := range seen {
		names := make([]string, 0, len(types))
		for name := range types {
			names = append(names, name)
		}
		sort.Strings(names)
		out[key] = strings.Join(names, ", ")
	}
	return out
}

func fieldTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "Null"
	case string:
		return "String"
	case bool:
		return "Boolean"
	case int, int32, int64:
		return "Integer"
	case float32, float64:
		return "Float"
	case bson.Decimal128:
		return "Decimal"
	case bson.A, []any:
		return "List"
	case bson.M, bson.D, map[string]any:
		return "Object"
	case bson.ObjectID:
		return "ObjectId"
	case bson.DateTime, time.Time:
		return "DateTime"
	default:
		name := fmt.Sprintf("%T", value)
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		return name
	}
}

func (c *Client) listCollectionNames(ctx context.Context) ([]string, error) {
	names, err := resilience.Do(ctx, c.executor, "mongo.list_collections", func(callCtx context.Context) ([]string, error) {
		return c.db.ListCollectionNames(callCtx, bson.D{})
	}, classifyReadError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("mongo list collections", fmt.Errorf("list collections: %w", err))
	}
	return names, nil
}

// sampleDocuments prefers a random $sample and falls back to the first
// documents when the server rejects the stage.
func (c *Client) sampleDocuments(ctx context.Context, collection string, size int) ([]map[string]any, error) {
	if size <= 0 {
		size = 3
	}
	store := NewDataStore(c)
	pipeline := []any{map[string]any{"$sample": map[string]any{"size": size}}}

	docs, err := store.Aggregate(ctx, collection, pipeline, size)
	if err == nil {
		return docs, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	slog.Debug("schema_sample_fallback", "collection", collection, "error", err)

	docs, err = store.Find(ctx, collection, nil, nil, size)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", collection, err)
	}
	return docs, nil
}
