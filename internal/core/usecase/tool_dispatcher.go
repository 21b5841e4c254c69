package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
)

const (
	defaultDocumentLimit    = 50
	defaultSchemaSampleSize = 3
	schemaFieldCap          = 50
	maxToolErrorRunes       = 300

	uiDispatchedResult = "dispatched"
	noSchemasResult    = "No specific schemas found."
)

// ToolDispatcher executes action descriptors against the schema and data
// collaborators. Failures are returned as ToolError results, never as Go
// errors, so one bad action cannot end a round.
type ToolDispatcher struct {
	schema        ports.SchemaIntrospector
	store         ports.DataStore
	documentLimit int
	sampleSize    int
}

func NewToolDispatcher(schema ports.SchemaIntrospector, store ports.DataStore, documentLimit, sampleSize int) *ToolDispatcher {
	if documentLimit <= 0 {
		documentLimit = defaultDocumentLimit
	}
	if sampleSize <= 0 {
		sampleSize = defaultSchemaSampleSize
	}
	return &ToolDispatcher{
		schema:        schema,
		store:         store,
		documentLimit: documentLimit,
		sampleSize:    sampleSize,
	}
}

func (d *ToolDispatcher) Dispatch(ctx context.Context, action domain.Action) domain.ToolResult {
	if err := ctx.Err(); err != nil {
		return toolError(actionKind(action), "", fmt.Sprintf("canceled: %v", err))
	}

	switch a := action.(type) {
	case domain.SchemaProbe:
		return d.probeSchema(ctx, a)
	case domain.DataOperation:
		return d.executeDataOperation(ctx, a)
	case domain.UIDispatch:
		if a.Interaction != domain.UIClick && a.Interaction != domain.UIType {
			return toolError(domain.ActionUI, "", domain.WrapError(domain.ErrUnknownAction, "dispatch ui", fmt.Errorf("interaction %q", a.Interaction)).Error())
		}
		envelope := a.Envelope()
		return domain.ToolResult{
			Action:  domain.ActionUI,
			Payload: uiDispatchedResult,
			UI:      &envelope,
		}
	case domain.UnknownAction:
		return toolError(domain.ActionUnknown, "", domain.WrapError(domain.ErrUnknownAction, "dispatch", fmt.Errorf("%q", a.Name)).Error())
	default:
		return toolError(domain.ActionUnknown, "", domain.WrapError(domain.ErrUnknownAction, "dispatch", fmt.Errorf("%T", action)).Error())
	}
}

func (d *ToolDispatcher) probeSchema(ctx context.Context, probe domain.SchemaProbe) domain.ToolResult {
	available, err := d.schema.ListCollectionNames(ctx)
	if err != nil {
		return d.collaboratorError(domain.ActionSchemaProbe, "", err)
	}
	known := make(map[string]struct{}, len(available))
	for _, name := range available {
		known[name] = struct{}{}
	}

	lines := make([]string, 0, len(probe.Collections))
	seen := make(map[string]struct{}, len(probe.Collections))
	for _, name := range probe.Collections {
		if _, ok := known[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		fields, err := d.schema.Probe(ctx, name, d.sampleSize)
		if err != nil {
			return d.collaboratorError(domain.ActionSchemaProbe, name, err)
		}
		lines = append(lines, formatSchemaLine(name, fields))
	}

	result := noSchemasResult
	if len(lines) > 0 {
		result = strings.Join(lines, "\n")
	}
	return domain.ToolResult{
		Action:     domain.ActionSchemaProbe,
		Collection: strings.Join(probe.Collections, ","),
		Payload:    result,
	}
}

// formatSchemaLine renders "Coll: name [field:Type, ...]" with at most
// schemaFieldCap fields.
func formatSchemaLine(collection string, fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, min(len(names), schemaFieldCap)+1)
	for i, name := range names {
		if i == schemaFieldCap {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, name+":"+fields[name])
	}
	return fmt.Sprintf("Coll: %s [%s]", collection, strings.Join(parts, ", "))
}

func (d *ToolDispatcher) executeDataOperation(ctx context.Context, op domain.DataOperation) domain.ToolResult {
	if op.Collection == "" {
		return toolError(op.Op, "", domain.WrapError(domain.ErrInvalidInput, string(op.Op), errors.New("collection is required")).Error())
	}

	switch op.Op {
	case domain.ActionQuery:
		return d.executeQuery(ctx, op)
	case domain.ActionInsert:
		id, err := d.store.InsertOne(ctx, op.Collection, op.Document)
		if err != nil {
			return d.collaboratorError(op.Op, op.Collection, err)
		}
		return domain.ToolResult{
			Action:     op.Op,
			Collection: op.Collection,
			Payload:    map[string]any{"status": "success", "inserted_id": stringifyID(id)},
		}
	case domain.ActionUpdate:
		if !op.HasFilter() {
			return unsafeMutation(op, "Update requires a filter for safety.")
		}
		matched, modified, err := d.store.UpdateMany(ctx, op.Collection, op.Filter, op.Update)
		if err != nil {
			return d.collaboratorError(op.Op, op.Collection, err)
		}
		return domain.ToolResult{
			Action:     op.Op,
			Collection: op.Collection,
			Payload:    map[string]any{"status": "success", "matched_count": matched, "modified_count": modified},
		}
	case domain.ActionDelete:
		if !op.HasFilter() {
			return unsafeMutation(op, "Delete requires a filter for safety.")
		}
		deleted, err := d.store.DeleteMany(ctx, op.Collection, op.Filter)
		if err != nil {
			return d.collaboratorError(op.Op, op.Collection, err)
		}
		return domain.ToolResult{
			Action:     op.Op,
			Collection: op.Collection,
			Payload:    map[string]any{"status": "success", "deleted_count": deleted},
		}
	default:
		return toolError(op.Op, op.Collection, domain.WrapError(domain.ErrUnknownAction, "dispatch", fmt.Errorf("%q", op.Op)).Error())
	}
}

func (d *ToolDispatcher) executeQuery(ctx context.Context, op domain.DataOperation) domain.ToolResult {
	var (
		docs []map[string]any
		err  error
	)
	switch op.QueryType {
	case domain.QueryFind, "":
		docs, err = d.store.Find(ctx, op.Collection, op.Filter, op.Projection, d.documentLimit)
	case domain.QueryCount:
		count, countErr := d.store.Count(ctx, op.Collection, op.Filter)
		if countErr != nil {
			return d.collaboratorError(op.Op, op.Collection, countErr)
		}
		return domain.ToolResult{
			Action:     op.Op,
			Collection: op.Collection,
			Payload:    map[string]any{"count": count},
		}
	case domain.QueryAggregate:
		docs, err = d.store.Aggregate(ctx, op.Collection, op.Pipeline, d.documentLimit)
	default:
		return toolError(op.Op, op.Collection, domain.WrapError(domain.ErrUnknownQueryType, "query", fmt.Errorf("%q", op.QueryType)).Error())
	}
	if err != nil {
		return d.collaboratorError(op.Op, op.Collection, err)
	}

	if len(docs) > d.documentLimit {
		docs = docs[:d.documentLimit]
	}
	rows := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc["_id"]; ok {
			doc["_id"] = stringifyID(id)
		}
		rows = append(rows, doc)
	}
	return domain.ToolResult{
		Action:     op.Op,
		Collection: op.Collection,
		Payload:    rows,
	}
}

func (d *ToolDispatcher) collaboratorError(kind domain.ActionKind, collection string, err error) domain.ToolResult {
	slog.Warn("tool_dispatch_failed",
		"action", string(kind),
		"collection", collection,
		"error", err,
	)
	return toolError(kind, collection, "database error: "+sanitizeToolError(err.Error()))
}

func unsafeMutation(op domain.DataOperation, message string) domain.ToolResult {
	slog.Warn("tool_dispatch_rejected",
		"action", string(op.Op),
		"collection", op.Collection,
		"reason", domain.ErrUnsafeMutation.Error(),
	)
	return toolError(op.Op, op.Collection, message)
}

func toolError(kind domain.ActionKind, collection, message string) domain.ToolResult {
	return domain.ToolResult{
		Action:     kind,
		Collection: collection,
		Err:        &domain.ToolError{Message: message},
	}
}

// sanitizeToolError flattens a driver error to one bounded line.
func sanitizeToolError(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(message) <= maxToolErrorRunes {
		return message
	}
	runes := []rune(message)
	return string(runes[:maxToolErrorRunes]) + "..."
}

type hexer interface {
	Hex() string
}

func stringifyID(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case hexer:
		return v.Hex()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func actionKind(action domain.Action) domain.ActionKind {
	if action == nil {
		return domain.ActionUnknown
	}
	return action.Kind()
}
