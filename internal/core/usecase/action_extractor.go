package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

const actionKey = "action"

var markerBlockPattern = regexp.MustCompile(`(?is)\[(dom_action|action)\](.*?)\[/(?:dom_action|action)\]`)

// ExtractActions finds the action descriptors in the full text of one round.
// Fenced blocks are tried first, then balanced objects carrying an "action"
// key, then the bracketed marker notation. The first strategy that yields a
// descriptor wins. Malformed fragments are skipped; the result follows
// source order and is empty when nothing parses.
func ExtractActions(text string) []domain.Action {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if actions := extractFenced(text); len(actions) > 0 {
		return actions
	}
	if actions := extractBalanced(text); len(actions) > 0 {
		return actions
	}
	return extractMarkerBlocks(text)
}

func extractFenced(text string) []domain.Action {
	var out []domain.Action
	for _, block := range fencedBlocks(text) {
		value, ok := decodeJSON(block)
		if !ok {
			continue
		}
		out = append(out, actionsFromValue(value, false)...)
	}
	return out
}

// fencedBlocks returns the bodies of ``` fences in order. The optional
// language tag right after the opening fence is dropped; a final fence that
// never closes runs to the end of the text.
func fencedBlocks(text string) []string {
	const fence = "```"
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			return blocks
		}
		body := rest[start+len(fence):]
		tagEnd := 0
		for tagEnd < len(body) && isFenceTagByte(body[tagEnd]) {
			tagEnd++
		}
		body = body[tagEnd:]

		end := strings.Index(body, fence)
		if end < 0 {
			blocks = append(blocks, body)
			return blocks
		}
		blocks = append(blocks, body[:end])
		rest = body[end+len(fence):]
	}
}

func isFenceTagByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '+'
}

func extractBalanced(text string) []domain.Action {
	var out []domain.Action
	for i := 0; i < len(text); {
		if text[i] != '{' {
			i++
			continue
		}
		end := matchingBrace(text, i)
		if end < 0 {
			i++
			continue
		}
		candidate := text[i : end+1]
		if strings.Contains(candidate, `"`+actionKey+`"`) {
			if value, ok := decodeJSON(candidate); ok {
				if obj, ok := value.(map[string]any); ok {
					if action, ok := actionFromObject(obj, false); ok {
						out = append(out, action)
						i = end + 1
						continue
					}
				}
			}
		}
		i++
	}
	return out
}

// matchingBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func extractMarkerBlocks(text string) []domain.Action {
	var out []domain.Action
	for _, match := range markerBlockPattern.FindAllStringSubmatch(text, -1) {
		value, ok := decodeJSON(match[2])
		if !ok {
			continue
		}
		ui := strings.EqualFold(match[1], "dom_action")
		out = append(out, actionsFromValue(value, ui)...)
	}
	return out
}

func actionsFromValue(value any, defaultUI bool) []domain.Action {
	switch v := value.(type) {
	case map[string]any:
		if action, ok := actionFromObject(v, defaultUI); ok {
			return []domain.Action{action}
		}
	case []any:
		out := make([]domain.Action, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if action, ok := actionFromObject(obj, defaultUI); ok {
				out = append(out, action)
			}
		}
		return out
	}
	return nil
}

// actionFromObject maps a decoded JSON object onto a descriptor. Objects
// without a tag are rejected unless they come from a UI marker block, where
// the tag is implied.
func actionFromObject(obj map[string]any, defaultUI bool) (domain.Action, bool) {
	if nested, ok := obj[actionKey].(map[string]any); ok {
		return uiFromObject(nested, "")
	}

	tag := strings.ToLower(strings.TrimSpace(stringField(obj, actionKey)))
	if tag == "" {
		if defaultUI {
			return uiFromObject(obj, "")
		}
		return nil, false
	}

	switch tag {
	case "get_schema", "schema":
		collections := stringList(obj["collections"])
		if len(collections) == 0 {
			collections = stringList(obj["collection"])
		}
		return domain.SchemaProbe{Collections: collections}, true
	case "query", "find", "count", "aggregate":
		queryType := stringField(obj, "type")
		if queryType == "" && tag != "query" {
			queryType = tag
		}
		op := dataOperation(domain.ActionQuery, obj)
		op.QueryType = parseQueryType(queryType)
		return op, true
	case "insert":
		return dataOperation(domain.ActionInsert, obj), true
	case "update":
		return dataOperation(domain.ActionUpdate, obj), true
	case "delete":
		return dataOperation(domain.ActionDelete, obj), true
	case "ui", "dom_action":
		return uiFromObject(obj, "")
	case "click", "type":
		return uiFromObject(obj, domain.UIKind(tag))
	default:
		return domain.UnknownAction{Name: tag}, true
	}
}

func dataOperation(op domain.ActionKind, obj map[string]any) domain.DataOperation {
	return domain.DataOperation{
		Op:         op,
		Collection: strings.TrimSpace(stringField(obj, "collection")),
		Filter:     mapField(obj, "filter"),
		Pipeline:   sliceField(obj, "pipeline"),
		Projection: mapField(obj, "projection"),
		Document:   mapField(obj, "document"),
		Update:     mapField(obj, "update"),
	}
}

func parseQueryType(raw string) domain.QueryType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "find":
		return domain.QueryFind
	case "count":
		return domain.QueryCount
	case "aggregate", "agg":
		return domain.QueryAggregate
	default:
		return domain.QueryType(strings.ToLower(strings.TrimSpace(raw)))
	}
}

func uiFromObject(obj map[string]any, kind domain.UIKind) (domain.Action, bool) {
	target := strings.TrimSpace(stringField(obj, "target"))
	if target == "" {
		target = strings.TrimSpace(stringField(obj, "selector"))
	}
	if target == "" {
		return nil, false
	}
	if kind == "" {
		raw := stringField(obj, "type")
		if raw == "" {
			raw = stringField(obj, "kind")
		}
		kind = domain.UIKind(strings.ToLower(strings.TrimSpace(raw)))
	}
	if kind == "" {
		kind = domain.UIClick
	}
	return domain.UIDispatch{
		Target:      target,
		Interaction: kind,
		Value:       stringField(obj, "value"),
	}, true
}

func decodeJSON(raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, false
	}
	return normalizeNumbers(value), true
}

// normalizeNumbers turns json.Number into int64 where exact, float64
// otherwise, so integers survive into the data store as integers.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	default:
		return value
	}
}

func stringField(obj map[string]any, key string) string {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}

func mapField(obj map[string]any, key string) map[string]any {
	v, _ := obj[key].(map[string]any)
	return v
}

func sliceField(obj map[string]any, key string) []any {
	switch v := obj[key].(type) {
	case []any:
		return v
	case map[string]any:
		return []any{v}
	default:
		return nil
	}
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ActionFromArguments builds a descriptor from decoded tool-call arguments
// under the given tag. Numbers go through the same normalization as model
// output.
func ActionFromArguments(tag string, arguments map[string]any) (domain.Action, error) {
	obj := make(map[string]any, len(arguments)+1)
	for key, value := range arguments {
		obj[key] = value
	}
	obj[actionKey] = tag

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode tool arguments", err)
	}
	value, ok := decodeJSON(string(raw))
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode tool arguments", fmt.Errorf("arguments for %q are not an object", tag))
	}
	decoded, ok := value.(map[string]any)
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode tool arguments", fmt.Errorf("arguments for %q are not an object", tag))
	}
	action, ok := actionFromObject(decoded, false)
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode tool arguments", fmt.Errorf("arguments do not describe a %q action", tag))
	}
	return action, nil
}
