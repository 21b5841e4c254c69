package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ActionKind string

const (
	ActionSchemaProbe ActionKind = "get_schema"
	ActionQuery       ActionKind = "query"
	ActionInsert      ActionKind = "insert"
	ActionUpdate      ActionKind = "update"
	ActionDelete      ActionKind = "delete"
	ActionUI          ActionKind = "ui"
	ActionUnknown     ActionKind = "unknown"
)

type QueryType string

const (
	QueryFind      QueryType = "find"
	QueryCount     QueryType = "count"
	QueryAggregate QueryType = "aggregate"
)

type UIKind string

const (
	UIClick UIKind = "click"
	UIType  UIKind = "type"
)

// Action is one descriptor parsed from a model round. The set of
// implementations is closed: SchemaProbe, DataOperation, UIDispatch and
// UnknownAction.
type Action interface {
	Kind() ActionKind
}

type SchemaProbe struct {
	Collections []string
}

func (SchemaProbe) Kind() ActionKind { return ActionSchemaProbe }

// DataOperation carries the query language payloads as opaque values; only
// the operation, collection and filter presence are inspected before dispatch.
type DataOperation struct {
	Op         ActionKind
	Collection string
	QueryType  QueryType
	Filter     map[string]any
	Pipeline   []any
	Projection map[string]any
	Document   map[string]any
	Update     map[string]any
}

func (d DataOperation) Kind() ActionKind { return d.Op }

func (d DataOperation) IsMutation() bool {
	switch d.Op {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

func (d DataOperation) HasFilter() bool {
	return len(d.Filter) > 0
}

type UIDispatch struct {
	Target      string
	Interaction UIKind
	Value       string
}

func (UIDispatch) Kind() ActionKind { return ActionUI }

func (u UIDispatch) Envelope() UIEnvelope {
	return UIEnvelope{
		Target: u.Target,
		Kind:   u.Interaction,
		Value:  u.Value,
	}
}

// UnknownAction keeps an unrecognised tag so the model can be told about it.
type UnknownAction struct {
	Name string
}

func (UnknownAction) Kind() ActionKind { return ActionUnknown }

// UIEnvelope is the out-of-band signal a front end executes.
type UIEnvelope struct {
	Target string `json:"target"`
	Kind   UIKind `json:"kind"`
	Value  string `json:"value,omitempty"`
}

type ToolError struct {
	Message string
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

type ToolResult struct {
	Action     ActionKind
	Collection string
	Payload    any
	Err        *ToolError
	UI         *UIEnvelope
}

func (r ToolResult) OK() bool {
	return r.Err == nil
}

// Summary renders the result as text suitable for a conversation turn.
func (r ToolResult) Summary() string {
	if r.Err != nil {
		return "Error: " + r.Err.Message
	}
	switch payload := r.Payload.(type) {
	case nil:
		return "null"
	case string:
		return payload
	}
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Sprint(r.Payload)
	}
	return string(raw)
}

// Label names the result in the "System Execution Results" turn.
func (r ToolResult) Label() string {
	label := string(r.Action)
	if r.Collection != "" {
		label += " " + r.Collection
	}
	return strings.TrimSpace(label)
}
