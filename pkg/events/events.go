package events

import (
	"fmt"
	"time"
)

// OperationKind classifies a row-level change.
type OperationKind int

const (
	OperationUnknown OperationKind = iota
	OperationCreate
	OperationRead
	OperationUpdate
	OperationDelete
)

// Debezium-style operation codes carried on the wire.
const (
	OpCodeCreate = "c"
	OpCodeRead   = "r"
	OpCodeUpdate = "u"
	OpCodeDelete = "d"
)

func (k OperationKind) String() string {
	switch k {
	case OperationCreate:
		return "create"
	case OperationRead:
		return "read"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Code returns the single-letter operation code for the kind.
func (k OperationKind) Code() string {
	switch k {
	case OperationCreate:
		return OpCodeCreate
	case OperationRead:
		return OpCodeRead
	case OperationUpdate:
		return OpCodeUpdate
	case OperationDelete:
		return OpCodeDelete
	default:
		return ""
	}
}

// ParseOperation maps an operation code to its kind.
func ParseOperation(code string) (OperationKind, error) {
	switch code {
	case OpCodeCreate:
		return OperationCreate, nil
	case OpCodeRead:
		return OperationRead, nil
	case OpCodeUpdate:
		return OperationUpdate, nil
	case OpCodeDelete:
		return OperationDelete, nil
	default:
		return OperationUnknown, fmt.Errorf("%w: %q", ErrUnknownOperation, code)
	}
}

// Field is a single named column value. A nil Value is SQL NULL.
type Field struct {
	Name  string      `json:"name"`
	Type  string      `json:"type,omitempty"`
	Value interface{} `json:"value"`
}

// RowImage is the state of a row at one point in time, with fields kept
// in the order the source schema declares them.
type RowImage struct {
	Fields []Field `json:"fields"`
}

// NewRowImage builds an image from parallel name/value slices.
func NewRowImage(names []string, values []interface{}) *RowImage {
	img := &RowImage{Fields: make([]Field, 0, len(names))}
	for i, name := range names {
		var v interface{}
		if i < len(values) {
			v = values[i]
		}
		img.Fields = append(img.Fields, Field{Name: name, Value: v})
	}
	return img
}

// Get returns the value of the named field.
func (r *RowImage) Get(name string) (interface{}, bool) {
	if r == nil {
		return nil, false
	}
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Names lists the declared field names.
func (r *RowImage) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// SourceInfo describes where a notification came from.
type SourceInfo struct {
	Connector  string    `json:"connector"`
	Database   string    `json:"db,omitempty"`
	Schema     string    `json:"schema,omitempty"`
	Table      string    `json:"table,omitempty"`
	Position   string    `json:"position,omitempty"`
	CommitTime time.Time `json:"commit_time,omitempty"`
	Snapshot   bool      `json:"snapshot,omitempty"`
}

// QualifiedTable returns schema.table, or just the table when no schema is known.
func (s SourceInfo) QualifiedTable() string {
	if s.Schema == "" {
		return s.Table
	}
	return s.Schema + "." + s.Table
}

/*
RawChangeNotification is one change as produced by an event source.
Op is the operation code (c, r, u, d). Before and After are present
depending on the operation: inserts carry only After, deletes only Before.
*/
type RawChangeNotification struct {
	Op     string     `json:"op"`
	Source SourceInfo `json:"source"`
	Before *RowImage  `json:"before,omitempty"`
	After  *RowImage  `json:"after,omitempty"`
}

// ChangeRecord is the flattened, null-free view of a change ready to be applied.
type ChangeRecord struct {
	Kind   OperationKind
	Table  string
	Fields map[string]interface{}
	// FieldNames holds the keys of Fields in schema order.
	FieldNames []string
}

// Key returns the value of the primary key field.
func (c *ChangeRecord) Key(primaryKey string) (interface{}, bool) {
	v, ok := c.Fields[primaryKey]
	return v, ok
}
