package events

import "fmt"

// DefaultPrimaryKey is the key field used when none is configured.
const DefaultPrimaryKey = "id"

// Normalizer turns raw notifications into change records. It holds no
// state between calls.
type Normalizer struct {
	PrimaryKey string
}

// NewNormalizer returns a normalizer keyed on primaryKey.
func NewNormalizer(primaryKey string) *Normalizer {
	if primaryKey == "" {
		primaryKey = DefaultPrimaryKey
	}
	return &Normalizer{PrimaryKey: primaryKey}
}

// Normalize classifies n and flattens its relevant row image.
// Snapshot reads return (nil, nil).
func (nz *Normalizer) Normalize(n *RawChangeNotification) (*ChangeRecord, error) {
	if n == nil {
		return nil, &MalformedEventError{Reason: "nil notification", Err: ErrMissingImage}
	}

	kind, err := ParseOperation(n.Op)
	if err != nil {
		return nil, nz.malformed(n, "", err)
	}

	var image *RowImage
	switch kind {
	case OperationRead:
		return nil, nil
	case OperationDelete:
		image = n.Before
	case OperationCreate, OperationUpdate:
		image = n.After
	default:
		return nil, nz.malformed(n, "unhandled operation kind "+kind.String(), ErrUnknownOperation)
	}

	if image == nil {
		side := "after"
		if kind == OperationDelete {
			side = "before"
		}
		return nil, nz.malformed(n, side+" image absent for "+kind.String(), ErrMissingImage)
	}

	record := &ChangeRecord{
		Kind:       kind,
		Table:      n.Source.QualifiedTable(),
		Fields:     make(map[string]interface{}, len(image.Fields)),
		FieldNames: make([]string, 0, len(image.Fields)),
	}
	for _, f := range image.Fields {
		if f.Value == nil {
			continue
		}
		if _, dup := record.Fields[f.Name]; !dup {
			record.FieldNames = append(record.FieldNames, f.Name)
		}
		record.Fields[f.Name] = f.Value
	}

	if _, ok := record.Key(nz.primaryKey()); !ok {
		return nil, nz.malformed(n, "no value for "+nz.primaryKey(), ErrMissingPrimaryKey)
	}

	return record, nil
}

// Normalize uses a normalizer keyed on DefaultPrimaryKey.
func Normalize(n *RawChangeNotification) (*ChangeRecord, error) {
	return NewNormalizer(DefaultPrimaryKey).Normalize(n)
}

func (nz *Normalizer) primaryKey() string {
	if nz.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return nz.PrimaryKey
}

// malformed builds the error with whatever key the notification still exposes.
func (nz *Normalizer) malformed(n *RawChangeNotification, reason string, err error) *MalformedEventError {
	me := &MalformedEventError{
		Op:     n.Op,
		Table:  n.Source.QualifiedTable(),
		Reason: reason,
		Err:    err,
	}
	for _, img := range []*RowImage{n.After, n.Before} {
		if v, ok := img.Get(nz.primaryKey()); ok && v != nil {
			me.Key = fmt.Sprint(v)
			break
		}
	}
	return me
}
