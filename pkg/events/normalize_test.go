package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func studentImage(id interface{}, name, address, email interface{}) *RowImage {
	return NewRowImage(
		[]string{"id", "name", "address", "email"},
		[]interface{}{id, name, address, email},
	)
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		code    string
		want    OperationKind
		wantErr bool
	}{
		{"c", OperationCreate, false},
		{"r", OperationRead, false},
		{"u", OperationUpdate, false},
		{"d", OperationDelete, false},
		{"t", OperationUnknown, true},
		{"m", OperationUnknown, true},
		{"", OperationUnknown, true},
		{"C", OperationUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, err := ParseOperation(tt.code)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownOperation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.code, got.Code())
		})
	}
}

func TestNormalize_ReadIsSkipped(t *testing.T) {
	rec, err := Normalize(&RawChangeNotification{
		Op:    OpCodeRead,
		After: studentImage(1, "A", nil, nil),
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestNormalize_UpdateUsesAfterImage(t *testing.T) {
	n := &RawChangeNotification{
		Op:     OpCodeUpdate,
		Source: SourceInfo{Schema: "public", Table: "student"},
		Before: studentImage(1, "Old", "Street 1", "old@x.com"),
		After:  studentImage(1, "Sohan", nil, "s@x.com"),
	}

	rec, err := Normalize(n)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, OperationUpdate, rec.Kind)
	assert.Equal(t, "public.student", rec.Table)
	assert.Equal(t, map[string]interface{}{"id": 1, "name": "Sohan", "email": "s@x.com"}, rec.Fields)
	assert.Equal(t, []string{"id", "name", "email"}, rec.FieldNames)
}

func TestNormalize_CreateUsesAfterImage(t *testing.T) {
	rec, err := Normalize(&RawChangeNotification{
		Op:    OpCodeCreate,
		After: studentImage(7, "A", nil, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, OperationCreate, rec.Kind)
	assert.Equal(t, map[string]interface{}{"id": 7, "name": "A"}, rec.Fields)
	assert.NotContains(t, rec.Fields, "address")
}

func TestNormalize_DeleteUsesBeforeImage(t *testing.T) {
	rec, err := Normalize(&RawChangeNotification{
		Op:     OpCodeDelete,
		Before: NewRowImage([]string{"id", "name"}, []interface{}{2, "A"}),
	})
	require.NoError(t, err)
	assert.Equal(t, OperationDelete, rec.Kind)
	assert.Equal(t, map[string]interface{}{"id": 2, "name": "A"}, rec.Fields)

	key, ok := rec.Key("id")
	assert.True(t, ok)
	assert.Equal(t, 2, key)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		n       *RawChangeNotification
		wantErr error
		wantKey string
	}{
		{
			name:    "unknown op code",
			n:       &RawChangeNotification{Op: "t", After: studentImage(3, "A", nil, nil)},
			wantErr: ErrUnknownOperation,
			wantKey: "3",
		},
		{
			name:    "delete without before image",
			n:       &RawChangeNotification{Op: OpCodeDelete, After: studentImage(4, "A", nil, nil)},
			wantErr: ErrMissingImage,
			wantKey: "4",
		},
		{
			name:    "create without after image",
			n:       &RawChangeNotification{Op: OpCodeCreate},
			wantErr: ErrMissingImage,
		},
		{
			name:    "update without after image",
			n:       &RawChangeNotification{Op: OpCodeUpdate, Before: studentImage(5, "A", nil, nil)},
			wantErr: ErrMissingImage,
			wantKey: "5",
		},
		{
			name:    "primary key null",
			n:       &RawChangeNotification{Op: OpCodeCreate, After: studentImage(nil, "A", nil, nil)},
			wantErr: ErrMissingPrimaryKey,
		},
		{
			name:    "nil notification",
			n:       nil,
			wantErr: ErrMissingImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Normalize(tt.n)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.True(t, IsMalformed(err))

			var me *MalformedEventError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.wantKey, me.Key)
		})
	}
}

func TestNormalize_CustomPrimaryKey(t *testing.T) {
	nz := NewNormalizer("student_id")
	rec, err := nz.Normalize(&RawChangeNotification{
		Op:    OpCodeCreate,
		After: NewRowImage([]string{"student_id", "name"}, []interface{}{int64(10), "B"}),
	})
	require.NoError(t, err)
	key, ok := rec.Key("student_id")
	assert.True(t, ok)
	assert.Equal(t, int64(10), key)

	_, err = nz.Normalize(&RawChangeNotification{
		Op:    OpCodeCreate,
		After: studentImage(1, "B", nil, nil),
	})
	assert.True(t, errors.Is(err, ErrMissingPrimaryKey))
}

func TestNormalize_DeterministicOrder(t *testing.T) {
	n := &RawChangeNotification{
		Op:    OpCodeCreate,
		After: NewRowImage([]string{"z", "id", "a", "m"}, []interface{}{1, 2, nil, 4}),
	}
	for i := 0; i < 20; i++ {
		rec, err := Normalize(n)
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "id", "m"}, rec.FieldNames)
	}
}

func TestOperationKind_String(t *testing.T) {
	assert.Equal(t, "create", OperationCreate.String())
	assert.Equal(t, "delete", OperationDelete.String())
	assert.Equal(t, "unknown", OperationKind(42).String())
	assert.Equal(t, "", OperationUnknown.Code())
}
