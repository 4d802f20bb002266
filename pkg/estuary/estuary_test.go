package estuary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatID(t *testing.T) {
	tests := []struct {
		name string
		id   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"string", "abc", "abc"},
		{"bytes", []byte("xyz"), "xyz"},
		{"int", 42, "42"},
		{"int32", int32(-7), "-7"},
		{"int64", int64(9007199254740993), "9007199254740993"},
		{"uint64", uint64(18), "18"},
		{"float64 whole", float64(3), "3"},
		{"float64 fraction", 2.5, "2.5"},
		{"json number", json.Number("1001"), "1001"},
		{"bool", true, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatID(tt.id))
		})
	}
}

func TestBuildUpsert(t *testing.T) {
	query, args := buildUpsert("school.student", map[string]interface{}{
		"name": "Sohan",
		"id":   1,
		"age":  21,
	})

	assert.Equal(t,
		"INSERT INTO `school`.`student` (`age`, `id`, `name`) VALUES (?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE `age` = VALUES(`age`), `id` = VALUES(`id`), `name` = VALUES(`name`)",
		query)
	assert.Equal(t, []interface{}{21, 1, "Sohan"}, args)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`plain`", quoteIdent("plain"))
	assert.Equal(t, "`we``ird`", quoteIdent("we`ird"))
	assert.Equal(t, "`a`.`b`", quoteTable("a.b"))
}

func TestMongoDocument(t *testing.T) {
	fields := map[string]interface{}{"id": 1, "name": "Sohan"}
	doc := mongoDocument(1, fields)

	assert.Equal(t, 1, doc["_id"])
	assert.Equal(t, "Sohan", doc["name"])
	_, touched := fields["_id"]
	assert.False(t, touched, "input map must not be modified")
}

func TestCosmosDocument(t *testing.T) {
	doc := cosmosDocument(int64(7), map[string]interface{}{"id": int64(7), "name": "Ravi"})

	assert.Equal(t, "7", doc["id"])
	assert.Equal(t, "Ravi", doc["name"])
}

func TestApplyError(t *testing.T) {
	cause := errors.New("connection refused")
	err := newApplyError("elasticsearch", OpUpsert, 1, ErrCodeUnavailable, "request failed", cause)

	assert.Contains(t, err.Error(), "UNAVAILABLE")
	assert.Contains(t, err.Error(), "id=1")
	assert.ErrorIs(t, err, cause)

	wrapped := errors.Join(errors.New("outer"), err)
	ae, ok := AsApplyError(wrapped)
	require.True(t, ok)
	assert.Equal(t, OpUpsert, ae.Operation)
	assert.Equal(t, "1", ae.ID)

	_, ok = AsApplyError(cause)
	assert.False(t, ok)
}

func TestStdoutSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStdoutSink(&buf)

	require.NoError(t, sink.Upsert(context.Background(), 1, map[string]interface{}{"name": "Sohan"}))
	require.NoError(t, sink.Delete(context.Background(), 2))
	require.NoError(t, sink.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "upsert", first["op"])
	assert.Equal(t, "1", first["id"])
	assert.Equal(t, "Sohan", first["name"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "delete", second["op"])
	assert.Equal(t, "2", second["id"])
}

type failingSink struct {
	StdoutSink
}

func (failingSink) Name() string { return "failing" }

func (failingSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	return errors.New("boom")
}

func TestInstrumentPassesThrough(t *testing.T) {
	s := Instrument(&failingSink{StdoutSink: *NewStdoutSink(&bytes.Buffer{})})

	assert.Equal(t, "failing", s.Name())
	assert.EqualError(t, s.Upsert(context.Background(), 1, nil), "boom")
	assert.NoError(t, s.Delete(context.Background(), 1))
}
