package streams

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/readmodel/pkg/config"
	"github.com/cohenjo/readmodel/pkg/events"
)

func studentRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   16384,
		Namespace:    "public",
		RelationName: "student",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: pgtype.Int4OID},
			{Name: "name", DataType: pgtype.TextOID},
			{Name: "email", DataType: pgtype.TextOID},
			{Name: "bio", DataType: pgtype.TextOID},
		},
	}
}

func TestDecodeTuple(t *testing.T) {
	m := pgtype.NewMap()
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("Sohan")},
		{DataType: pglogrepl.TupleDataTypeNull},
		{DataType: pglogrepl.TupleDataTypeToast},
	}}

	img, err := decodeTuple(m, studentRelation(), tuple)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "email"}, img.Names(), "unchanged TOAST column is left out")
	id, _ := img.Get("id")
	assert.Equal(t, int32(1), id)
	name, _ := img.Get("name")
	assert.Equal(t, "Sohan", name)
	email, ok := img.Get("email")
	assert.True(t, ok)
	assert.Nil(t, email)
	assert.Equal(t, "int4", img.Fields[0].Type)
}

func TestDecodeTupleNil(t *testing.T) {
	img, err := decodeTuple(pgtype.NewMap(), studentRelation(), nil)
	require.NoError(t, err)
	assert.Nil(t, img)
}

func TestDecodeTupleTooWide(t *testing.T) {
	rel := &pglogrepl.RelationMessage{Namespace: "public", RelationName: "student"}
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")}}}

	_, err := decodeTuple(pgtype.NewMap(), rel, tuple)
	assert.Error(t, err)
}

func TestDecodeTupleUnknownOID(t *testing.T) {
	rel := &pglogrepl.RelationMessage{Columns: []*pglogrepl.RelationMessageColumn{{Name: "mood", DataType: 999999}}}
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{{DataType: pglogrepl.TupleDataTypeText, Data: []byte("happy")}}}

	img, err := decodeTuple(pgtype.NewMap(), rel, tuple)
	require.NoError(t, err)
	v, _ := img.Get("mood")
	assert.Equal(t, "happy", v)
	assert.Equal(t, "999999", img.Fields[0].Type)
}

func TestDocumentValueUUID(t *testing.T) {
	u := [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}
	v, err := documentValue(u)
	require.NoError(t, err)
	assert.Equal(t, "12345678-9abc-def0-1234-56789abcdef0", v)
	v, err = documentValue("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestDecodeTupleNumeric(t *testing.T) {
	rel := &pglogrepl.RelationMessage{
		Namespace:    "public",
		RelationName: "invoice",
		Columns:      []*pglogrepl.RelationMessageColumn{{Name: "amount", DataType: pgtype.NumericOID}},
	}

	tests := []struct {
		name string
		text string
		want interface{}
		json string
	}{
		{"keeps every digit", "12345678901234567.89", json.Number("12345678901234567.89"), `{"amount":12345678901234567.89}`},
		{"negative scale", "-0.000000000000000001", json.Number("-0.000000000000000001"), `{"amount":-0.000000000000000001}`},
		{"nan", "NaN", "NaN", `{"amount":"NaN"}`},
		{"infinity", "Infinity", "Infinity", `{"amount":"Infinity"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
				{DataType: pglogrepl.TupleDataTypeText, Data: []byte(tt.text)},
			}}
			img, err := decodeTuple(pgtype.NewMap(), rel, tuple)
			require.NoError(t, err)

			v, ok := img.Get("amount")
			require.True(t, ok)
			assert.Equal(t, tt.want, v)

			out, err := json.Marshal(map[string]interface{}{"amount": v})
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(out))
		})
	}
}

func studentTableMap() *replication.TableMapEvent {
	return &replication.TableMapEvent{
		Schema:     []byte("school"),
		Table:      []byte("student"),
		ColumnName: [][]byte{[]byte("id"), []byte("name"), []byte("email")},
	}
}

func TestRowsToNotifications(t *testing.T) {
	info := events.SourceInfo{Connector: config.SourceMySQL, Schema: "school", Table: "student"}

	t.Run("write", func(t *testing.T) {
		ev := &replication.RowsEvent{Table: studentTableMap(), Rows: [][]interface{}{
			{int32(1), []byte("Sohan"), nil},
			{int32(2), "Ravi", "ravi@example.com"},
		}}
		out := rowsToNotifications(replication.WRITE_ROWS_EVENTv2, ev, info)
		require.Len(t, out, 2)
		assert.Equal(t, events.OpCodeCreate, out[0].Op)
		assert.Nil(t, out[0].Before)
		assert.Equal(t, []string{"id", "name", "email"}, out[0].After.Names())
		name, _ := out[0].After.Get("name")
		assert.Equal(t, "Sohan", name, "byte values become strings")
	})

	t.Run("update pairs", func(t *testing.T) {
		ev := &replication.RowsEvent{Table: studentTableMap(), Rows: [][]interface{}{
			{int32(1), "Sohan", nil},
			{int32(1), "Sohan", "sohan@example.com"},
		}}
		out := rowsToNotifications(replication.UPDATE_ROWS_EVENTv1, ev, info)
		require.Len(t, out, 1)
		assert.Equal(t, events.OpCodeUpdate, out[0].Op)
		before, _ := out[0].Before.Get("email")
		after, _ := out[0].After.Get("email")
		assert.Nil(t, before)
		assert.Equal(t, "sohan@example.com", after)
	})

	t.Run("delete", func(t *testing.T) {
		ev := &replication.RowsEvent{Table: studentTableMap(), Rows: [][]interface{}{{int32(3), "Gone", nil}}}
		out := rowsToNotifications(replication.DELETE_ROWS_EVENTv0, ev, info)
		require.Len(t, out, 1)
		assert.Equal(t, events.OpCodeDelete, out[0].Op)
		assert.Nil(t, out[0].After)
		id, _ := out[0].Before.Get("id")
		assert.Equal(t, int32(3), id)
	})

	t.Run("no column metadata", func(t *testing.T) {
		tm := &replication.TableMapEvent{Schema: []byte("school"), Table: []byte("student")}
		ev := &replication.RowsEvent{Table: tm, Rows: [][]interface{}{{int32(1), "x"}}}
		out := rowsToNotifications(replication.WRITE_ROWS_EVENTv2, ev, info)
		require.Len(t, out, 1)
		assert.Equal(t, []string{"col_0", "col_1"}, out[0].After.Names())
	})
}

const debeziumWithSchema = `{
  "schema": {
    "type": "struct",
    "fields": [
      {"type": "struct", "field": "before", "fields": [
        {"type": "int32", "field": "id"}, {"type": "string", "field": "name"}, {"type": "string", "field": "email"}]},
      {"type": "struct", "field": "after", "fields": [
        {"type": "int32", "field": "id"}, {"type": "string", "field": "name"}, {"type": "string", "field": "email"}]},
      {"type": "struct", "field": "source", "fields": []},
      {"type": "string", "field": "op"}
    ]
  },
  "payload": {
    "before": {"id": 1, "name": "Sohan", "email": null},
    "after": {"email": "sohan@example.com", "name": "Sohan", "id": 1},
    "source": {"connector": "postgresql", "db": "school", "schema": "public", "table": "student", "ts_ms": 1700000000000, "snapshot": "false"},
    "op": "u",
    "ts_ms": 1700000000100
  }
}`

func TestDecodeDebeziumMessage(t *testing.T) {
	t.Run("with schema", func(t *testing.T) {
		n, err := decodeDebeziumMessage([]byte(debeziumWithSchema))
		require.NoError(t, err)
		require.NotNil(t, n)

		assert.Equal(t, "u", n.Op)
		assert.Equal(t, "public.student", n.Source.QualifiedTable())
		assert.False(t, n.Source.Snapshot)
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), n.Source.CommitTime)
		assert.Equal(t, []string{"id", "name", "email"}, n.After.Names(), "schema order wins over document order")
		id, _ := n.After.Get("id")
		assert.Equal(t, int64(1), id)
		email, ok := n.Before.Get("email")
		assert.True(t, ok)
		assert.Nil(t, email)
	})

	t.Run("schemaless create", func(t *testing.T) {
		msg := `{"before": null, "after": {"name": "Ravi", "id": 2, "gpa": 3.5}, "source": {"table": "student", "snapshot": true}, "op": "c"}`
		n, err := decodeDebeziumMessage([]byte(msg))
		require.NoError(t, err)

		assert.Equal(t, "c", n.Op)
		assert.Nil(t, n.Before)
		assert.Equal(t, []string{"gpa", "id", "name"}, n.After.Names())
		gpa, _ := n.After.Get("gpa")
		assert.Equal(t, 3.5, gpa)
		assert.True(t, n.Source.Snapshot)
	})

	t.Run("tombstone", func(t *testing.T) {
		n, err := decodeDebeziumMessage(nil)
		assert.NoError(t, err)
		assert.Nil(t, n)

		n, err = decodeDebeziumMessage([]byte(`{"schema": null, "payload": null}`))
		assert.NoError(t, err)
		assert.Nil(t, n)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decodeDebeziumMessage([]byte(`{not json`))
		assert.Error(t, err)
	})

	t.Run("unknown op is passed through", func(t *testing.T) {
		n, err := decodeDebeziumMessage([]byte(`{"op": "t", "source": {"table": "student"}}`))
		require.NoError(t, err)
		assert.Equal(t, "t", n.Op)
	})
}

func TestKafkaSourceTableFilter(t *testing.T) {
	s := newKafkaDebeziumSource(config.SourceConfig{Type: config.SourceKafka, Table: "public.student"}, nil)

	assert.True(t, s.wants(events.SourceInfo{Schema: "public", Table: "student"}))
	assert.True(t, s.wants(events.SourceInfo{Table: "student"}))
	assert.True(t, s.wants(events.SourceInfo{}))
	assert.False(t, s.wants(events.SourceInfo{Schema: "public", Table: "course"}))
	assert.False(t, s.wants(events.SourceInfo{Schema: "archive", Table: "student"}))
}

func TestStopSignal(t *testing.T) {
	s := newStopSignal()
	ctx, cancel := s.runContext(context.Background())
	defer cancel()

	assert.False(t, s.requested())
	s.request()
	s.request()
	assert.True(t, s.requested())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context was not cancelled by stop request")
	}
}

func TestNewEventSourceUnsupported(t *testing.T) {
	_, err := NewEventSource(config.SourceConfig{Type: "oracle"}, nil, "x")
	assert.Error(t, err)
}

func TestSourcesCloseBeforeRun(t *testing.T) {
	cfg := config.SourceConfig{Type: config.SourcePostgreSQL, Table: "public.student"}

	pg := NewPostgreSQLSource(cfg, nil, "student")
	require.NoError(t, pg.Close())
	require.NoError(t, pg.Close())
	assert.ErrorIs(t, pg.Run(context.Background(), func(context.Context, *events.RawChangeNotification) {}), ErrSourceClosed)

	my := NewMySQLSource(config.SourceConfig{Type: config.SourceMySQL, Table: "school.student"}, nil, "student")
	require.NoError(t, my.Close())
	assert.ErrorIs(t, my.Run(context.Background(), func(context.Context, *events.RawChangeNotification) {}), ErrSourceClosed)
}

// walMessage frames a pgoutput message the way it arrives inside XLogData.
func walMessage(kind byte, fields ...interface{}) pglogrepl.XLogData {
	buf := []byte{kind}
	for _, f := range fields {
		switch v := f.(type) {
		case uint8:
			buf = append(buf, v)
		case uint32:
			buf = binary.BigEndian.AppendUint32(buf, v)
		case uint64:
			buf = binary.BigEndian.AppendUint64(buf, v)
		}
	}
	return pglogrepl.XLogData{WALData: buf}
}

func TestKeepaliveAdvancesAcknowledgedLSN(t *testing.T) {
	pg := NewPostgreSQLSource(config.SourceConfig{Type: config.SourcePostgreSQL, Table: "public.student"}, nil, "student")
	noop := func(context.Context, *events.RawChangeNotification) {}
	ctx := context.Background()

	assert.False(t, pg.handleKeepalive(pglogrepl.PrimaryKeepaliveMessage{ServerWALEnd: 0x1000}))
	assert.Equal(t, pglogrepl.LSN(0x1000), pg.processed)

	// A keepalive never moves the position backwards.
	assert.True(t, pg.handleKeepalive(pglogrepl.PrimaryKeepaliveMessage{ServerWALEnd: 0x800, ReplyRequested: true}))
	assert.Equal(t, pglogrepl.LSN(0x1000), pg.processed)

	// begin: final lsn, commit time, xid
	require.NoError(t, pg.handleWAL(ctx, walMessage('B', uint64(0x2000), uint64(0), uint32(742)), noop))
	pg.handleKeepalive(pglogrepl.PrimaryKeepaliveMessage{ServerWALEnd: 0x1800})
	assert.Equal(t, pglogrepl.LSN(0x1000), pg.processed, "mid-transaction keepalive must not skip the open transaction")

	// commit: flags, commit lsn, end lsn, commit time
	require.NoError(t, pg.handleWAL(ctx, walMessage('C', uint8(0), uint64(0x1f00), uint64(0x2000), uint64(0)), noop))
	assert.Equal(t, pglogrepl.LSN(0x2000), pg.processed)

	pg.handleKeepalive(pglogrepl.PrimaryKeepaliveMessage{ServerWALEnd: 0x9000})
	assert.Equal(t, pglogrepl.LSN(0x9000), pg.processed)
}
