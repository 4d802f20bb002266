package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/readmodel/pkg/config"
	"github.com/cohenjo/readmodel/pkg/events"
	"github.com/cohenjo/readmodel/pkg/position"
)

const (
	defaultStatusInterval = 10 * time.Second
	defaultFlushInterval  = 60 * time.Second

	// duplicate_object, returned when the slot already exists
	pgDuplicateObject = "42710"
)

// PostgreSQLSource streams row changes of one table over pgoutput logical replication.
type PostgreSQLSource struct {
	cfg      config.SourceConfig
	tracker  position.Tracker
	streamID string
	schema   string
	table    string
	stop     *stopSignal
	typeMap  *pgtype.Map

	relations map[uint32]*pglogrepl.RelationMessage
	commitAt  time.Time
	inTx      bool

	mu        sync.Mutex
	processed pglogrepl.LSN // end of the last transaction fully handed to the handler
	saved     pglogrepl.LSN
	closed    bool
}

// NewPostgreSQLSource creates the source. Nothing is contacted until Run.
func NewPostgreSQLSource(cfg config.SourceConfig, tracker position.Tracker, streamID string) *PostgreSQLSource {
	schema, table := cfg.SchemaAndTable()
	if schema == "" {
		schema = "public"
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &PostgreSQLSource{
		cfg:       cfg,
		tracker:   tracker,
		streamID:  streamID,
		schema:    schema,
		table:     table,
		stop:      newStopSignal(),
		typeMap:   pgtype.NewMap(),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}
}

func (s *PostgreSQLSource) Name() string { return config.SourcePostgreSQL }

func (s *PostgreSQLSource) RequestStop() { s.stop.request() }

// Run connects, resumes from the stored LSN and streams until stopped.
func (s *PostgreSQLSource) Run(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSourceClosed
	}

	runCtx, cancel := s.stop.runContext(ctx)
	defer cancel()

	if err := s.ensurePublication(runCtx); err != nil {
		return s.exit(ctx, err)
	}

	conn, err := pgconn.Connect(runCtx, s.connString(true))
	if err != nil {
		return s.exit(ctx, fmt.Errorf("failed to connect for replication: %w", err))
	}
	defer conn.Close(context.Background())

	if err := s.ensureSlot(runCtx, conn); err != nil {
		return s.exit(ctx, err)
	}

	start := s.startLSN(runCtx)
	err = pglogrepl.StartReplication(runCtx, conn, s.cfg.SlotName, start, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
		},
	})
	if err != nil {
		return s.exit(ctx, fmt.Errorf("failed to start replication: %w", err))
	}

	s.mu.Lock()
	if start > s.processed {
		s.processed = start
	}
	s.mu.Unlock()

	log.Info().Str("source", s.Name()).Str("slot", s.cfg.SlotName).Str("table", s.cfg.Table).Str("lsn", start.String()).Msg("Logical replication started")

	err = s.stream(runCtx, conn, handler)

	// Acknowledge whatever was applied before leaving.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if ackErr := s.sendStatus(ackCtx, conn); ackErr != nil {
		log.Warn().Err(ackErr).Str("source", s.Name()).Msg("Final standby status update failed")
	}
	ackCancel()

	return s.exit(ctx, err)
}

// exit maps the run result: nil after a stop request, the error otherwise.
func (s *PostgreSQLSource) exit(ctx context.Context, err error) error {
	if s.stop.requested() {
		return nil
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *PostgreSQLSource) stream(ctx context.Context, conn *pgconn.PgConn, handler Handler) error {
	nextStatus := time.Now().Add(s.cfg.StatusInterval)
	nextFlush := time.Now().Add(s.cfg.FlushInterval)

	for {
		if time.Now().After(nextStatus) {
			if err := s.sendStatus(ctx, conn); err != nil {
				return err
			}
			nextStatus = time.Now().Add(s.cfg.StatusInterval)
		}
		if time.Now().After(nextFlush) {
			s.checkpoint(ctx)
			nextFlush = time.Now().Add(s.cfg.FlushInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatus)
		raw, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("failed to receive replication message: %w", err)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication error: %s (%s)", msg.Message, msg.Code)
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("failed to parse keepalive: %w", err)
				}
				if s.handleKeepalive(ka) {
					nextStatus = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("failed to parse xlog data: %w", err)
				}
				if err := s.handleWAL(ctx, xld, handler); err != nil {
					return err
				}
			}
		default:
			log.Debug().Str("source", s.Name()).Msgf("Ignoring backend message %T", raw)
		}
	}
}

// handleKeepalive reports whether the server asked for an immediate reply.
// Between transactions everything up to the server's WAL end has been sent,
// so the acknowledged position follows it and the slot can release WAL
// written by tables outside the publication.
func (s *PostgreSQLSource) handleKeepalive(ka pglogrepl.PrimaryKeepaliveMessage) bool {
	if !s.inTx {
		s.mu.Lock()
		if ka.ServerWALEnd > s.processed {
			s.processed = ka.ServerWALEnd
		}
		s.mu.Unlock()
	}
	return ka.ReplyRequested
}

func (s *PostgreSQLSource) handleWAL(ctx context.Context, xld pglogrepl.XLogData, handler Handler) error {
	logical, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("failed to parse logical message: %w", err)
	}

	switch msg := logical.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[msg.RelationID] = msg
	case *pglogrepl.BeginMessage:
		s.commitAt = msg.CommitTime
		s.inTx = true
	case *pglogrepl.CommitMessage:
		s.inTx = false
		s.mu.Lock()
		s.processed = msg.TransactionEndLSN
		s.mu.Unlock()
	case *pglogrepl.InsertMessage:
		return s.emit(ctx, handler, events.OpCodeCreate, msg.RelationID, nil, msg.Tuple, xld.WALStart)
	case *pglogrepl.UpdateMessage:
		return s.emit(ctx, handler, events.OpCodeUpdate, msg.RelationID, msg.OldTuple, msg.NewTuple, xld.WALStart)
	case *pglogrepl.DeleteMessage:
		return s.emit(ctx, handler, events.OpCodeDelete, msg.RelationID, msg.OldTuple, nil, xld.WALStart)
	case *pglogrepl.TruncateMessage:
		log.Warn().Str("source", s.Name()).Str("table", s.cfg.Table).Msg("TRUNCATE is not propagated to the read model")
	}
	return nil
}

func (s *PostgreSQLSource) emit(ctx context.Context, handler Handler, op string, relationID uint32, before, after *pglogrepl.TupleData, lsn pglogrepl.LSN) error {
	rel, ok := s.relations[relationID]
	if !ok {
		return fmt.Errorf("no relation message seen for relation %d", relationID)
	}
	if rel.Namespace != s.schema || rel.RelationName != s.table {
		return nil
	}

	n := &events.RawChangeNotification{
		Op: op,
		Source: events.SourceInfo{
			Connector:  s.Name(),
			Database:   s.cfg.Database,
			Schema:     rel.Namespace,
			Table:      rel.RelationName,
			Position:   lsn.String(),
			CommitTime: s.commitAt,
		},
	}

	var err error
	if n.Before, err = decodeTuple(s.typeMap, rel, before); err != nil {
		return err
	}
	if n.After, err = decodeTuple(s.typeMap, rel, after); err != nil {
		return err
	}

	handler(ctx, n)
	return nil
}

/*
decodeTuple converts a pgoutput tuple into a row image using the relation's
column names and type OIDs. NULL columns are kept with a nil value. Unchanged
TOASTed columns carry no data and are left out of the image.
*/
func decodeTuple(m *pgtype.Map, rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (*events.RowImage, error) {
	if tuple == nil {
		return nil, nil
	}
	if len(tuple.Columns) > len(rel.Columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation %s.%s has %d",
			len(tuple.Columns), rel.Namespace, rel.RelationName, len(rel.Columns))
	}

	img := &events.RowImage{Fields: make([]events.Field, 0, len(tuple.Columns))}
	for i, col := range tuple.Columns {
		rc := rel.Columns[i]
		field := events.Field{Name: rc.Name, Type: typeName(m, rc.DataType)}

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
		case pglogrepl.TupleDataTypeToast:
			continue
		case pglogrepl.TupleDataTypeText:
			v, err := decodeColumn(m, rc.DataType, pgtype.TextFormatCode, col.Data)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", rc.Name, err)
			}
			field.Value = v
		case pglogrepl.TupleDataTypeBinary:
			v, err := decodeColumn(m, rc.DataType, pgtype.BinaryFormatCode, col.Data)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", rc.Name, err)
			}
			field.Value = v
		default:
			return nil, fmt.Errorf("column %s: unknown tuple data type %q", rc.Name, col.DataType)
		}
		img.Fields = append(img.Fields, field)
	}
	return img, nil
}

func decodeColumn(m *pgtype.Map, oid uint32, format int16, data []byte) (interface{}, error) {
	dt, ok := m.TypeForOID(oid)
	if !ok {
		return string(data), nil
	}
	v, err := dt.Codec.DecodeValue(m, oid, format, data)
	if err != nil {
		return nil, err
	}
	return documentValue(v)
}

// documentValue turns pgtype values that do not serialize cleanly into plain ones.
func documentValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16]), nil
	case pgtype.Numeric:
		return numericValue(val)
	default:
		return v, nil
	}
}

// numericValue keeps every digit of a numeric as a json.Number. NaN and
// the infinities have no JSON number form and stay strings.
func numericValue(n pgtype.Numeric) (interface{}, error) {
	if !n.Valid {
		return nil, nil
	}
	v, err := n.Value()
	if err != nil {
		return nil, fmt.Errorf("failed to format numeric: %w", err)
	}
	text, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected numeric text %T", v)
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return text, nil
	}
	return json.Number(text), nil
}

func typeName(m *pgtype.Map, oid uint32) string {
	if dt, ok := m.TypeForOID(oid); ok {
		return dt.Name
	}
	return strconv.FormatUint(uint64(oid), 10)
}

func (s *PostgreSQLSource) connString(replication bool) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.cfg.Username, s.cfg.Password),
		Host:   s.cfg.Addr(),
		Path:   "/" + s.cfg.Database,
	}
	q := url.Values{}
	if s.cfg.SSLMode != "" {
		q.Set("sslmode", s.cfg.SSLMode)
	}
	if replication {
		q.Set("replication", "database")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ensurePublication creates the publication for the configured table if missing.
func (s *PostgreSQLSource) ensurePublication(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.connString(false))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer conn.Close(context.Background())

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", s.cfg.Publication).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up publication: %w", err)
	}
	if exists {
		log.Info().Str("source", s.Name()).Str("publication", s.cfg.Publication).Msg("Publication already exists")
		return nil
	}

	query := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		pgx.Identifier{s.cfg.Publication}.Sanitize(),
		pgx.Identifier{s.schema, s.table}.Sanitize())
	if _, err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}
	log.Info().Str("source", s.Name()).Str("publication", s.cfg.Publication).Msg("Publication created")
	return nil
}

func (s *PostgreSQLSource) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.SlotName, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject {
			log.Info().Str("source", s.Name()).Str("slot", s.cfg.SlotName).Msg("Replication slot already exists")
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}
	log.Info().Str("source", s.Name()).Str("slot", s.cfg.SlotName).Msg("Replication slot created")
	return nil
}

// startLSN returns the checkpointed LSN, or 0 to let the slot decide.
func (s *PostgreSQLSource) startLSN(ctx context.Context) pglogrepl.LSN {
	if s.tracker == nil {
		return 0
	}
	var pos position.PostgreSQLPosition
	if _, err := position.LoadInto(ctx, s.tracker, s.streamID, &pos); err != nil {
		if !errors.Is(err, position.ErrPositionNotFound) {
			log.Warn().Err(err).Str("source", s.Name()).Msg("Ignoring unreadable checkpoint")
		}
		return 0
	}
	s.mu.Lock()
	s.saved = pos.PgLSN()
	s.mu.Unlock()
	return pos.PgLSN()
}

func (s *PostgreSQLSource) sendStatus(ctx context.Context, conn *pgconn.PgConn) error {
	s.mu.Lock()
	lsn := s.processed
	s.mu.Unlock()

	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
	if err != nil {
		return fmt.Errorf("failed to send standby status update: %w", err)
	}
	log.Debug().Str("source", s.Name()).Str("lsn", lsn.String()).Msg("Sent standby status update")
	return nil
}

// checkpoint saves the processed LSN when it moved since the last save.
func (s *PostgreSQLSource) checkpoint(ctx context.Context) {
	if s.tracker == nil {
		return
	}
	s.mu.Lock()
	lsn, saved := s.processed, s.saved
	s.mu.Unlock()
	if lsn == 0 || lsn <= saved {
		return
	}

	pos := position.NewPostgreSQLPosition(uint64(lsn))
	pos.SlotName = s.cfg.SlotName
	pos.Database = s.cfg.Database
	if err := s.tracker.Save(ctx, s.streamID, pos, map[string]interface{}{"table": s.cfg.Table}); err != nil {
		log.Error().Err(err).Str("source", s.Name()).Msg("Failed to save checkpoint")
		return
	}
	s.mu.Lock()
	s.saved = lsn
	s.mu.Unlock()
}

// Close persists the last processed LSN. The replication connection is
// closed by Run on its way out.
func (s *PostgreSQLSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop.request()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.checkpoint(ctx)
	return nil
}
