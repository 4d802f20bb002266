package streams

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/readmodel/pkg/config"
	"github.com/cohenjo/readmodel/pkg/events"
	"github.com/cohenjo/readmodel/pkg/position"
)

// MySQLSource streams row changes of one table from the binary log.
// The server must run with binlog_format=ROW; binlog_row_metadata=FULL
// provides column names.
type MySQLSource struct {
	cfg      config.SourceConfig
	tracker  position.Tracker
	streamID string
	schema   string
	table    string
	stop     *stopSignal

	mu        sync.Mutex
	file      string         // binlog file currently being read
	committed mysql.Position // end of the last transaction handed to the handler
	saved     mysql.Position
	closed    bool
}

// NewMySQLSource creates the source. Nothing is contacted until Run.
func NewMySQLSource(cfg config.SourceConfig, tracker position.Tracker, streamID string) *MySQLSource {
	schema, table := cfg.SchemaAndTable()
	if schema == "" {
		schema = cfg.Database
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	if cfg.Flavor == "" {
		cfg.Flavor = mysql.MySQLFlavor
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &MySQLSource{
		cfg:      cfg,
		tracker:  tracker,
		streamID: streamID,
		schema:   schema,
		table:    table,
		stop:     newStopSignal(),
	}
}

func (s *MySQLSource) Name() string { return config.SourceMySQL }

func (s *MySQLSource) RequestStop() { s.stop.request() }

// Run resumes from the stored binlog position, or the server's current one
// on first start, and streams until stopped.
func (s *MySQLSource) Run(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSourceClosed
	}

	runCtx, cancel := s.stop.runContext(ctx)
	defer cancel()

	start, err := s.startPosition(runCtx)
	if err != nil {
		return s.exit(ctx, err)
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: s.cfg.ServerID,
		Flavor:   s.cfg.Flavor,
		Host:     s.cfg.Host,
		Port:     uint16(s.cfg.Port),
		User:     s.cfg.Username,
		Password: s.cfg.Password,
	})
	defer syncer.Close()

	streamer, err := syncer.StartSync(start)
	if err != nil {
		return s.exit(ctx, fmt.Errorf("failed to start binlog sync: %w", err))
	}

	s.mu.Lock()
	s.file = start.Name
	s.committed = start
	s.mu.Unlock()

	log.Info().Str("source", s.Name()).Str("table", s.schema+"."+s.table).Str("position", start.String()).Msg("Binlog streaming started")

	nextFlush := time.Now().Add(s.cfg.FlushInterval)
	for {
		ev, err := streamer.GetEvent(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return s.exit(ctx, nil)
			}
			return s.exit(ctx, fmt.Errorf("failed to read binlog event: %w", err))
		}

		s.handleEvent(runCtx, ev, handler)

		if time.Now().After(nextFlush) {
			s.checkpoint(runCtx)
			nextFlush = time.Now().Add(s.cfg.FlushInterval)
		}
	}
}

func (s *MySQLSource) exit(ctx context.Context, err error) error {
	if s.stop.requested() {
		return nil
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *MySQLSource) handleEvent(ctx context.Context, ev *replication.BinlogEvent, handler Handler) {
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		next := mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
		s.mu.Lock()
		s.file = next.Name
		s.committed = next
		s.mu.Unlock()
		log.Info().Str("source", s.Name()).Str("file", next.Name).Msg("Binlog rotated")
		s.checkpoint(ctx)
	case *replication.XIDEvent:
		s.mu.Lock()
		s.committed = mysql.Position{Name: s.file, Pos: ev.Header.LogPos}
		s.mu.Unlock()
	case *replication.RowsEvent:
		if string(e.Table.Schema) != s.schema || string(e.Table.Table) != s.table {
			return
		}
		s.mu.Lock()
		pos := mysql.Position{Name: s.file, Pos: ev.Header.LogPos}
		s.mu.Unlock()

		info := events.SourceInfo{
			Connector:  s.Name(),
			Database:   string(e.Table.Schema),
			Schema:     string(e.Table.Schema),
			Table:      string(e.Table.Table),
			Position:   pos.String(),
			CommitTime: time.Unix(int64(ev.Header.Timestamp), 0).UTC(),
		}
		for _, n := range rowsToNotifications(ev.Header.EventType, e, info) {
			handler(ctx, n)
		}
	}
}

/*
rowsToNotifications expands a rows event into one notification per row.
Update events carry rows in before/after pairs.
*/
func rowsToNotifications(eventType replication.EventType, e *replication.RowsEvent, info events.SourceInfo) []*events.RawChangeNotification {
	names := columnNames(e.Table, len(firstRow(e.Rows)))

	var out []*events.RawChangeNotification
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			out = append(out, &events.RawChangeNotification{Op: events.OpCodeCreate, Source: info, After: rowImage(names, row)})
		}
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		for i := 0; i+1 < len(e.Rows); i += 2 {
			out = append(out, &events.RawChangeNotification{
				Op:     events.OpCodeUpdate,
				Source: info,
				Before: rowImage(names, e.Rows[i]),
				After:  rowImage(names, e.Rows[i+1]),
			})
		}
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			out = append(out, &events.RawChangeNotification{Op: events.OpCodeDelete, Source: info, Before: rowImage(names, row)})
		}
	default:
		log.Debug().Str("source", config.SourceMySQL).Str("event", eventType.String()).Msg("Ignoring rows event type")
	}
	return out
}

func firstRow(rows [][]interface{}) []interface{} {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// columnNames uses the table map's column names when the server sends them,
// col_N otherwise.
func columnNames(table *replication.TableMapEvent, width int) []string {
	var names []string
	if table != nil {
		names = table.ColumnNameString()
	}
	if len(names) >= width && len(names) > 0 {
		return names
	}
	names = make([]string, width)
	for i := range names {
		names[i] = fmt.Sprintf("col_%d", i)
	}
	return names
}

func rowImage(names []string, row []interface{}) *events.RowImage {
	values := make([]interface{}, len(row))
	for i, v := range row {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
			continue
		}
		values[i] = v
	}
	return events.NewRowImage(names[:len(row)], values)
}

func (s *MySQLSource) startPosition(ctx context.Context) (mysql.Position, error) {
	if s.tracker != nil {
		var pos position.MySQLPosition
		_, err := position.LoadInto(ctx, s.tracker, s.streamID, &pos)
		if err == nil && pos.IsValid() {
			s.mu.Lock()
			s.saved = pos.ToMySQLPosition()
			s.mu.Unlock()
			return pos.ToMySQLPosition(), nil
		}
		if err != nil && !errors.Is(err, position.ErrPositionNotFound) {
			log.Warn().Err(err).Str("source", s.Name()).Msg("Ignoring unreadable checkpoint")
		}
	}
	return s.serverPosition(ctx)
}

type binlogStatus struct {
	File     string `db:"File"`
	Position uint32 `db:"Position"`
}

// serverPosition asks the server for its current binlog coordinates.
func (s *MySQLSource) serverPosition(ctx context.Context) (mysql.Position, error) {
	mc := gomysql.NewConfig()
	mc.User = s.cfg.Username
	mc.Passwd = s.cfg.Password
	mc.Net = "tcp"
	mc.Addr = s.cfg.Addr()
	mc.DBName = s.cfg.Database

	db, err := sqlx.Open("mysql", mc.FormatDSN())
	if err != nil {
		return mysql.Position{}, fmt.Errorf("failed to open mysql: %w", err)
	}
	defer db.Close()

	var st binlogStatus
	err = db.Unsafe().QueryRowxContext(ctx, "SHOW MASTER STATUS").StructScan(&st)
	if err != nil {
		// MySQL 8.4 renamed the statement.
		err = db.Unsafe().QueryRowxContext(ctx, "SHOW BINARY LOG STATUS").StructScan(&st)
	}
	if err != nil {
		return mysql.Position{}, fmt.Errorf("failed to read binlog status: %w", err)
	}
	return mysql.Position{Name: st.File, Pos: st.Position}, nil
}

func (s *MySQLSource) checkpoint(ctx context.Context) {
	if s.tracker == nil {
		return
	}
	s.mu.Lock()
	committed, saved := s.committed, s.saved
	s.mu.Unlock()
	if committed.Name == "" || (saved.Name != "" && committed.Compare(saved) <= 0) {
		return
	}

	pos := position.NewMySQLPositionFromMySQL(committed)
	pos.ServerID = s.cfg.ServerID
	pos.Timestamp = time.Now().Unix()
	if err := s.tracker.Save(ctx, s.streamID, pos, map[string]interface{}{"table": s.cfg.Table}); err != nil {
		log.Error().Err(err).Str("source", s.Name()).Msg("Failed to save checkpoint")
		return
	}
	s.mu.Lock()
	s.saved = committed
	s.mu.Unlock()
}

// Close persists the last committed binlog position.
func (s *MySQLSource) Close() error {
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
