package estuary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/readmodel/pkg/config"
)

// MySQLSink mirrors rows into a MySQL table keyed by primaryKey.
type MySQLSink struct {
	db         *sqlx.DB
	table      string
	primaryKey string
}

// NewMySQLSink opens and pings the target database.
func NewMySQLSink(ctx context.Context, cfg config.SinkConfig) (*MySQLSink, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.InterpolateParams = true
	if cfg.Timeout > 0 {
		mc.Timeout = cfg.Timeout
		mc.WriteTimeout = cfg.Timeout
	}

	db, err := sqlx.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	log.Info().Str("addr", mc.Addr).Str("table", cfg.Target).Msg("Connected to MySQL sink")
	return &MySQLSink{db: db, table: cfg.Target, primaryKey: "id"}, nil
}

// WithPrimaryKey sets the key column used by Delete.
func (m *MySQLSink) WithPrimaryKey(pk string) *MySQLSink {
	if pk != "" {
		m.primaryKey = pk
	}
	return m
}

func (m *MySQLSink) Name() string { return config.SinkMySQL }

func (m *MySQLSink) Upsert(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	query, args := buildUpsert(m.table, fields)
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return newApplyError(m.Name(), OpUpsert, id, ErrCodeWriteFailed, "upsert failed", err)
	}
	return nil
}

func (m *MySQLSink) Delete(ctx context.Context, id interface{}) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteTable(m.table), quoteIdent(m.primaryKey))
	if _, err := m.db.ExecContext(ctx, query, id); err != nil {
		return newApplyError(m.Name(), OpDelete, id, ErrCodeWriteFailed, "delete failed", err)
	}
	return nil
}

func (m *MySQLSink) Close() error {
	return m.db.Close()
}

// buildUpsert renders INSERT ... ON DUPLICATE KEY UPDATE with columns sorted by name.
func buildUpsert(table string, fields map[string]interface{}) (string, []interface{}) {
	cols := make([]string, 0, len(fields))
	for k := range fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	updates := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		updates[i] = fmt.Sprintf("%s = VALUES(%s)", quoted[i], quoted[i])
		args[i] = fields[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		quoteTable(table),
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "),
	)
	return query, args
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}
