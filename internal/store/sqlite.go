package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/captap/captap/internal/config"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/pkg/exchange"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

type sqliteStore struct {
	db  *sql.DB
	cfg config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA mmap_size=268435456;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	s := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS exchanges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ms INTEGER NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    host TEXT NOT NULL,
    path TEXT,
    status INTEGER NOT NULL DEFAULT 0,
    request_headers_json TEXT,
    request_body BLOB,
    response_headers_json TEXT,
    response_body BLOB,
    content_type TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    request_truncated INTEGER NOT NULL DEFAULT 0,
    response_truncated INTEGER NOT NULL DEFAULT 0,
    error_kind TEXT
);
CREATE INDEX IF NOT EXISTS idx_exchanges_ts ON exchanges(timestamp_ms DESC);
CREATE INDEX IF NOT EXISTS idx_exchanges_host ON exchanges(host);
CREATE INDEX IF NOT EXISTS idx_exchanges_method ON exchanges(method);
CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchanges(status);
CREATE INDEX IF NOT EXISTS idx_exchanges_content_type ON exchanges(content_type);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) InsertOpen(fields exchange.OpenFields) (int64, error) {
	ctx := context.Background()
	headersJSON, err := json.Marshal(fields.RequestHeaders)
	if err != nil {
		return 0, fmt.Errorf("marshal request headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO exchanges (
		timestamp_ms, method, url, host, path, status,
		request_headers_json, request_body, request_truncated
	) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		fields.TimestampMs,
		fields.Method,
		fields.URL,
		fields.Host,
		fields.Path,
		string(headersJSON),
		fields.RequestBody,
		boolToInt(fields.RequestTruncated),
	)
	if err != nil {
		return 0, fmt.Errorf("insert open exchange: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read assigned exchange id: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) Complete(id int64, fields exchange.CompletionFields) error {
	ctx := context.Background()
	headersJSON, err := json.Marshal(fields.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE exchanges SET
		status = ?, response_headers_json = ?, response_body = ?,
		content_type = ?, duration_ms = ?, size_bytes = ?,
		response_truncated = ?, error_kind = ?
		WHERE id = ? AND status = 0`,
		fields.Status,
		string(headersJSON),
		fields.ResponseBody,
		fields.ContentType,
		fields.DurationMs,
		fields.SizeBytes,
		boolToInt(fields.ResponseTruncated),
		nullableString(string(fields.ErrorKind)),
		id,
	)
	if err != nil {
		return fmt.Errorf("complete exchange %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the id doesn't exist, or it was already completed: the
		// status = 0 guard makes a second Complete on the same id an
		// idempotent no-op rather than an overwrite (spec.md §4.4).
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM exchanges WHERE id = ?", id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		return nil
	}

	if err := s.prune(ctx); err != nil {
		s.log.Warn("prune after complete failed", "err", err)
	}
	return nil
}

const selectColumns = `id, timestamp_ms, method, url, host, path, status,
	request_headers_json, request_body, response_headers_json, response_body,
	content_type, duration_ms, size_bytes, request_truncated, response_truncated, error_kind`

func (s *sqliteStore) GetByID(id int64) (*exchange.Exchange, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT "+selectColumns+" FROM exchanges WHERE id = ?", id)
	ex, err := scanExchange(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *sqliteStore) Query(pred exchange.FilterPredicate) ([]*exchange.Exchange, int, error) {
	ctx := context.Background()
	where, args := buildWhere(pred)

	var total int
	countQuery := "SELECT COUNT(1) FROM exchanges " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count exchanges: %w", err)
	}

	q := strings.Builder{}
	q.WriteString("SELECT " + selectColumns + " FROM exchanges ")
	q.WriteString(where)
	q.WriteString(" ORDER BY timestamp_ms DESC, id DESC")

	queryArgs := append([]interface{}{}, args...)
	limit := pred.Limit
	offset := pred.Offset
	if limit > 0 {
		if offset < 0 {
			offset = 0
		}
		q.WriteString(" LIMIT ? OFFSET ?")
		queryArgs = append(queryArgs, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var results []*exchange.Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func buildWhere(pred exchange.FilterPredicate) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if search := strings.TrimSpace(strings.ToLower(pred.Search)); search != "" {
		like := "%" + search + "%"
		clauses = append(clauses, "(LOWER(url) LIKE ? OR LOWER(host) LIKE ? OR LOWER(path) LIKE ?)")
		args = append(args, like, like, like)
	}

	if len(pred.Methods) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("UPPER(?),", len(pred.Methods)), ",")
		clauses = append(clauses, fmt.Sprintf("UPPER(method) IN (%s)", placeholders))
		for _, m := range pred.Methods {
			args = append(args, m)
		}
	}

	if len(pred.Hosts) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(pred.Hosts)), ",")
		clauses = append(clauses, fmt.Sprintf("host IN (%s)", placeholders))
		for _, h := range pred.Hosts {
			args = append(args, h)
		}
	}

	if len(pred.ContentTypes) > 0 {
		var sub []string
		for _, ct := range pred.ContentTypes {
			sub = append(sub, "LOWER(content_type) LIKE ?")
			args = append(args, "%"+strings.ToLower(ct)+"%")
		}
		clauses = append(clauses, "("+strings.Join(sub, " OR ")+")")
	}

	if len(pred.StatusBuckets) > 0 {
		var sub []string
		for _, b := range pred.StatusBuckets {
			low, high, ok := b.Range()
			if !ok {
				continue
			}
			sub = append(sub, "(status >= ? AND status <= ?)")
			args = append(args, low, high)
		}
		if len(sub) > 0 {
			clauses = append(clauses, "("+strings.Join(sub, " OR ")+")")
		}
	}

	if pred.TimeFrom > 0 {
		clauses = append(clauses, "timestamp_ms >= ?")
		args = append(args, pred.TimeFrom)
	}
	if pred.TimeTo > 0 {
		clauses = append(clauses, "timestamp_ms <= ?")
		args = append(args, pred.TimeTo)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *sqliteStore) Count() (int, error) {
	var n int
	err := s.db.QueryRowContext(context.Background(), "SELECT COUNT(1) FROM exchanges").Scan(&n)
	return n, err
}

func (s *sqliteStore) DistinctHosts() ([]string, error) {
	return s.distinct("host")
}

func (s *sqliteStore) DistinctMethods() ([]string, error) {
	return s.distinct("method")
}

func (s *sqliteStore) DistinctContentTypes() ([]string, error) {
	return s.distinct("content_type")
}

func (s *sqliteStore) distinct(column string) ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(),
		fmt.Sprintf("SELECT DISTINCT %s FROM exchanges WHERE %s IS NOT NULL AND %s != '' ORDER BY %s", column, column, column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Delete(id int64) error {
	res, err := s.db.ExecContext(context.Background(), "DELETE FROM exchanges WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ClearAll() error {
	_, err := s.db.ExecContext(context.Background(), "DELETE FROM exchanges")
	return err
}

func (s *sqliteStore) SweepOlderThan(cutoffMs int64) (int, error) {
	res, err := s.db.ExecContext(context.Background(), "DELETE FROM exchanges WHERE timestamp_ms < ?", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("sweep exchanges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// prune applies the max-records retention policy after every completed
// write, the same pattern the teacher uses for its requests table.
func (s *sqliteStore) prune(ctx context.Context) error {
	if s.cfg.MaxRecords <= 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM exchanges").Scan(&count); err != nil {
		return fmt.Errorf("count exchanges: %w", err)
	}
	excess := count - s.cfg.MaxRecords
	if excess <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM exchanges WHERE id IN (SELECT id FROM exchanges ORDER BY timestamp_ms ASC, id ASC LIMIT ?)", excess)
	if err != nil {
		return fmt.Errorf("prune max records: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(context.Background(), "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *sqliteStore) SetSetting(key, value string) error {
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanExchange(scanner interface{ Scan(dest ...interface{}) error }) (*exchange.Exchange, error) {
	var (
		id                 int64
		timestampMs        int64
		method             string
		url                string
		host               string
		path               sql.NullString
		status             int
		reqHeadersJSON     sql.NullString
		reqBody            []byte
		respHeadersJSON    sql.NullString
		respBody           []byte
		contentType        sql.NullString
		durationMs         int64
		sizeBytes          int64
		requestTruncated   int
		responseTruncated  int
		errorKind          sql.NullString
	)

	if err := scanner.Scan(
		&id, &timestampMs, &method, &url, &host, &path, &status,
		&reqHeadersJSON, &reqBody, &respHeadersJSON, &respBody,
		&contentType, &durationMs, &sizeBytes, &requestTruncated, &responseTruncated, &errorKind,
	); err != nil {
		return nil, err
	}

	ex := &exchange.Exchange{
		ID:                id,
		TimestampMs:       timestampMs,
		Method:            method,
		URL:               url,
		Host:              host,
		Path:              path.String,
		Status:            status,
		RequestBody:       append([]byte(nil), reqBody...),
		ResponseBody:      append([]byte(nil), respBody...),
		ContentType:       contentType.String,
		DurationMs:        durationMs,
		SizeBytes:         sizeBytes,
		RequestTruncated:  requestTruncated == 1,
		ResponseTruncated: responseTruncated == 1,
		ErrorKind:         exchange.ErrorKind(errorKind.String),
	}

	ex.RequestHeaders = decodeHeaders(reqHeadersJSON)
	ex.ResponseHeaders = decodeHeaders(respHeadersJSON)

	return ex, nil
}

func decodeHeaders(ns sql.NullString) exchange.Header {
	h := make(exchange.Header)
	if ns.Valid && ns.String != "" {
		_ = json.Unmarshal([]byte(ns.String), &h)
	}
	return h
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
