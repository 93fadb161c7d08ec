// Package sqlstore implements store.Store on one relational table. Each row is
// a document keyed by (pk, doc_id) and carries the hex effective key used as
// the scan order, so a range read is an index scan over (epk, pk, doc_id).
//
// The SQL dialect is supplied by the postgres and mysql packages.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/store"
)

// Dialect captures what differs between SQL databases.
type Dialect interface {
	// Name is used in logs and error messages.
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// Placeholder renders the n-th bind parameter, starting at 1.
	Placeholder(n int) string
	// Schema returns the statements creating the table and its scan index.
	Schema(table string) []string
	// IsDuplicate reports a unique-key violation.
	IsDuplicate(err error) bool
	// IsUnavailable reports a server-side transient failure.
	IsUnavailable(err error) bool
}

// Config holds connection pool and table configuration.
type Config struct {
	URL             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a partitioned document table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  logger.Logger
	config  Config
	mu      sync.RWMutex
	closed  bool
}

// Cosa fa: apre il pool database/sql, lo configura e verifica la connettività.
// Cosa NON fa: non crea la tabella; usare EnsureTable.
// Esempio minimo: st, err := sqlstore.Open(cfg, postgres.Dialect{}, log)
func Open(cfg Config, dialect Dialect, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s database URL is required", dialect.Name())
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid %s table name %q", dialect.Name(), cfg.Table)
	}

	db, err := sql.Open(dialect.DriverName(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name(), err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect.Name(), err)
	}

	log.Info("SQL store connection established",
		"dialect", dialect.Name(),
		"table", cfg.Table,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return New(db, dialect, cfg, log)
}

// New wraps an already opened pool.
func New(db *sql.DB, dialect Dialect, cfg Config, log logger.Logger) (*Store, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid %s table name %q", dialect.Name(), cfg.Table)
	}
	return &Store{db: db, dialect: dialect, logger: log, config: cfg}, nil
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// HealthCheck pings the database with a short timeout.
func (s *Store) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Ping(hcCtx); err != nil {
		s.logger.Error("SQL store health check failed", "dialect", s.dialect.Name(), "error", err)
		return fmt.Errorf("%s health check failed: %w", s.dialect.Name(), err)
	}
	return nil
}

// Close releases the pool. Later operations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("closing SQL store connection", "dialect", s.dialect.Name())
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close SQL store connection", "error", err)
		return fmt.Errorf("failed to close %s connection: %w", s.dialect.Name(), err)
	}
	return nil
}

// EnsureTable creates the document table and its scan index when missing.
func (s *Store) EnsureTable(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema(s.config.Table) {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s table %s: %w", s.dialect.Name(), s.config.Table, err)
		}
	}
	return nil
}

// Fetch serves one round trip: a primary key lookup for point reads, an
// ordered scan of the request range resumed after the continuation otherwise.
// The scan reads at most MaxItems rows; filters are applied to the rows read,
// so a page can hold fewer documents than MaxItems and still have a
// continuation.
func (s *Store) Fetch(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	if err := req.Validate(); err != nil {
		return store.FetchResult{}, err
	}
	if req.PointRead {
		return s.pointRead(ctx, req)
	}

	stmt, args, err := s.rangeQuery(req)
	if err != nil {
		return store.FetchResult{}, err
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	rows, err := s.query(queryCtx, stmt, args...)
	if err != nil {
		return store.FetchResult{}, s.translate(ctx, req.Partition, err)
	}
	defer rows.Close()

	var (
		res     store.FetchResult
		scanned int
		last    document.Document
	)
	for rows.Next() {
		if scanned == req.MaxItems {
			res.Continuation = store.PositionOf(last).Encode()
			break
		}
		doc, err := scanDocument(rows)
		if err != nil {
			return store.FetchResult{}, err
		}
		scanned++
		last = doc
		if req.Predicate.Matches(doc) {
			res.Documents = append(res.Documents, doc)
			res.BytesTransferred += doc.Size()
		}
	}
	if err := rows.Err(); err != nil {
		return store.FetchResult{}, s.translate(ctx, req.Partition, err)
	}
	return res, nil
}

// Write applies one mutation. Everything except Create runs in a transaction
// that locks the existing row first.
func (s *Store) Write(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if err := s.checkOpen(); err != nil {
		return store.WriteResult{}, err
	}
	doc := req.Document
	if req.Op == store.Create {
		if err := s.insert(ctx, doc); err != nil {
			return store.WriteResult{}, s.writeError(ctx, req, err)
		}
		return store.WriteResult{Document: doc, Created: true, BytesTransferred: doc.Size()}, nil
	}

	var res store.WriteResult
	err := s.WithTransaction(ctx, func(txCtx context.Context) error {
		current, found, err := s.lockRow(txCtx, doc.PartitionKey, doc.ID)
		if err != nil {
			return err
		}
		switch req.Op {
		case store.Delete:
			if !found {
				return &dberr.NotFoundError{ID: doc.ID, PartitionKey: doc.PartitionKey}
			}
			if err := s.delete(txCtx, doc); err != nil {
				return err
			}
			res = store.WriteResult{Document: current, BytesTransferred: current.Size()}
		case store.Replace:
			if !found {
				return &dberr.NotFoundError{ID: doc.ID, PartitionKey: doc.PartitionKey}
			}
			if err := s.update(txCtx, doc); err != nil {
				return err
			}
			res = store.WriteResult{Document: doc, BytesTransferred: doc.Size(), PreviousBytes: current.Size()}
		case store.Upsert:
			if found {
				err = s.update(txCtx, doc)
			} else {
				err = s.insert(txCtx, doc)
			}
			if err != nil {
				return err
			}
			res = store.WriteResult{Document: doc, Created: !found, BytesTransferred: doc.Size()}
			if found {
				res.PreviousBytes = current.Size()
			}
		default:
			return fmt.Errorf("unsupported write operation %s", req.Op)
		}
		return nil
	})
	if err != nil {
		return store.WriteResult{}, s.writeError(ctx, req, err)
	}
	return res, nil
}

func (s *Store) pointRead(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	id, _ := req.Predicate.ID()
	key := req.Predicate.PartitionKeys()[0]
	stmt := fmt.Sprintf("SELECT pk, doc_id, body FROM %s WHERE pk = %s AND doc_id = %s",
		s.config.Table, s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	doc, err := scanDocument(s.queryRow(ctx, stmt, key, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.FetchResult{}, nil
	}
	if err != nil {
		return store.FetchResult{}, s.translate(ctx, req.Partition, err)
	}
	return store.FetchResult{Documents: []document.Document{doc}, BytesTransferred: doc.Size()}, nil
}

// rangeQuery selects the request's epk range, pushes the partition-key set
// down when there is one and resumes strictly after the continuation. One
// extra row is read to tell whether the range continues.
func (s *Store) rangeQuery(req store.FetchRequest) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return s.dialect.Placeholder(len(args))
	}

	where = append(where, fmt.Sprintf("epk >= %s AND epk <= %s",
		bind(store.EncodeEPK(req.Range.Low)), bind(store.EncodeEPK(req.Range.High))))
	if keys := req.Predicate.PartitionKeys(); len(keys) > 0 {
		marks := make([]string, len(keys))
		for i, k := range keys {
			marks[i] = bind(k)
		}
		where = append(where, fmt.Sprintf("pk IN (%s)", strings.Join(marks, ", ")))
	}
	if req.Continuation != "" {
		pos, err := store.DecodePosition(req.Continuation)
		if err != nil {
			return "", nil, err
		}
		epk := store.EncodeEPK(pos.EPK)
		where = append(where, fmt.Sprintf("(epk > %s OR (epk = %s AND pk > %s) OR (epk = %s AND pk = %s AND doc_id > %s))",
			bind(epk), bind(epk), bind(pos.Key), bind(epk), bind(pos.Key), bind(pos.ID)))
	}

	stmt := fmt.Sprintf("SELECT pk, doc_id, body FROM %s WHERE %s ORDER BY epk, pk, doc_id LIMIT %d",
		s.config.Table, strings.Join(where, " AND "), req.MaxItems+1)
	return stmt, args, nil
}

func (s *Store) lockRow(ctx context.Context, key, id string) (document.Document, bool, error) {
	stmt := fmt.Sprintf("SELECT pk, doc_id, body FROM %s WHERE pk = %s AND doc_id = %s FOR UPDATE",
		s.config.Table, s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	doc, err := scanDocument(s.queryRow(ctx, stmt, key, id))
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, false, nil
	}
	if err != nil {
		return document.Document{}, false, err
	}
	return doc, true, nil
}

func (s *Store) insert(ctx context.Context, doc document.Document) error {
	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (epk, pk, doc_id, body) VALUES (%s, %s, %s, %s)", s.config.Table,
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3), s.dialect.Placeholder(4))
	_, err = s.ExecContext(ctx, stmt, store.EncodeEPK(partition.EffectiveKey(doc.PartitionKey)), doc.PartitionKey, doc.ID, body)
	return err
}

func (s *Store) update(ctx context.Context, doc document.Document) error {
	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("UPDATE %s SET body = %s WHERE pk = %s AND doc_id = %s", s.config.Table,
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3))
	_, err = s.ExecContext(ctx, stmt, body, doc.PartitionKey, doc.ID)
	return err
}

func (s *Store) delete(ctx context.Context, doc document.Document) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE pk = %s AND doc_id = %s", s.config.Table,
		s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	_, err := s.ExecContext(ctx, stmt, doc.PartitionKey, doc.ID)
	return err
}

func (s *Store) writeError(ctx context.Context, req store.WriteRequest, err error) error {
	if dberr.IsNotFound(err) {
		return err
	}
	if s.dialect.IsDuplicate(err) {
		return &dberr.ConflictError{ID: req.Document.ID, PartitionKey: req.Document.PartitionKey}
	}
	return s.translate(ctx, req.Partition, err)
}

// translate maps connection-level failures to PartitionUnavailableError so the
// executor can retry and isolate them. A cancelled caller context is returned
// as is.
func (s *Store) translate(ctx context.Context, id partition.ID, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s partition %s: %w", s.dialect.Name(), id, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) || s.dialect.IsUnavailable(err) {
		s.logger.Warn("SQL round trip failed", "dialect", s.dialect.Name(), "partition", id, "error", err)
		return dberr.Unavailable(string(id), err)
	}
	return fmt.Errorf("%s partition %s: %w", s.dialect.Name(), id, err)
}

// Cosa fa: esegue fn in transazione con commit/rollback automatici.
// Cosa NON fa: non gestisce retry su deadlock; li classifica come indisponibilità.
// Esempio minimo: err := st.WithTransaction(ctx, func(txCtx context.Context) error { return nil })
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("failed to rollback transaction after panic", "panic", p, "rollback_error", rbErr)
			}
			panic(p)
		}
	}()

	txCtx := context.WithValue(ctx, txContextKey, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "original_error", err, "rollback_error", rbErr)
			return fmt.Errorf("failed to rollback transaction: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type contextKey string

const txContextKey contextKey = "sqlstore_tx"

// GetTx extracts the transaction started by WithTransaction, if any.
func GetTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey).(*sql.Tx)
	return tx, ok
}

// ExecContext runs a statement in the context's transaction when there is one.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	if tx, ok := GetTx(ctx); ok {
		return tx.ExecContext(queryCtx, query, args...)
	}
	return s.db.ExecContext(queryCtx, query, args...)
}

// query runs a statement in the context's transaction when there is one. The
// caller bounds the lifetime of the rows, so no query timeout is added here.
func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if tx, ok := GetTx(ctx); ok {
		return tx.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	if err := s.checkOpen(); err != nil {
		return errRow{err: err}
	}
	queryCtx, cancel := s.withQueryTimeout(ctx)
	var row *sql.Row
	if tx, ok := GetTx(ctx); ok {
		row = tx.QueryRowContext(queryCtx, query, args...)
	} else {
		row = s.db.QueryRowContext(queryCtx, query, args...)
	}
	return cancelRow{row: row, cancel: cancel}
}

func (s *Store) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%s store is closed", s.dialect.Name())
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// cancelRow releases the query timeout once the row is scanned; sql.Row reads
// lazily, so cancelling earlier would abort the scan.
type cancelRow struct {
	row    *sql.Row
	cancel context.CancelFunc
}

func (r cancelRow) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func scanDocument(row rowScanner) (document.Document, error) {
	var (
		doc  document.Document
		body []byte
	)
	if err := row.Scan(&doc.PartitionKey, &doc.ID, &body); err != nil {
		return document.Document{}, err
	}
	if len(body) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(body, &doc.Body); err != nil {
		return document.Document{}, fmt.Errorf("decode document %q: %w", doc.ID, err)
	}
	return doc, nil
}

// encodeBody renders the body as JSON text; a nil body is stored as NULL.
func encodeBody(doc document.Document) (any, error) {
	if doc.Body == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("encode document %q: %w", doc.ID, err)
	}
	return string(raw), nil
}
