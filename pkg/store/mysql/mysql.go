// Package mysql stores documents in a MySQL table through go-sql-driver/mysql.
package mysql

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/store/sqlstore"
)

// Dialect is the MySQL flavour of sqlstore.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string       { return "mysql" }
func (Dialect) DriverName() string { return "mysql" }

func (Dialect) Placeholder(int) string { return "?" }

// Schema keeps keys in a binary collation so rows sort bytewise, like
// continuation positions do. MySQL has no CREATE INDEX IF NOT EXISTS, so the
// scan index is declared with the table.
func (Dialect) Schema(table string) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	epk CHAR(16) CHARACTER SET ascii NOT NULL,
	pk VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
	doc_id VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
	body JSON,
	PRIMARY KEY (pk, doc_id),
	KEY %s_scan_order (epk, pk, doc_id)
)`, table, table)}
}

// IsDuplicate reports ER_DUP_ENTRY.
func (Dialect) IsDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

// IsUnavailable reports dropped connections, lock timeouts, deadlocks and
// exhausted connection slots.
func (Dialect) IsUnavailable(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case 1040, 1205, 1213, 2006, 2013:
		return true
	}
	return false
}

// Config holds MySQL connection configuration. URL is a go-sql-driver DSN,
// e.g. user:pass@tcp(localhost:3306)/docroute.
type Config = sqlstore.Config

// Cosa fa: apre lo store documentale su MySQL e verifica la connettività.
// Cosa NON fa: non crea la tabella; usare EnsureTable sullo store restituito.
// Esempio minimo: st, err := mysql.Open(mysql.Config{URL: dsn, Table: "documents"}, log)
func Open(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	return sqlstore.Open(cfg, Dialect{}, log)
}
