// Package postgres stores documents in a PostgreSQL table through lib/pq.
package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/store/sqlstore"
)

// Dialect is the PostgreSQL flavour of sqlstore.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string       { return "postgres" }
func (Dialect) DriverName() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// Schema uses the "C" collation so the database orders partition keys and ids
// bytewise, like continuation positions do.
func (Dialect) Schema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	epk CHAR(16) NOT NULL,
	pk TEXT COLLATE "C" NOT NULL,
	doc_id TEXT COLLATE "C" NOT NULL,
	body JSONB,
	PRIMARY KEY (pk, doc_id)
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_scan_order ON %s (epk, pk, doc_id)`, table, table),
	}
}

// IsDuplicate reports a unique_violation.
func (Dialect) IsDuplicate(err error) bool {
	return errCode(err) == "23505"
}

// IsUnavailable reports connection exceptions (class 08), shutdowns,
// exhausted connection slots and serialization failures.
func (Dialect) IsUnavailable(err error) bool {
	code := errCode(err)
	if code == "" {
		return false
	}
	switch code {
	case "57P01", "57P02", "57P03", "53300", "40001", "40P01":
		return true
	}
	return pq.ErrorCode(code).Class() == "08"
}

func errCode(err error) string {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return string(pgErr.Code)
	}
	return ""
}

// Config holds PostgreSQL connection configuration.
type Config = sqlstore.Config

// Cosa fa: apre lo store documentale su PostgreSQL e verifica la connettività.
// Cosa NON fa: non crea la tabella; usare EnsureTable sullo store restituito.
// Esempio minimo: st, err := postgres.Open(postgres.Config{URL: url, Table: "documents"}, log)
func Open(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	return sqlstore.Open(cfg, Dialect{}, log)
}
