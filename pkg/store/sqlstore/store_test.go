package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/query"
	"github.com/nimburion/docroute/pkg/store"
)

var _ store.Store = (*Store)(nil)

var (
	errDuplicate   = errors.New("duplicate key")
	errUnavailable = errors.New("too many connections")
)

type fakeDialect struct{}

func (fakeDialect) Name() string                 { return "fake" }
func (fakeDialect) DriverName() string           { return "sqlmock" }
func (fakeDialect) Placeholder(n int) string     { return fmt.Sprintf("$%d", n) }
func (fakeDialect) Schema(table string) []string { return []string{"CREATE TABLE " + table} }
func (fakeDialect) IsDuplicate(err error) bool   { return errors.Is(err, errDuplicate) }
func (fakeDialect) IsUnavailable(err error) bool { return errors.Is(err, errUnavailable) }

var columns = []string{"pk", "doc_id", "body"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("sqlmock expectations: %v", err)
		}
	})
	s, err := New(db, fakeDialect{}, Config{Table: "documents", QueryTimeout: time.Second}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s, mock
}

func TestNew_RejectsTableName(t *testing.T) {
	for _, table := range []string{"", "docs; DROP TABLE x", "1docs"} {
		if _, err := New(nil, fakeDialect{}, Config{Table: table}, logger.Nop()); err == nil {
			t.Errorf("expected %q to be rejected", table)
		}
	}
	if _, err := Open(Config{Table: "documents"}, fakeDialect{}, logger.Nop()); err == nil {
		t.Error("expected an error without a URL")
	}
}

func TestFetch_PointRead(t *testing.T) {
	s, mock := newMockStore(t)
	pointQuery := regexp.QuoteMeta("SELECT pk, doc_id, body FROM documents WHERE pk = $1 AND doc_id = $2")
	mock.ExpectQuery(pointQuery).WithArgs("Sweets", "19293").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("Sweets", "19293", []byte(`{"calories":387}`)))
	mock.ExpectQuery(pointQuery).WithArgs("Sweets", "missing").
		WillReturnRows(sqlmock.NewRows(columns))

	req := store.FetchRequest{
		Partition: "1",
		Range:     partition.FullRange(),
		Predicate: query.MustPredicate(query.WithID("19293"), query.WithPartitionKey("Sweets")),
		PointRead: true,
		MaxItems:  1,
	}
	res, err := s.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 || res.Documents[0].Body["calories"] != float64(387) || res.BytesTransferred == 0 {
		t.Fatalf("unexpected point read %+v", res)
	}

	req.Predicate = query.MustPredicate(query.WithID("missing"), query.WithPartitionKey("Sweets"))
	res, err = s.Fetch(context.Background(), req)
	if err != nil || len(res.Documents) != 0 || res.Continuation != "" {
		t.Fatalf("expected an empty page for a miss, got %+v %v", res, err)
	}
}

func TestFetch_RangePagesAndFilters(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows(columns).
		AddRow("Sweets", "00001", []byte(`{"servings":1}`)).
		AddRow("Sweets", "00002", []byte(`{"servings":3}`)).
		AddRow("Sweets", "00003", []byte(`{"servings":5}`))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY epk, pk, doc_id LIMIT 3")).
		WithArgs(store.EncodeEPK(0), store.EncodeEPK(^uint64(0))).
		WillReturnRows(rows)

	res, err := s.Fetch(context.Background(), store.FetchRequest{
		Partition: "0",
		Range:     partition.FullRange(),
		Predicate: query.MustPredicate(query.Where("servings", query.OpGt, 2)),
		MaxItems:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 || res.Documents[0].ID != "00002" {
		t.Fatalf("expected only the matching scanned row, got %+v", res.Documents)
	}
	want := store.PositionOf(document.Document{ID: "00002", PartitionKey: "Sweets"}).Encode()
	if res.Continuation != want {
		t.Fatalf("continuation should resume after the last scanned row")
	}
}

func TestFetch_LastPageHasNoContinuation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("LIMIT 11").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("Sweets", "00001", nil))

	res, err := s.Fetch(context.Background(), store.FetchRequest{
		Range:     partition.FullRange(),
		Predicate: query.MustPredicate(),
		MaxItems:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 || res.Documents[0].Body != nil || res.Continuation != "" {
		t.Fatalf("unexpected final page %+v", res)
	}
}

func TestFetch_ClassifiesFailures(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(errUnavailable)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("syntax error"))

	req := store.FetchRequest{Partition: "3", Range: partition.FullRange(), Predicate: query.MustPredicate(), MaxItems: 5}
	_, err := s.Fetch(context.Background(), req)
	var unavailable *dberr.PartitionUnavailableError
	if !errors.As(err, &unavailable) || unavailable.Partition != "3" {
		t.Fatalf("expected partition 3 unavailable, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), req); err == nil || dberr.IsUnavailable(err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
}

func TestFetch_RejectsMalformedContinuation(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.Fetch(context.Background(), store.FetchRequest{
		Range:        partition.FullRange(),
		Predicate:    query.MustPredicate(),
		MaxItems:     5,
		Continuation: "%%%",
	})
	if err == nil || !strings.Contains(err.Error(), "malformed continuation") {
		t.Fatalf("expected malformed continuation, got %v", err)
	}
}

func TestRangeQuery(t *testing.T) {
	s := &Store{dialect: fakeDialect{}, config: Config{Table: "documents"}}
	pos := store.Position{EPK: 42, Key: "Sweets", ID: "00007"}
	stmt, args, err := s.rangeQuery(store.FetchRequest{
		Range:        partition.KeyRange{Low: 10, High: 100},
		Predicate:    query.MustPredicate(query.WithPartitionKey("Sweets", "Beef Products")),
		MaxItems:     20,
		Continuation: pos.Encode(),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "SELECT pk, doc_id, body FROM documents WHERE epk >= $1 AND epk <= $2 AND pk IN ($3, $4) AND " +
		"(epk > $5 OR (epk = $6 AND pk > $7) OR (epk = $8 AND pk = $9 AND doc_id > $10)) " +
		"ORDER BY epk, pk, doc_id LIMIT 21"
	if stmt != want {
		t.Fatalf("unexpected statement\n got: %s\nwant: %s", stmt, want)
	}
	epk := store.EncodeEPK(42)
	wantArgs := []any{store.EncodeEPK(10), store.EncodeEPK(100), "Sweets", "Beef Products", epk, epk, "Sweets", epk, "Sweets", "00007"}
	if fmt.Sprint(args) != fmt.Sprint(wantArgs) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestWrite_Create(t *testing.T) {
	s, mock := newMockStore(t)
	insert := regexp.QuoteMeta("INSERT INTO documents (epk, pk, doc_id, body) VALUES ($1, $2, $3, $4)")
	epk := store.EncodeEPK(partition.EffectiveKey("Sweets"))
	mock.ExpectExec(insert).WithArgs(epk, "Sweets", "1", `{"calories":10}`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WillReturnError(errDuplicate)

	d, _ := document.New("1", "Sweets", map[string]any{"calories": 10})
	res, err := s.Write(context.Background(), store.WriteRequest{Op: store.Create, Partition: "2", Document: d})
	if err != nil || !res.Created || res.BytesTransferred != d.Size() {
		t.Fatalf("unexpected create %+v %v", res, err)
	}
	if _, err := s.Write(context.Background(), store.WriteRequest{Op: store.Create, Partition: "2", Document: d}); !dberr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestWrite_UpsertInsertsThenUpdates(t *testing.T) {
	s, mock := newMockStore(t)
	lock := regexp.QuoteMeta("WHERE pk = $1 AND doc_id = $2 FOR UPDATE")

	mock.ExpectBegin()
	mock.ExpectQuery(lock).WithArgs("Sweets", "1").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(lock).WithArgs("Sweets", "1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("Sweets", "1", []byte(`{"calories":10}`)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET body = $1 WHERE pk = $2 AND doc_id = $3")).
		WithArgs(`{"calories":20}`, "Sweets", "1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, _ := document.New("1", "Sweets", map[string]any{"calories": 10})
	stored := d.Size()
	res, err := s.Write(context.Background(), store.WriteRequest{Op: store.Upsert, Document: d})
	if err != nil || !res.Created || res.PreviousBytes != 0 {
		t.Fatalf("expected an insert, got %+v %v", res, err)
	}
	d.Body["calories"] = 20
	res, err = s.Write(context.Background(), store.WriteRequest{Op: store.Upsert, Document: d})
	if err != nil || res.Created || res.PreviousBytes != stored {
		t.Fatalf("expected an update over %d bytes, got %+v %v", stored, res, err)
	}
}

func TestWrite_ReplaceAndDeleteMissing(t *testing.T) {
	s, mock := newMockStore(t)
	for range 2 {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectRollback()
	}

	d, _ := document.New("404", "Sweets", nil)
	for _, op := range []store.WriteOp{store.Replace, store.Delete} {
		_, err := s.Write(context.Background(), store.WriteRequest{Op: op, Document: d})
		var nf *dberr.NotFoundError
		if !errors.As(err, &nf) || nf.ID != "404" || nf.PartitionKey != "Sweets" {
			t.Fatalf("%s: expected not found, got %v", op, err)
		}
	}
}

func TestWrite_DeleteReturnsRemovedDocument(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("Sweets", "1", []byte(`{"calories":10}`)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE pk = $1 AND doc_id = $2")).
		WithArgs("Sweets", "1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.Write(context.Background(), store.WriteRequest{Op: store.Delete, Document: document.Document{ID: "1", PartitionKey: "Sweets"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Document.Body["calories"] != float64(10) || res.BytesTransferred != res.Document.Size() {
		t.Fatalf("expected the removed document, got %+v", res)
	}
}

func TestEnsureTable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE documents").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWithTransaction_RollbackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	want := errors.New("boom")
	err := s.WithTransaction(context.Background(), func(ctx context.Context) error {
		if _, ok := GetTx(ctx); !ok {
			t.Fatal("expected a transaction in context")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected the callback error, got %v", err)
	}
}

func TestClosePreventsSubsequentOperations(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectClose()
	if err := s.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close error: %v", err)
	}
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check to fail after close")
	}
	d, _ := document.New("1", "Sweets", nil)
	if _, err := s.Write(context.Background(), store.WriteRequest{Op: store.Create, Document: d}); err == nil {
		t.Fatal("expected write to fail after close")
	}
	_, err := s.Fetch(context.Background(), store.FetchRequest{Range: partition.FullRange(), Predicate: query.MustPredicate(), MaxItems: 1})
	if err == nil {
		t.Fatal("expected fetch to fail after close")
	}
}

func TestWithQueryTimeout_UsesConfigWhenNoDeadline(t *testing.T) {
	s := &Store{config: Config{QueryTimeout: 200 * time.Millisecond}}
	ctx, cancel := s.withQueryTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected deadline from query timeout")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 250*time.Millisecond {
		t.Fatalf("unexpected remaining timeout: %v", remaining)
	}
}

func TestWithQueryTimeout_PreservesCallerDeadline(t *testing.T) {
	s := &Store{config: Config{QueryTimeout: 5 * time.Second}}
	parent, cancelParent := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelParent()
	ctx, cancel := s.withQueryTimeout(parent)
	defer cancel()
	got, _ := ctx.Deadline()
	want, _ := parent.Deadline()
	if !got.Equal(want) {
		t.Fatalf("expected caller deadline to be preserved, got %v want %v", got, want)
	}
}

func TestProperty_RangeQueryBindsEveryPlaceholder(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)
	s := &Store{dialect: fakeDialect{}, config: Config{Table: "documents"}}
	placeholder := regexp.MustCompile(`\$\d+`)

	properties.Property("placeholders match arguments", prop.ForAll(
		func(keys []string, resume bool, maxItems int) bool {
			opts := []query.Option{}
			if len(keys) > 0 {
				opts = append(opts, query.WithPartitionKey(keys...))
			}
			req := store.FetchRequest{Range: partition.FullRange(), Predicate: query.MustPredicate(opts...), MaxItems: maxItems}
			if resume {
				req.Continuation = store.Position{EPK: 7, Key: "k", ID: "i"}.Encode()
			}
			stmt, args, err := s.rangeQuery(req)
			if err != nil {
				return false
			}
			return len(placeholder.FindAllString(stmt, -1)) == len(args) &&
				strings.HasSuffix(stmt, fmt.Sprintf("LIMIT %d", maxItems+1))
		},
		gen.SliceOfN(3, gen.AlphaString()),
		gen.Bool(),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}
