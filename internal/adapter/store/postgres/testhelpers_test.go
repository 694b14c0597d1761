package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/evalbox/evalbox/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed list of scan functions.
type rowsStub struct {
	scans   []func(dest ...any) error
	i       int
	rowsErr error
}

func (r *rowsStub) Next() bool                                   { r.i++; return r.i <= len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error                       { return r.scans[r.i-1](dest...) }
func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.rowsErr }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub implements postgres.PgxPool for tests. It stubs Exec, QueryRow and
// Query behavior and captures the last statement so assertions can check the
// generated SQL. Defined in a shared helper so multiple *_test.go files can
// reuse it without redefs.

type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	execSQL  string
	execArgs []any
	row      rowStub
	rows     *rowsStub
	queryErr error
	querySQL string
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = sql
	p.execArgs = args
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.querySQL = sql
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.rows, nil
}

// evalScan produces a scan function that fills dest in evalColumns order.
func evalScan(ev domain.Evaluation) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = ev.ID
		*(dest[1].(*string)) = ev.SourceText
		*(dest[2].(*string)) = ev.LanguageTag
		*(dest[3].(*int)) = ev.TimeoutS
		*(dest[4].(*string)) = ev.ResourceClass
		*(dest[5].(*domain.Status)) = ev.Status
		*(dest[6].(*time.Time)) = ev.CreatedAt
		*(dest[7].(**time.Time)) = ev.StartedAt
		*(dest[8].(**time.Time)) = ev.CompletedAt
		*(dest[9].(**int)) = ev.ExitCode
		*(dest[10].(*string)) = ev.OutputPreview
		*(dest[11].(*string)) = ev.OutputRef
		*(dest[12].(**string)) = ev.ErrorMessage
		*(dest[13].(**string)) = ev.RunnerID
		*(dest[14].(**string)) = ev.ContainerID
		return nil
	}
}
