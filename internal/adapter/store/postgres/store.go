// Package postgres persists evaluations in PostgreSQL. The reactor is the
// only writer; conditional updates carry the allowed source statuses in the
// WHERE clause so a stale or replayed event can never overwrite a terminal
// row.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/evalbox/evalbox/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the store for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements domain.EvaluationStore using a minimal pgx pool.
type Store struct{ Pool PgxPool }

// New constructs a Store with the given pool.
func New(p PgxPool) *Store { return &Store{Pool: p} }

const defaultPageSize = 50

const evalColumns = `id, source_text, language_tag, timeout_s, resource_class, status, created_at, started_at, completed_at, exit_code, output_preview, output_ref, error_message, runner_id, container_id`

// Insert creates the record when id is new and is a no-op otherwise, so a
// redelivered eval.queued event cannot clobber an existing row.
func (s *Store) Insert(ctx domain.Context, ev domain.Evaluation) error {
	tracer := otel.Tracer("store.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Insert")
	defer span.End()
	if ev.ID == "" {
		return fmt.Errorf("op=eval.insert: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO evaluations (` + evalColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) ON CONFLICT (id) DO NOTHING`
	_, err := s.Pool.Exec(ctx, q,
		ev.ID, ev.SourceText, ev.LanguageTag, ev.TimeoutS, ev.ResourceClass,
		ev.Status, ev.CreatedAt.UTC(), ev.StartedAt, ev.CompletedAt, ev.ExitCode,
		ev.OutputPreview, ev.OutputRef, ev.ErrorMessage, ev.RunnerID, ev.ContainerID)
	if err != nil {
		return fmt.Errorf("op=eval.insert: %w", err)
	}
	return nil
}

// UpdateIf applies upd only when the current status is one of from. The
// status guard travels in the WHERE clause, making check-and-set one atomic
// statement. A false result means no row transitioned.
func (s *Store) UpdateIf(ctx domain.Context, id string, from []domain.Status, upd domain.EvalUpdate) (bool, error) {
	tracer := otel.Tracer("store.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.UpdateIf")
	defer span.End()
	if id == "" || len(from) == 0 {
		return false, fmt.Errorf("op=eval.update_if: %w", domain.ErrInvalidArgument)
	}

	sets := make([]string, 0, 9)
	args := []any{id}
	n := 2
	set := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s=$%d", col, n))
		args = append(args, v)
		n++
	}
	if upd.Status != "" {
		set("status", upd.Status)
	}
	if upd.StartedAt != nil {
		set("started_at", upd.StartedAt.UTC())
	}
	if upd.CompletedAt != nil {
		set("completed_at", upd.CompletedAt.UTC())
	}
	if upd.ExitCode != nil {
		set("exit_code", *upd.ExitCode)
	}
	if upd.OutputPreview != nil {
		set("output_preview", *upd.OutputPreview)
	}
	if upd.OutputRef != nil {
		set("output_ref", *upd.OutputRef)
	}
	if upd.ErrorMessage != nil {
		set("error_message", *upd.ErrorMessage)
	}
	if upd.RunnerID != nil {
		set("runner_id", *upd.RunnerID)
	}
	if upd.ContainerID != nil {
		set("container_id", *upd.ContainerID)
	}
	if len(sets) == 0 {
		return false, fmt.Errorf("op=eval.update_if: %w", domain.ErrInvalidArgument)
	}

	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	args = append(args, states)
	q := fmt.Sprintf(`UPDATE evaluations SET %s WHERE id=$1 AND status = ANY($%d)`, strings.Join(sets, ", "), n)
	tag, err := s.Pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("op=eval.update_if: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get loads an evaluation by id.
func (s *Store) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	tracer := otel.Tracer("store.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Get")
	defer span.End()
	q := `SELECT ` + evalColumns + ` FROM evaluations WHERE id=$1`
	ev, err := scanEvaluation(s.Pool.QueryRow(ctx, q, id).Scan)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", err)
	}
	return ev, nil
}

// List pages evaluations newest first, optionally narrowed to one status.
func (s *Store) List(ctx domain.Context, f domain.ListFilter) ([]domain.Evaluation, error) {
	tracer := otel.Tracer("store.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.List")
	defer span.End()
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	q := `SELECT ` + evalColumns + ` FROM evaluations`
	args := make([]any, 0, 3)
	n := 1
	if f.Status != "" {
		q += fmt.Sprintf(" WHERE status=$%d", n)
		args = append(args, f.Status)
		n++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, f.Offset)

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=eval.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Evaluation, 0, limit)
	for rows.Next() {
		ev, err := scanEvaluation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("op=eval.list_scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=eval.list_rows: %w", err)
	}
	return out, nil
}

// CountByStatus reports how many evaluations sit in the given status.
func (s *Store) CountByStatus(ctx domain.Context, st domain.Status) (int, error) {
	tracer := otel.Tracer("store.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.CountByStatus")
	defer span.End()
	var n int64
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM evaluations WHERE status=$1`, st).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=eval.count_by_status: %w", err)
	}
	return int(n), nil
}

func scanEvaluation(scan func(dest ...any) error) (domain.Evaluation, error) {
	var ev domain.Evaluation
	err := scan(&ev.ID, &ev.SourceText, &ev.LanguageTag, &ev.TimeoutS, &ev.ResourceClass,
		&ev.Status, &ev.CreatedAt, &ev.StartedAt, &ev.CompletedAt, &ev.ExitCode,
		&ev.OutputPreview, &ev.OutputRef, &ev.ErrorMessage, &ev.RunnerID, &ev.ContainerID)
	return ev, err
}
