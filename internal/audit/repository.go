package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PGStore persists the chain in the audit_entries table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var auditColumns = []string{"id", "occurred_at", "actor_id", "action", "resource", "source_ip", "outcome", "detail", "prev_hash", "hash"}

// Head returns the highest id entry.
func (s *PGStore) Head(ctx context.Context) (Head, error) {
	var head Head
	err := s.pool.QueryRow(ctx, `SELECT id, hash, occurred_at FROM audit_entries ORDER BY id DESC LIMIT 1`).
		Scan(&head.ID, &head.Hash, &head.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Head{}, nil
		}
		return Head{}, err
	}
	head.Timestamp = head.Timestamp.UTC()
	return head, nil
}

// AppendBatch copies entries in a single statement.
func (s *PGStore) AppendBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.ID, e.Timestamp, e.ActorID, e.Action, e.Resource, e.SourceIP, string(e.Outcome), e.Detail, e.PrevHash, e.Hash}
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"audit_entries"}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("audit: append batch: %w", shared.ErrDuplicate)
		}
		return fmt.Errorf("audit: append batch: %w", err)
	}
	return nil
}

// Query streams matching rows ordered by id.
func (s *PGStore) Query(ctx context.Context, filter Filter) iter.Seq2[Entry, error] {
	sql, args := buildQuery(filter)
	return func(yield func(Entry, error) bool) {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			yield(Entry{}, shared.Persistence("audit query", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			var outcome string
			if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.Action, &e.Resource, &e.SourceIP, &outcome, &e.Detail, &e.PrevHash, &e.Hash); err != nil {
				yield(Entry{}, shared.Persistence("audit scan", err))
				return
			}
			e.Outcome = Outcome(outcome)
			e.Timestamp = e.Timestamp.UTC()
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, shared.Persistence("audit rows", err))
		}
	}
}

func buildQuery(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Outcome != "" {
		add("outcome = $%d", string(filter.Outcome))
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= $%d", filter.To)
	}
	if filter.AfterID > 0 {
		add("id > $%d", filter.AfterID)
	}
	var b strings.Builder
	b.WriteString("SELECT " + strings.Join(auditColumns, ", ") + " FROM audit_entries")
	if len(clauses) > 0 {
		b.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

var _ Store = (*PGStore)(nil)
