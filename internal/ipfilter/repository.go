package ipfilter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PGRepository stores rules in the ip_rules table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a PostgreSQL repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// List returns all rules ordered by creation time.
func (r *PGRepository) List(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, rule_type, cidr::text, description, created_at, created_by
FROM ip_rules
ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("ipfilter: list: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Rule, error) {
		var rule Rule
		var ruleType string
		err := row.Scan(&rule.ID, &ruleType, &rule.CIDR, &rule.Description, &rule.CreatedAt, &rule.CreatedBy)
		rule.Type = RuleType(ruleType)
		rule.CreatedAt = rule.CreatedAt.UTC()
		return rule, err
	})
	if err != nil {
		return nil, fmt.Errorf("ipfilter: list: %w", err)
	}
	return rules, nil
}

// Insert stores a new rule.
func (r *PGRepository) Insert(ctx context.Context, rule Rule) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO ip_rules (id, rule_type, cidr, description, created_at, created_by)
VALUES ($1, $2, $3::cidr, $4, $5, $6)`,
		rule.ID, string(rule.Type), rule.CIDR, rule.Description, rule.CreatedAt, rule.CreatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("ipfilter: insert: %w", shared.ErrDuplicate)
		}
		return fmt.Errorf("ipfilter: insert: %w", err)
	}
	return nil
}

// Delete removes a rule; unknown ids report shared.ErrNotFound.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM ip_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ipfilter: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// MemoryRepository keeps rules in process memory.
type MemoryRepository struct {
	mu    sync.Mutex
	rules []Rule
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) List(ctx context.Context) ([]Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rules), nil
}

func (r *MemoryRepository) Insert(ctx context.Context, rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.ContainsFunc(r.rules, func(x Rule) bool { return x.ID == rule.ID }) {
		return shared.ErrDuplicate
	}
	r.rules = append(r.rules, rule)
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.rules, func(x Rule) bool { return x.ID == id })
	if idx < 0 {
		return shared.ErrNotFound
	}
	r.rules = slices.Delete(r.rules, idx, idx+1)
	return nil
}

var (
	_ Repository = (*PGRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
