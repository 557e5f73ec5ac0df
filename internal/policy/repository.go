package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PGRepository stores the policy as a single JSONB row.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a PostgreSQL repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Load fetches the singleton policy row.
func (r *PGRepository) Load(ctx context.Context) (SecurityPolicy, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `SELECT body FROM security_policy WHERE id = 1`).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SecurityPolicy{}, shared.ErrNotFound
		}
		return SecurityPolicy{}, fmt.Errorf("policy: load: %w", err)
	}
	var p SecurityPolicy
	if err := json.Unmarshal(body, &p); err != nil {
		return SecurityPolicy{}, fmt.Errorf("policy: decode: %w", err)
	}
	return p, nil
}

// Save upserts the singleton policy row.
func (r *PGRepository) Save(ctx context.Context, p SecurityPolicy) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: encode: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO security_policy (id, version, body, updated_at, updated_by)
VALUES (1, $1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET version = EXCLUDED.version, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by`,
		p.Version, body, p.UpdatedAt, p.UpdatedBy)
	if err != nil {
		return fmt.Errorf("policy: save: %w", err)
	}
	return nil
}

// MemoryRepository keeps the policy in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	policy *SecurityPolicy
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Load returns the saved policy or shared.ErrNotFound.
func (r *MemoryRepository) Load(ctx context.Context) (SecurityPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy == nil {
		return SecurityPolicy{}, shared.ErrNotFound
	}
	return r.policy.Clone(), nil
}

// Save replaces the stored policy.
func (r *MemoryRepository) Save(ctx context.Context, p SecurityPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := p.Clone()
	r.policy = &stored
	return nil
}

var (
	_ Repository = (*PGRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
