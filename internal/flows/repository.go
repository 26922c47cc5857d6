// Package flows is the flow directory consumed by the authorization engine:
// existence lookups and parent-project resolution for inheritance.
package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the requested flow does not exist.
var ErrNotFound = errors.New("flows: not found")

// Flow is a resource nested in a project. ProjectID is nil for detached
// flows, which never inherit project permissions.
type Flow struct {
	ID        uuid.UUID
	Name      string
	ProjectID *uuid.UUID
	CreatedAt time.Time
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Exists reports whether the flow exists.
func (r *Repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM flows WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// GetFlow fetches one flow by id.
func (r *Repository) GetFlow(ctx context.Context, id uuid.UUID) (Flow, error) {
	var f Flow
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, project_id, created_at FROM flows WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.ProjectID, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Flow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, err
}

// ParentProjectID resolves the flow's parent project. Both a detached flow
// and a missing flow yield nil: at decision time either means "no rule".
func (r *Repository) ParentProjectID(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
	var parent *uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT project_id FROM flows WHERE id = $1`, id).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flows: parent of %s: %w", id, err)
	}
	return parent, nil
}

// ParentProjectIDs resolves parents for several flows in one query. Missing
// and detached flows are absent from (or nil in) the result map.
func (r *Repository) ParentProjectIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*uuid.UUID, error) {
	parents := make(map[uuid.UUID]*uuid.UUID, len(ids))
	if len(ids) == 0 {
		return parents, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id FROM flows WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var parent *uuid.UUID
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, err
		}
		parents[id] = parent
	}
	return parents, rows.Err()
}
