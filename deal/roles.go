package deal

import (
	"context"
	"fmt"

	"dealflow/apperr"
	"dealflow/db"
)

// RoleResolver answers which side of a deal an actor is on.
type RoleResolver struct {
	pool db.TxBeginner
	repo Repository
}

func NewRoleResolver(pool db.TxBeginner, repo Repository) *RoleResolver {
	if repo == nil {
		repo = NewRepository()
	}
	return &RoleResolver{pool: pool, repo: repo}
}

// ResolveRole returns the actor's role on the deal, or an authorization error
// when the actor is not a party to it.
func (r *RoleResolver) ResolveRole(ctx context.Context, actorID, dealID string) (Role, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := r.repo.Get(ctx, tx, dealID)
	if err != nil {
		return "", Translate(err)
	}
	role, ok := d.RoleOf(actorID)
	if !ok {
		return "", apperr.Authorization("actor is not a party to this deal")
	}
	return role, nil
}
