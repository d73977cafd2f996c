// Package idempotency reserves delivery keys inside the transaction that
// applies their effect, so a replayed delivery commits nothing.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
)

// ErrDuplicateKey signals the key was already reserved by an earlier delivery.
var ErrDuplicateKey = errors.New("idempotency: duplicate key")

// Store reserves keys in the idempotency table.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Reserve attempts to reserve key inside the active transaction.
func (s *Store) Reserve(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("idempotency: empty key")
	}

	// ON CONFLICT keeps the transaction usable after a duplicate.
	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("idempotency: insert key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// Key builds a provider-scoped delivery key.
func Key(provider string, parts ...string) string {
	key := provider
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
