package nonce

import (
	"context"
	"database/sql"

	"github.com/crosslock/crosslock/internal/database"
)

// PostgresStore persists counters in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed counter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, scope Scope, key string) (uint64, error) {
	var value uint64
	err := database.From(ctx, p.db).QueryRowContext(ctx,
		`SELECT value FROM nonces WHERE scope = $1 AND key = $2`,
		string(scope), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

func (p *PostgresStore) Bump(ctx context.Context, scope Scope, key string, current uint64) error {
	// Fresh counters start at zero: the first bump inserts value 1.
	if current == 0 {
		res, err := database.From(ctx, p.db).ExecContext(ctx, `
			INSERT INTO nonces (scope, key, value) VALUES ($1, $2, 1)
			ON CONFLICT (scope, key) DO UPDATE SET value = 1
			WHERE nonces.value = 0`,
			string(scope), key,
		)
		if err != nil {
			return err
		}
		return checkMoved(res)
	}

	res, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE nonces SET value = value + 1
		WHERE scope = $1 AND key = $2 AND value = $3`,
		string(scope), key, current,
	)
	if err != nil {
		return err
	}
	return checkMoved(res)
}

func checkMoved(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCounterMoved
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
