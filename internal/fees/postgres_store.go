package fees

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock/crosslock/internal/database"
)

// PostgresStore persists fee overrides in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed override store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Override(ctx context.Context, user common.Address) (uint32, bool, error) {
	var numerator int64
	err := database.From(ctx, p.db).QueryRowContext(ctx,
		`SELECT numerator FROM fee_overrides WHERE address = $1`,
		strings.ToLower(user.Hex()),
	).Scan(&numerator)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint32(numerator), true, nil
}

func (p *PostgresStore) SetOverride(ctx context.Context, user common.Address, numerator uint32) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO fee_overrides (address, numerator, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET numerator = $2, updated_at = $3`,
		strings.ToLower(user.Hex()), int64(numerator), time.Now(),
	)
	return err
}

func (p *PostgresStore) ClearOverride(ctx context.Context, user common.Address) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx,
		`DELETE FROM fee_overrides WHERE address = $1`,
		strings.ToLower(user.Hex()),
	)
	return err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
