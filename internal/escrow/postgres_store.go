package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock/crosslock/internal/database"
)

// PostgresStore persists escrows in Postgres. The id column is an
// identity starting at 0 so the table mirrors the arena layout.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) (uint64, error) {
	var id uint64
	err := database.From(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO escrows (creator, beneficiary, target_chain, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		strings.ToLower(e.Creator.Hex()), e.Beneficiary[:], int(e.TargetChain),
		e.Amount.String(), e.CreatedAt, e.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert escrow: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := database.From(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, creator, beneficiary, target_chain, amount, dispute_unlock_at, created_at, updated_at
		FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	res, err := database.From(ctx, p.db).ExecContext(ctx, `
		UPDATE escrows
		SET beneficiary = $2, target_chain = $3, amount = $4, dispute_unlock_at = $5, updated_at = $6
		WHERE id = $1`,
		e.ID, e.Beneficiary[:], int(e.TargetChain), e.Amount.String(), e.DisputeUnlockAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByCreator(ctx context.Context, creator common.Address, limit int) ([]*Escrow, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx, `
		SELECT id, creator, beneficiary, target_chain, amount, dispute_unlock_at, created_at, updated_at
		FROM escrows WHERE creator = $1
		ORDER BY id DESC LIMIT $2`,
		strings.ToLower(creator.Hex()), limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var (
		e           Escrow
		creator     string
		beneficiary []byte
		targetChain int
		amount      string
		unlock      sql.NullTime
	)
	err := row.Scan(&e.ID, &creator, &beneficiary, &targetChain, &amount, &unlock, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}

	e.Creator = common.HexToAddress(creator)
	copy(e.Beneficiary[:], beneficiary)
	e.TargetChain = uint16(targetChain)
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("scan escrow %d: malformed amount %q", e.ID, amount)
	}
	e.Amount = v
	if unlock.Valid {
		t := unlock.Time
		e.DisputeUnlockAt = &t
	}
	return &e, nil
}

// PostgresElections is the Postgres-backed election table.
type PostgresElections struct {
	db *sql.DB
}

// NewPostgresElections creates a Postgres-backed election table.
func NewPostgresElections(db *sql.DB) *PostgresElections {
	return &PostgresElections{db: db}
}

func (p *PostgresElections) Elected(ctx context.Context, identifier [32]byte) (common.Address, bool, error) {
	var elected string
	err := database.From(ctx, p.db).QueryRowContext(ctx,
		`SELECT elected FROM elections WHERE identifier = $1`, identifier[:],
	).Scan(&elected)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("query election: %w", err)
	}
	return common.HexToAddress(elected), true, nil
}

func (p *PostgresElections) Elect(ctx context.Context, identifier [32]byte, addr common.Address) error {
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO elections (identifier, elected, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET elected = $2, updated_at = $3`,
		identifier[:], strings.ToLower(addr.Hex()), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record election: %w", err)
	}
	return nil
}

// PostgresEvents is the Postgres-backed event log.
type PostgresEvents struct {
	db *sql.DB
}

// NewPostgresEvents creates a Postgres-backed event log.
func NewPostgresEvents(db *sql.DB) *PostgresEvents {
	return &PostgresEvents{db: db}
}

func (p *PostgresEvents) Record(ctx context.Context, ev Event) error {
	var amount sql.NullString
	if ev.Amount != nil {
		amount = sql.NullString{String: ev.Amount.String(), Valid: true}
	}
	_, err := database.From(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_events (kind, escrow_id, amount, sequence, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(ev.Kind), ev.EscrowID, amount, ev.Sequence, ev.Detail, ev.At,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (p *PostgresEvents) List(ctx context.Context, escrowID uint64, limit int) ([]Event, error) {
	rows, err := database.From(ctx, p.db).QueryContext(ctx, `
		SELECT id, kind, escrow_id, amount, sequence, detail, at
		FROM escrow_events WHERE escrow_id = $1
		ORDER BY id DESC LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			kind   string
			amount sql.NullString
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.EscrowID, &amount, &ev.Sequence, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		if amount.Valid {
			v, ok := new(big.Int).SetString(amount.String, 10)
			if !ok {
				return nil, fmt.Errorf("scan event %d: malformed amount %q", ev.ID, amount.String)
			}
			ev.Amount = v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Compile-time assertions.
var (
	_ Store         = (*PostgresStore)(nil)
	_ ElectionStore = (*PostgresElections)(nil)
	_ EventStore    = (*PostgresEvents)(nil)
)
