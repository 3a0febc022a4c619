package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS escrow_balances (
	owner  TEXT   NOT NULL,
	asset  TEXT   NOT NULL,
	amount BIGINT NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (owner, asset)
);
CREATE TABLE IF NOT EXISTS escrow_locks (
	lock_id       TEXT   PRIMARY KEY,
	capability_id TEXT   NOT NULL,
	owner         TEXT   NOT NULL,
	asset         TEXT   NOT NULL,
	amount        BIGINT NOT NULL CHECK (amount >= 0)
);`

// PostgresVault implements plan.Vault backed by PostgreSQL.
// Uses SELECT FOR UPDATE so a balance is never locked or released twice concurrently.
type PostgresVault struct {
	db     *sql.DB
	issuer *Issuer
	asset  string
}

// NewPostgresVault creates a vault for asset over db.
func NewPostgresVault(db *sql.DB, issuer *Issuer, asset string) *PostgresVault {
	return &PostgresVault{db: db, issuer: issuer, asset: asset}
}

// Migrate creates the vault tables when they do not exist.
func (v *PostgresVault) Migrate(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("escrow migrate: %w", err)
	}
	return nil
}

// Deposit credits amount to the owner's free balance.
func (v *PostgresVault) Deposit(ctx context.Context, owner plan.Identity, amount uint64) error {
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO escrow_balances (owner, asset, amount) VALUES ($1, $2, $3)
		ON CONFLICT (owner, asset) DO UPDATE SET amount = escrow_balances.amount + EXCLUDED.amount`,
		string(owner), v.asset, int64(amount))
	if err != nil {
		return fmt.Errorf("escrow deposit: %w", err)
	}
	return nil
}

// Balance returns the owner's free balance.
func (v *PostgresVault) Balance(ctx context.Context, owner plan.Identity) (uint64, error) {
	var amount int64
	err := v.db.QueryRowContext(ctx,
		`SELECT amount FROM escrow_balances WHERE owner = $1 AND asset = $2`,
		string(owner), v.asset,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("escrow balance: %w", err)
	}
	return uint64(amount), nil
}

func (v *PostgresVault) Lock(ctx context.Context, key plan.Key, asset string, amount uint64) (string, error) {
	if asset != v.asset {
		return "", plan.ErrInvalidMint
	}
	capability, capabilityID, err := v.issuer.Issue(key, asset)
	if err != nil {
		return "", err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT amount FROM escrow_balances WHERE owner = $1 AND asset = $2 FOR UPDATE`,
		string(key.Owner), asset,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return "", plan.ErrInsufficientFunds
	}
	if err != nil {
		return "", fmt.Errorf("escrow balance lock failed: %w", err)
	}
	if uint64(balance) < amount {
		return "", plan.ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE escrow_balances SET amount = amount - $1 WHERE owner = $2 AND asset = $3`,
		int64(amount), string(key.Owner), asset,
	); err != nil {
		return "", fmt.Errorf("escrow debit failed: %w", err)
	}

	// A drained lock left behind by an aborted create may be replaced.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_locks (lock_id, capability_id, owner, asset, amount) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lock_id) DO UPDATE SET capability_id = EXCLUDED.capability_id, amount = EXCLUDED.amount
		WHERE escrow_locks.amount = 0`,
		lockID(key), capabilityID, string(key.Owner), asset, int64(amount))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", plan.ErrDuplicate
		}
		return "", fmt.Errorf("escrow lock insert failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", plan.ErrDuplicate
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return capability, nil
}

func (v *PostgresVault) Locked(ctx context.Context, capability string) (uint64, error) {
	claims, err := v.issuer.Verify(capability)
	if err != nil {
		return 0, err
	}
	var capabilityID string
	var amount int64
	err = v.db.QueryRowContext(ctx,
		`SELECT capability_id, amount FROM escrow_locks WHERE lock_id = $1`,
		lockID(claims.Key()),
	).Scan(&capabilityID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("escrow: no balance locked for %s", claims.Key())
	}
	if err != nil {
		return 0, fmt.Errorf("escrow locked: %w", err)
	}
	if capabilityID != claims.ID {
		return 0, fmt.Errorf("%w: superseded", ErrInvalidCapability)
	}
	return uint64(amount), nil
}

func (v *PostgresVault) Release(ctx context.Context, capability string, amount uint64) (uint64, error) {
	claims, err := v.issuer.Verify(capability)
	if err != nil {
		return 0, err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := lockID(claims.Key())
	var capabilityID, owner, asset string
	var locked int64
	err = tx.QueryRowContext(ctx,
		`SELECT capability_id, owner, asset, amount FROM escrow_locks WHERE lock_id = $1 FOR UPDATE`,
		id,
	).Scan(&capabilityID, &owner, &asset, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("escrow: no balance locked for %s", claims.Key())
	}
	if err != nil {
		return 0, fmt.Errorf("escrow lock read failed: %w", err)
	}
	if capabilityID != claims.ID {
		return 0, fmt.Errorf("%w: superseded", ErrInvalidCapability)
	}

	amount = min(amount, uint64(locked))
	if amount == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE escrow_locks SET amount = amount - $1 WHERE lock_id = $2`,
		int64(amount), id,
	); err != nil {
		return 0, fmt.Errorf("escrow lock debit failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_balances (owner, asset, amount) VALUES ($1, $2, $3)
		ON CONFLICT (owner, asset) DO UPDATE SET amount = escrow_balances.amount + EXCLUDED.amount`,
		owner, asset, int64(amount),
	); err != nil {
		return 0, fmt.Errorf("escrow credit failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return amount, nil
}
