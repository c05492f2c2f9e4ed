package custody

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// PostgresVault keeps balances and the engine's holdings in PostgreSQL so
// they outlive the process alongside the pair state. Each transfer is one
// transaction.
type PostgresVault struct {
	pool *pgxpool.Pool
}

// NewPostgresVault creates a PostgreSQL-backed vault.
func NewPostgresVault(pool *pgxpool.Pool) *PostgresVault {
	return &PostgresVault{pool: pool}
}

// Migrate creates the custody tables if they do not exist yet.
func (v *PostgresVault) Migrate(ctx context.Context) error {
	if _, err := v.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("custody migrate: %w", err)
	}
	return nil
}

// Seed credits account with amount of chip unless the account already has a
// balance row, so replaying a bootstrap file on restart credits nothing.
func (v *PostgresVault) Seed(ctx context.Context, chip, account common.Address, amount decimal.Decimal) error {
	_, err := v.pool.Exec(ctx,
		`INSERT INTO custody_balances (chip, account, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (chip, account) DO NOTHING`,
		chip.Hex(), account.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("seed %s: %w", account.Hex(), err)
	}
	return nil
}

// BalanceOf returns account's balance of chip.
func (v *PostgresVault) BalanceOf(ctx context.Context, chip, account common.Address) (decimal.Decimal, error) {
	return v.amount(ctx,
		`SELECT amount::TEXT FROM custody_balances WHERE chip = $1 AND account = $2`,
		chip.Hex(), account.Hex())
}

// Held returns how much of chip the engine currently holds.
func (v *PostgresVault) Held(ctx context.Context, chip common.Address) (decimal.Decimal, error) {
	return v.amount(ctx, `SELECT amount::TEXT FROM custody_held WHERE chip = $1`, chip.Hex())
}

func (v *PostgresVault) amount(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	var s string
	err := v.pool.QueryRow(ctx, query, args...).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read custody amount: %w", err)
	}
	return decimal.NewFromString(s)
}

func (v *PostgresVault) TransferIn(ctx context.Context, chip, from common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE custody_balances SET amount = amount - $3::NUMERIC
			 WHERE chip = $1 AND account = $2 AND amount >= $3::NUMERIC`,
			chip.Hex(), from.Hex(), amount.String())
		if err != nil {
			return fmt.Errorf("debit %s: %w", from.Hex(), err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s needs %s", ErrInsufficientBalance, from.Hex(), amount)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO custody_held (chip, amount) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (chip) DO UPDATE SET amount = custody_held.amount + EXCLUDED.amount`,
			chip.Hex(), amount.String()); err != nil {
			return fmt.Errorf("credit custody: %w", err)
		}
		return nil
	})
}

func (v *PostgresVault) TransferOut(ctx context.Context, chip, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE custody_held SET amount = amount - $2::NUMERIC
			 WHERE chip = $1 AND amount >= $2::NUMERIC`,
			chip.Hex(), amount.String())
		if err != nil {
			return fmt.Errorf("debit custody: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: custody of %s needs %s", ErrInsufficientBalance, chip.Hex(), amount)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO custody_balances (chip, account, amount) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (chip, account) DO UPDATE SET amount = custody_balances.amount + EXCLUDED.amount`,
			chip.Hex(), to.Hex(), amount.String()); err != nil {
			return fmt.Errorf("credit %s: %w", to.Hex(), err)
		}
		return nil
	})
}

var _ Transferer = (*PostgresVault)(nil)
