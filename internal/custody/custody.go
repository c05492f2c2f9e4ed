// Package custody moves chip balances between players and the pair pot.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	ErrInvalidAmount       = errors.New("custody: invalid amount")
)

// Transferer moves chip units into and out of the engine's custody.
type Transferer interface {
	TransferIn(ctx context.Context, chip, from common.Address, amount decimal.Decimal) error
	TransferOut(ctx context.Context, chip, to common.Address, amount decimal.Decimal) error
}

type balanceKey struct {
	chip    common.Address
	account common.Address
}

// Vault is an in-memory Transferer. The engine's own holdings are tracked
// per chip so that payouts can never exceed what was taken in.
type Vault struct {
	mu       sync.Mutex
	balances map[balanceKey]decimal.Decimal
	held     map[common.Address]decimal.Decimal
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		balances: make(map[balanceKey]decimal.Decimal),
		held:     make(map[common.Address]decimal.Decimal),
	}
}

// Mint credits account with amount of chip.
func (v *Vault) Mint(chip, account common.Address, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := balanceKey{chip, account}
	v.balances[k] = v.balances[k].Add(amount)
}

// BalanceOf returns account's balance of chip.
func (v *Vault) BalanceOf(chip, account common.Address) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[balanceKey{chip, account}]
}

// Held returns how much of chip the engine currently holds.
func (v *Vault) Held(chip common.Address) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held[chip]
}

func (v *Vault) TransferIn(_ context.Context, chip, from common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	k := balanceKey{chip, from}
	if v.balances[k].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), v.balances[k], amount)
	}
	v.balances[k] = v.balances[k].Sub(amount)
	v.held[chip] = v.held[chip].Add(amount)
	return nil
}

func (v *Vault) TransferOut(_ context.Context, chip, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held[chip].LessThan(amount) {
		return fmt.Errorf("%w: custody holds %s of %s, needs %s", ErrInsufficientBalance, v.held[chip], chip.Hex(), amount)
	}
	v.held[chip] = v.held[chip].Sub(amount)
	k := balanceKey{chip, to}
	v.balances[k] = v.balances[k].Add(amount)
	return nil
}

var _ Transferer = (*Vault)(nil)
