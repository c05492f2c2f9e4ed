package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/parimutuel/internal/model"
)

// AddChips admits new stake assets. Governance only.
func (e *Engine) AddChips(ctx context.Context, caller common.Address, addrs []common.Address) ([]model.Chip, error) {
	const op = "add_chips"
	if err := e.requireGovernance(op, caller); err != nil {
		return nil, err
	}
	release, err := e.lock(ctx, chipsKey)
	if err != nil {
		return nil, err
	}
	defer release()

	added, err := e.chips.AddChips(ctx, addrs)
	if err != nil {
		return nil, e.reject(op, err)
	}
	for _, c := range added {
		slog.Info("chip added", "chip", c.Address.Hex(), "decimals", c.Decimals, "caller", caller.Hex())
	}
	return added, nil
}

// UpdateChip changes a chip's admission status. Existing pairs on an
// invalidated chip keep working; only new pairs are refused.
func (e *Engine) UpdateChip(ctx context.Context, caller, addr common.Address, status model.ChipStatus) (*model.Chip, error) {
	const op = "update_chip"
	if err := e.requireGovernance(op, caller); err != nil {
		return nil, err
	}
	release, err := e.lock(ctx, chipsKey)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := e.chips.UpdateChip(ctx, addr, status)
	if err != nil {
		return nil, e.reject(op, err)
	}
	slog.Info("chip updated", "chip", addr.Hex(), "status", status, "caller", caller.Hex())
	return c, nil
}

// Chips lists every known chip.
func (e *Engine) Chips(ctx context.Context) ([]model.Chip, error) {
	return e.chips.List(ctx)
}

// SetCreationFee changes the fee ratio frozen into pairs opened from now on.
func (e *Engine) SetCreationFee(ctx context.Context, caller common.Address, ratio uint16) error {
	const op = "set_creation_fee"
	if err := e.requireGovernance(op, caller); err != nil {
		return err
	}
	if ratio > e.cfg.MaxCreationFeeRatio || ratio > model.FeeDenominator {
		return e.reject(op, fmt.Errorf("%w: %d above %d", ErrInvalidCreationFee, ratio, e.cfg.MaxCreationFeeRatio))
	}
	release, err := e.lock(ctx, protocolKey)
	if err != nil {
		return err
	}
	defer release()

	if err := e.store.SaveProtocol(ctx, model.Protocol{CreationFeeRatio: ratio}); err != nil {
		return fmt.Errorf("save protocol: %w", err)
	}
	slog.Info("creation fee changed", "ratio", ratio, "caller", caller.Hex())
	return nil
}

// CreationFee returns the ratio new pairs are opened with.
func (e *Engine) CreationFee(ctx context.Context) (uint16, error) {
	return e.currentFeeRatio(ctx)
}
