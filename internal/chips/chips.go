// Package chips maintains the set of assets accepted as stake.
package chips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/parimutuel/internal/model"
)

var (
	ErrDuplicate      = errors.New("chips: duplicate")
	ErrInvalidAddress = errors.New("chips: invalid address")
	ErrInvalidChip    = errors.New("chips: invalid chip")
)

// Inspector resolves on-chain facts about a candidate chip.
type Inspector interface {
	// IsContract reports whether code is deployed at addr.
	IsContract(ctx context.Context, addr common.Address) (bool, error)
	// Decimals returns the ERC-20 decimals of the asset.
	Decimals(ctx context.Context, addr common.Address) (uint8, error)
}

// Repository is the persistence the registry needs.
type Repository interface {
	GetChip(ctx context.Context, addr common.Address) (*model.Chip, error)
	PutChips(ctx context.Context, chips []model.Chip) error
	ListChips(ctx context.Context) ([]model.Chip, error)
}

// Registry validates chip admissions and status changes. Callers serialize
// writes; the registry itself holds no lock.
type Registry struct {
	repo      Repository
	inspector Inspector
	now       func() time.Time
}

// NewRegistry creates a chip registry.
func NewRegistry(repo Repository, inspector Inspector, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{repo: repo, inspector: inspector, now: now}
}

// AddChips registers every address as a valid chip. The batch is
// all-or-nothing: any zero address, non-contract or duplicate rejects it.
func (r *Registry) AddChips(ctx context.Context, addrs []common.Address) ([]model.Chip, error) {
	if len(addrs) == 0 {
		return nil, ErrInvalidAddress
	}

	seen := make(map[common.Address]struct{}, len(addrs))
	added := make([]model.Chip, 0, len(addrs))
	for _, addr := range addrs {
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero address", ErrInvalidAddress)
		}
		if _, ok := seen[addr]; ok {
			return nil, fmt.Errorf("%w: %s repeated in batch", ErrDuplicate, addr.Hex())
		}
		seen[addr] = struct{}{}

		existing, err := r.repo.GetChip(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("lookup chip %s: %w", addr.Hex(), err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, addr.Hex())
		}

		isContract, err := r.inspector.IsContract(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("inspect chip %s: %w", addr.Hex(), err)
		}
		if !isContract {
			return nil, fmt.Errorf("%w: %s has no code", ErrInvalidAddress, addr.Hex())
		}
		decimals, err := r.inspector.Decimals(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("chip %s decimals: %w", addr.Hex(), err)
		}

		added = append(added, model.Chip{
			Address:  addr,
			Status:   model.ChipValid,
			Decimals: decimals,
			AddedAt:  r.now().UTC(),
		})
	}

	if err := r.repo.PutChips(ctx, added); err != nil {
		return nil, fmt.Errorf("save chips: %w", err)
	}
	return added, nil
}

// UpdateChip flips a registered chip between valid and invalid.
func (r *Registry) UpdateChip(ctx context.Context, addr common.Address, status model.ChipStatus) (*model.Chip, error) {
	if status != model.ChipValid && status != model.ChipInvalid {
		return nil, fmt.Errorf("%w: unsupported status %d", ErrInvalidChip, status)
	}
	c, err := r.repo.GetChip(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("lookup chip %s: %w", addr.Hex(), err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s not registered", ErrInvalidChip, addr.Hex())
	}
	if c.Status == status {
		return nil, fmt.Errorf("%w: %s status unchanged", ErrInvalidChip, addr.Hex())
	}

	c.Status = status
	if err := r.repo.PutChips(ctx, []model.Chip{*c}); err != nil {
		return nil, fmt.Errorf("save chip: %w", err)
	}
	return c, nil
}

// IsValid reports whether addr is a registered chip in the valid state.
func (r *Registry) IsValid(ctx context.Context, addr common.Address) (bool, error) {
	c, err := r.repo.GetChip(ctx, addr)
	if err != nil {
		return false, err
	}
	return c != nil && c.Status == model.ChipValid, nil
}

// List returns every registered chip.
func (r *Registry) List(ctx context.Context) ([]model.Chip, error) {
	return r.repo.ListChips(ctx)
}
