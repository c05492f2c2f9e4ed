// Package tier provides the player tier collaborators: the stake bonus
// multiplier, the maximum claimable tier level and the secondary tier reward
// released alongside a winning claim.
package tier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrInvalidLevel = errors.New("tier: invalid level")

// BonusSource supplies tier-dependent amounts for a player.
type BonusSource interface {
	// StakeBonusMultiplier returns the weight applied to a new stake (>= 1).
	StakeBonusMultiplier(ctx context.Context, player common.Address) (decimal.Decimal, error)
	// MaxTierLevel returns the highest level the player may claim with.
	MaxTierLevel(ctx context.Context, player common.Address) (uint8, error)
	// TierReward previews the secondary reward for a payout at level.
	TierReward(ctx context.Context, player common.Address, level uint8, payout decimal.Decimal) (decimal.Decimal, error)
	// ReleaseTierReward credits the secondary reward for a payout at level.
	ReleaseTierReward(ctx context.Context, player common.Address, pairID uint64, level uint8, payout decimal.Decimal) (decimal.Decimal, error)
}

// ActivityReporter is told about every accepted stake.
type ActivityReporter interface {
	ReportStakeActivity(ctx context.Context, player, chip common.Address, amount decimal.Decimal) error
}

var bps = decimal.NewFromInt(10000)

// Level is one rung of a Table.
type Level struct {
	MinVolume  decimal.Decimal `toml:"min_volume" json:"min_volume"`
	Multiplier decimal.Decimal `toml:"multiplier" json:"multiplier"`
	RewardBps  uint16          `toml:"reward_bps" json:"reward_bps"`
}

// Table derives a player's level from cumulative staked volume. Level 0 is
// the implicit base tier with multiplier 1 and no reward; configured levels
// are numbered from 1 in ascending MinVolume order.
type Table struct {
	mu       sync.Mutex
	levels   []Level
	volume   map[common.Address]decimal.Decimal
	released map[common.Address]decimal.Decimal
}

// NewTable validates and sorts levels.
func NewTable(levels []Level) (*Table, error) {
	sorted := append([]Level(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinVolume.LessThan(sorted[j].MinVolume) })
	for i, l := range sorted {
		if l.Multiplier.LessThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: level %d multiplier %s below 1", ErrInvalidLevel, i+1, l.Multiplier)
		}
		if l.RewardBps > 10000 {
			return nil, fmt.Errorf("%w: level %d reward %d bps", ErrInvalidLevel, i+1, l.RewardBps)
		}
		if i > 0 && l.MinVolume.Equal(sorted[i-1].MinVolume) {
			return nil, fmt.Errorf("%w: duplicate min volume %s", ErrInvalidLevel, l.MinVolume)
		}
	}
	if len(sorted) > 255 {
		return nil, fmt.Errorf("%w: %d levels", ErrInvalidLevel, len(sorted))
	}
	return &Table{
		levels:   sorted,
		volume:   make(map[common.Address]decimal.Decimal),
		released: make(map[common.Address]decimal.Decimal),
	}, nil
}

func (t *Table) levelLocked(player common.Address) uint8 {
	v := t.volume[player]
	var lvl uint8
	for i, l := range t.levels {
		if v.GreaterThanOrEqual(l.MinVolume) {
			lvl = uint8(i + 1)
		}
	}
	return lvl
}

func (t *Table) StakeBonusMultiplier(_ context.Context, player common.Address) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lvl := t.levelLocked(player)
	if lvl == 0 {
		return decimal.NewFromInt(1), nil
	}
	return t.levels[lvl-1].Multiplier, nil
}

func (t *Table) MaxTierLevel(_ context.Context, player common.Address) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.levelLocked(player), nil
}

func (t *Table) TierReward(_ context.Context, player common.Address, level uint8, payout decimal.Decimal) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rewardLocked(player, level, payout)
}

func (t *Table) rewardLocked(player common.Address, level uint8, payout decimal.Decimal) (decimal.Decimal, error) {
	if level > t.levelLocked(player) {
		return decimal.Zero, fmt.Errorf("%w: %d above player maximum", ErrInvalidLevel, level)
	}
	if level == 0 {
		return decimal.Zero, nil
	}
	q, _ := payout.Mul(decimal.NewFromInt(int64(t.levels[level-1].RewardBps))).QuoRem(bps, 0)
	return q, nil
}

func (t *Table) ReleaseTierReward(_ context.Context, player common.Address, _ uint64, level uint8, payout decimal.Decimal) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.rewardLocked(player, level, payout)
	if err != nil {
		return decimal.Zero, err
	}
	t.released[player] = t.released[player].Add(r)
	return r, nil
}

// Released returns the total tier reward credited to player.
func (t *Table) Released(player common.Address) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released[player]
}

// ReportStakeActivity adds amount to the player's cumulative volume.
func (t *Table) ReportStakeActivity(_ context.Context, player, _ common.Address, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volume[player] = t.volume[player].Add(amount)
	return nil
}

// Fixed gives every player the same multiplier and maximum level and pays no
// tier reward.
type Fixed struct {
	Multiplier decimal.Decimal
	MaxLevel   uint8
}

func (f Fixed) StakeBonusMultiplier(context.Context, common.Address) (decimal.Decimal, error) {
	if f.Multiplier.IsZero() {
		return decimal.NewFromInt(1), nil
	}
	return f.Multiplier, nil
}

func (f Fixed) MaxTierLevel(context.Context, common.Address) (uint8, error) {
	return f.MaxLevel, nil
}

func (f Fixed) TierReward(context.Context, common.Address, uint8, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f Fixed) ReleaseTierReward(context.Context, common.Address, uint64, uint8, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f Fixed) ReportStakeActivity(context.Context, common.Address, common.Address, decimal.Decimal) error {
	return nil
}

var (
	_ BonusSource      = (*Table)(nil)
	_ ActivityReporter = (*Table)(nil)
	_ BonusSource      = Fixed{}
	_ ActivityReporter = Fixed{}
)
